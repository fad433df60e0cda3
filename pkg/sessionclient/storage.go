package sessionclient

import "sync"

// Storage is the per-tab volatile scope: small string values that survive a reload of the
// in-memory state but not the end of the session scope itself.
type Storage interface {
	Get(key string) (string, bool)
	Set(key string, value string)
	Remove(key string)
}

// MemoryStorage implements Storage with a guarded map.
type MemoryStorage struct {
	mutex  sync.RWMutex
	values map[string]string
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (storage *MemoryStorage) Get(key string) (string, bool) {
	storage.mutex.RLock()
	defer storage.mutex.RUnlock()
	value, ok := storage.values[key]
	return value, ok
}

func (storage *MemoryStorage) Set(key string, value string) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	storage.values[key] = value
}

func (storage *MemoryStorage) Remove(key string) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	delete(storage.values, key)
}
