package authkit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryRefreshTokenStoreMissingBackingRecord(t *testing.T) {
	store := NewMemoryRefreshTokenStore(nil)
	tokenID, opaque, err := store.Issue(context.Background(), "user", time.Now().Add(time.Minute).Unix(), "")
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}
	store.mutex.Lock()
	delete(store.byID, tokenID)
	store.mutex.Unlock()
	if _, _, _, err := store.Validate(context.Background(), opaque); !errors.Is(err, ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound when backing record missing, got %v", err)
	}
}

func TestMemoryRefreshTokenStoreConcurrentRevokeWinsOnce(t *testing.T) {
	store := NewMemoryRefreshTokenStore(nil)
	tokenID, _, err := store.Issue(context.Background(), "user", time.Now().Add(time.Minute).Unix(), "")
	if err != nil {
		t.Fatalf("issue error: %v", err)
	}

	const revokers = 16
	var waitGroup sync.WaitGroup
	results := make(chan error, revokers)
	for index := 0; index < revokers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			results <- store.Revoke(context.Background(), tokenID)
		}()
	}
	waitGroup.Wait()
	close(results)

	successes := 0
	for revokeErr := range results {
		if revokeErr == nil {
			successes++
			continue
		}
		if !errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked) {
			t.Fatalf("unexpected error: %v", revokeErr)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful revoke, got %d", successes)
	}
}
