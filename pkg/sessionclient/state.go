package sessionclient

import (
	"net/http"
	"strings"
	"sync"
)

const (
	storageKeyAccessToken = "access_token"
	authorizationHeader   = "Authorization"
	bearerPrefix          = "Bearer "
)

// SessionState owns the process-wide credentials: the access token, the default
// Authorization header derived from it, the cached CSRF token, and the refresh guard.
type SessionState struct {
	mutex          sync.RWMutex
	accessToken    string
	csrfToken      string
	allowRefresh   bool
	defaultHeaders http.Header
	tabStorage     Storage
	events         *eventBus
	// rehydrated is set once tab storage has been consulted or written; memory is
	// authoritative afterwards.
	rehydrated bool
	// generation advances each time refresh is disabled, so a refresh started before
	// that point cannot install its token.
	generation uint64
}

func newSessionState(tabStorage Storage, events *eventBus, allowRefresh bool) *SessionState {
	return &SessionState{
		allowRefresh:   allowRefresh,
		defaultHeaders: make(http.Header),
		tabStorage:     tabStorage,
		events:         events,
	}
}

// SetToken stores the token in memory and per-tab storage, installs the default
// Authorization header, and publishes an authorized event.
func (state *SessionState) SetToken(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		state.ClearToken()
		return
	}
	state.mutex.Lock()
	state.installTokenLocked(token)
	state.mutex.Unlock()
	state.events.publish(Event{Kind: EventAuthorized})
}

// commitRefreshedToken installs token only while refresh is still allowed and no
// disable happened since generation was read. It reports whether the token landed.
func (state *SessionState) commitRefreshedToken(token string, generation uint64) bool {
	token = strings.TrimSpace(token)
	state.mutex.Lock()
	if token == "" || !state.allowRefresh || state.generation != generation {
		state.mutex.Unlock()
		return false
	}
	state.installTokenLocked(token)
	state.mutex.Unlock()
	state.events.publish(Event{Kind: EventAuthorized})
	return true
}

func (state *SessionState) installTokenLocked(token string) {
	state.accessToken = token
	state.rehydrated = true
	state.tabStorage.Set(storageKeyAccessToken, token)
	state.defaultHeaders.Set(authorizationHeader, bearerPrefix+token)
}

// refreshGeneration returns the current refresh generation.
func (state *SessionState) refreshGeneration() uint64 {
	state.mutex.RLock()
	defer state.mutex.RUnlock()
	return state.generation
}

// Token returns the in-memory token, rehydrating it from per-tab storage when memory
// is empty. Rehydration repairs the default header and publishes nothing.
func (state *SessionState) Token() string {
	state.mutex.RLock()
	token, rehydrated := state.accessToken, state.rehydrated
	state.mutex.RUnlock()
	if token != "" || rehydrated {
		return token
	}
	return state.rehydrate()
}

// ClearToken drops the token from memory, per-tab storage, and the default headers
// under a single lock.
func (state *SessionState) ClearToken() {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	state.accessToken = ""
	state.rehydrated = true
	state.tabStorage.Remove(storageKeyAccessToken)
	state.defaultHeaders.Del(authorizationHeader)
}

func (state *SessionState) rehydrate() string {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	if state.accessToken != "" || state.rehydrated {
		return state.accessToken
	}
	state.rehydrated = true
	stored, ok := state.tabStorage.Get(storageKeyAccessToken)
	stored = strings.TrimSpace(stored)
	if !ok || stored == "" {
		return ""
	}
	state.accessToken = stored
	state.defaultHeaders.Set(authorizationHeader, bearerPrefix+stored)
	return stored
}

// DefaultHeaders returns a copy of the headers applied to every outgoing request.
func (state *SessionState) DefaultHeaders() http.Header {
	state.mutex.RLock()
	defer state.mutex.RUnlock()
	return state.defaultHeaders.Clone()
}

// CSRFToken returns the cached CSRF token.
func (state *SessionState) CSRFToken() string {
	state.mutex.RLock()
	defer state.mutex.RUnlock()
	return state.csrfToken
}

func (state *SessionState) setCSRFToken(token string) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	state.csrfToken = token
}

// AllowRefresh reports whether automatic refresh attempts are permitted.
func (state *SessionState) AllowRefresh() bool {
	state.mutex.RLock()
	defer state.mutex.RUnlock()
	return state.allowRefresh
}

// SetAllowRefresh toggles the refresh guard. Disabling it also voids any refresh
// already in flight.
func (state *SessionState) SetAllowRefresh(allow bool) {
	state.mutex.Lock()
	defer state.mutex.Unlock()
	if !allow {
		state.generation++
	}
	state.allowRefresh = allow
}
