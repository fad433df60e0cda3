package authkit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"
)

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("token_not_found")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("audience_mismatch")
	}
	if result.err != nil {
		return nil, result.err
	}
	return result.payload, nil
}

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Now().UTC().Truncate(time.Second)}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type testUser struct {
	password    string
	profile     UserProfile
	memberships []Membership
}

type testUserStore struct {
	mutex sync.Mutex
	users map[string]*testUser
}

func newTestUserStore() *testUserStore {
	store := &testUserStore{users: make(map[string]*testUser)}
	store.users["local:teacher@example.com"] = &testUser{
		password: "secret",
		profile:  UserProfile{UserID: "local:teacher@example.com", Email: "teacher@example.com", Display: "Pat Teacher", Roles: []string{"user"}},
		memberships: []Membership{
			{SchoolID: "school-1", SchoolName: "North High", Role: "teacher"},
			{SchoolID: "school-2", SchoolName: "South High", Role: "admin", Icon: "south.png"},
		},
	}
	return store
}

func (store *testUserStore) AuthenticatePassword(ctx context.Context, userEmail string, password string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.users["local:"+userEmail]
	if !ok || user.password != password {
		return "", ErrInvalidCredentials
	}
	return user.profile.UserID, nil
}

func (store *testUserStore) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string) (string, []string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	applicationUserID := "google:" + googleSub
	store.users[applicationUserID] = &testUser{
		profile: UserProfile{UserID: applicationUserID, Email: userEmail, Display: userDisplayName, Roles: []string{"user"}},
	}
	return applicationUserID, []string{"user"}, nil
}

func (store *testUserStore) GetUserProfile(ctx context.Context, applicationUserID string) (UserProfile, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.users[applicationUserID]
	if !ok {
		return UserProfile{}, ErrUserNotFound
	}
	return user.profile, nil
}

func (store *testUserStore) ListMemberships(ctx context.Context, applicationUserID string) ([]Membership, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.users[applicationUserID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return append([]Membership(nil), user.memberships...), nil
}

func (store *testUserStore) remove(applicationUserID string) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.users, applicationUserID)
}

// scriptedNonceStore hands out a known nonce so Google payloads can echo it.
type scriptedNonceStore struct {
	mutex  sync.Mutex
	next   string
	issued map[string]bool
}

func newScriptedNonceStore(next string) *scriptedNonceStore {
	return &scriptedNonceStore{next: next, issued: make(map[string]bool)}
}

func (store *scriptedNonceStore) Issue(ctx context.Context) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.issued[store.next] = true
	return store.next, nil
}

func (store *scriptedNonceStore) Consume(ctx context.Context, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if !store.issued[token] {
		return ErrNonceNotFound
	}
	delete(store.issued, token)
	return nil
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		GoogleWebClientID: "client-id",
		AppJWTSigningKey:  []byte("secret-key-1234567890"),
		AppJWTIssuer:      "test-issuer",
		RefreshCookiePath: "/api/auth",
		SessionTTL:        time.Minute,
		RefreshTTL:        15 * time.Minute,
		SameSiteMode:      http.SameSiteStrictMode,
		AllowInsecureHTTP: true,
	}
}

type authServer struct {
	server        *httptest.Server
	client        *http.Client
	configuration ServerConfig
	users         *testUserStore
	refreshTokens *MemoryRefreshTokenStore
	clock         *controllableClock
	metrics       *CounterMetrics
}

// newAuthServer mounts the auth routes under /api and returns a cookie-aware client.
func newAuthServer(t *testing.T, mutate func(*ServerConfig, *RouteDependencies)) *authServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := newControllableClock()
	users := newTestUserStore()
	refreshTokens := NewMemoryRefreshTokenStore(clock)
	metrics := NewCounterMetrics()
	configuration := newTestServerConfig()
	dependencies := RouteDependencies{
		Users:         users,
		RefreshTokens: refreshTokens,
		Nonces:        newScriptedNonceStore("nonce-1"),
		Clock:         clock,
		Metrics:       metrics,
		Logger:        zaptest.NewLogger(t),
		GoogleValidator: &fakeGoogleValidator{results: map[string]validatorResult{
			"valid-token": {
				payload: &idtoken.Payload{Claims: map[string]interface{}{
					"iss":            "https://accounts.google.com",
					"sub":            "sub-123",
					"email":          "google@example.com",
					"email_verified": true,
					"name":           "Google User",
					"nonce":          "nonce-1",
				}},
				expectedAudience: "client-id",
			},
		}},
	}
	if mutate != nil {
		mutate(&configuration, &dependencies)
	}

	router := gin.New()
	if err := MountAuthRoutes(router.Group("/api"), configuration, dependencies); err != nil {
		t.Fatalf("mount routes: %v", err)
	}
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &authServer{
		server:        server,
		client:        &http.Client{Jar: jar},
		configuration: configuration.WithDefaults(),
		users:         users,
		refreshTokens: refreshTokens,
		clock:         clock,
		metrics:       metrics,
	}
}

type dataEnvelope struct {
	Data struct {
		AccessToken string       `json:"access_token"`
		CSRFToken   string       `json:"csrf_token"`
		Nonce       string       `json:"nonce"`
		User        userView     `json:"user"`
		Memberships []Membership `json:"memberships"`
	} `json:"data"`
	Error string `json:"error"`
}

func (harness *authServer) url(path string) string {
	return harness.server.URL + "/api" + path
}

// send issues a request through the cookie-aware client and decodes the JSON body.
func (harness *authServer) send(t *testing.T, method string, path string, body string, headers map[string]string) (*http.Response, dataEnvelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	request, err := http.NewRequest(method, harness.url(path), reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	response, err := harness.client.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	var decoded dataEnvelope
	raw, _ := io.ReadAll(response.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return response, decoded
}

func (harness *authServer) csrfToken(t *testing.T) string {
	t.Helper()
	response, decoded := harness.send(t, http.MethodGet, "/auth/csrf", "", nil)
	if response.StatusCode != http.StatusOK || decoded.Data.CSRFToken == "" {
		t.Fatalf("csrf bootstrap failed: %d", response.StatusCode)
	}
	return decoded.Data.CSRFToken
}

func (harness *authServer) login(t *testing.T) (*http.Response, string) {
	t.Helper()
	response, decoded := harness.send(t, http.MethodPost, "/auth/login", `{"email":"teacher@example.com","password":"secret"}`, nil)
	if response.StatusCode != http.StatusOK || decoded.Data.AccessToken == "" {
		t.Fatalf("login failed: %d %q", response.StatusCode, decoded.Error)
	}
	return response, decoded.Data.AccessToken
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, cookie := range cookies {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}
