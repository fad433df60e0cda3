package clientstore

import (
	"context"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/tyemirov/tsession/pkg/sessionclient"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T, stateURL string) *Store {
	t.Helper()
	store, err := Open(context.Background(), stateURL, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newStateURL(t *testing.T) string {
	t.Helper()
	return "sqlite://" + filepath.Join(t.TempDir(), "state.db")
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, cookie := range cookies {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}

func TestOpenRejectsUnsupportedURL(t *testing.T) {
	if _, err := Open(context.Background(), "mysql://localhost/state", nil); err == nil {
		t.Fatalf("expected unsupported dialect error")
	}
}

func TestDatabaseStorageRoundTrip(t *testing.T) {
	store := openTestStore(t, newStateURL(t))
	if store.Driver() != "sqlite" {
		t.Fatalf("expected sqlite driver, got %s", store.Driver())
	}
	storage := store.Storage("")
	other := store.Storage("work")

	if _, ok := storage.Get("access_token"); ok {
		t.Fatalf("expected empty storage")
	}
	storage.Set("access_token", "abc")
	storage.Set("access_token", "def")
	if value, ok := storage.Get("access_token"); !ok || value != "def" {
		t.Fatalf("expected overwritten value, got %q (%t)", value, ok)
	}
	if _, ok := other.Get("access_token"); ok {
		t.Fatalf("profiles must not share values")
	}

	storage.Remove("access_token")
	storage.Remove("access_token")
	if _, ok := storage.Get("access_token"); ok {
		t.Fatalf("expected value removed")
	}
}

func TestDatabaseStorageSurvivesReopen(t *testing.T) {
	stateURL := newStateURL(t)
	first := openTestStore(t, stateURL)

	client, err := sessionclient.NewClient(sessionclient.Config{
		BaseURL:    "http://school.example.com/api",
		TabStorage: first.Storage("default"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("persisted-token")

	second := openTestStore(t, stateURL)
	restored, err := sessionclient.NewClient(sessionclient.Config{
		BaseURL:    "http://school.example.com/api",
		TabStorage: second.Storage("default"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if restored.AccessToken() != "persisted-token" {
		t.Fatalf("expected token rehydrated from the database, got %q", restored.AccessToken())
	}
}

func TestPersistentJarReplaysCookies(t *testing.T) {
	stateURL := newStateURL(t)
	store := openTestStore(t, stateURL)
	jar, err := store.Jar("default")
	if err != nil {
		t.Fatalf("open jar: %v", err)
	}

	authURL, _ := url.Parse("http://school.example.com/api/auth/login")
	jar.SetCookies(authURL, []*http.Cookie{
		{Name: "app_refresh", Value: "opaque", Path: "/api/auth", HttpOnly: true, Expires: time.Now().Add(time.Hour)},
		{Name: "XSRF-TOKEN", Value: "csrf", Path: "/"},
		{Name: "stale", Value: "old", Path: "/", Expires: time.Now().Add(-time.Hour)},
		{Name: "scoped", Value: "default-path"},
	})

	reopened := openTestStore(t, stateURL)
	replayed, err := reopened.Jar("default")
	if err != nil {
		t.Fatalf("reopen jar: %v", err)
	}
	refreshURL, _ := url.Parse("http://school.example.com/api/auth/refresh-token")
	cookies := replayed.Cookies(refreshURL)
	if cookie := findCookie(cookies, "app_refresh"); cookie == nil || cookie.Value != "opaque" {
		t.Fatalf("expected refresh cookie replayed, got %v", cookies)
	}
	if findCookie(cookies, "XSRF-TOKEN") == nil {
		t.Fatalf("expected session cookie replayed")
	}
	if findCookie(cookies, "scoped") == nil {
		t.Fatalf("expected default-path cookie replayed under /api/auth")
	}
	if findCookie(cookies, "stale") != nil {
		t.Fatalf("expired cookie must not be replayed")
	}
	businessURL, _ := url.Parse("http://school.example.com/api/students")
	if findCookie(replayed.Cookies(businessURL), "app_refresh") != nil {
		t.Fatalf("replayed refresh cookie must keep its path scope")
	}

	if other, _ := reopened.Jar("work"); len(other.Cookies(refreshURL)) != 0 {
		t.Fatalf("profiles must not share cookies")
	}
}

func TestPersistentJarForgetsDeletedCookies(t *testing.T) {
	stateURL := newStateURL(t)
	store := openTestStore(t, stateURL)
	jar, err := store.Jar("")
	if err != nil {
		t.Fatalf("open jar: %v", err)
	}
	authURL, _ := url.Parse("http://school.example.com/api/auth/logout")
	jar.SetCookies(authURL, []*http.Cookie{{Name: "app_refresh", Value: "opaque", Path: "/api/auth", MaxAge: 3600}})
	jar.SetCookies(authURL, []*http.Cookie{{Name: "app_refresh", Value: "", Path: "/api/auth", MaxAge: -1}})

	replayed, err := openTestStore(t, stateURL).Jar("")
	if err != nil {
		t.Fatalf("reopen jar: %v", err)
	}
	if len(replayed.Cookies(authURL)) != 0 {
		t.Fatalf("expected deleted cookie gone after reopen")
	}

	jar.SetCookies(authURL, []*http.Cookie{{Name: "XSRF-TOKEN", Value: "csrf", Path: "/"}})
	if err := jar.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	cleared, err := openTestStore(t, stateURL).Jar("")
	if err != nil {
		t.Fatalf("reopen jar: %v", err)
	}
	if len(cleared.Cookies(authURL)) != 0 {
		t.Fatalf("expected no cookies after clear")
	}
}

func TestCookiePath(t *testing.T) {
	testCases := []struct {
		requestPath string
		cookiePath  string
		expected    string
	}{
		{requestPath: "/api/auth/login", expected: "/api/auth"},
		{requestPath: "/login", expected: "/"},
		{requestPath: "", expected: "/"},
		{requestPath: "/api/auth/login", cookiePath: "/api", expected: "/api"},
		{requestPath: "/api/auth/login", cookiePath: "relative", expected: "/api/auth"},
	}
	for _, testCase := range testCases {
		requestURL := &url.URL{Scheme: "http", Host: "example.com", Path: testCase.requestPath}
		if got := cookiePath(requestURL, &http.Cookie{Path: testCase.cookiePath}); got != testCase.expected {
			t.Fatalf("cookiePath(%q, %q) = %q, want %q", testCase.requestPath, testCase.cookiePath, got, testCase.expected)
		}
	}
}
