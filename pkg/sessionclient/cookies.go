package sessionclient

import (
	"net/http"
	"net/url"
	"time"
)

// CookieOptions mirrors the attributes the client sets on its own durable cookies.
type CookieOptions struct {
	Days     int
	Path     string
	Secure   bool
	SameSite http.SameSite
}

// CookieStore reads and writes cookies for the API origin through a cookie jar.
type CookieStore struct {
	jar       http.CookieJar
	lookupURL *url.URL
	now       func() time.Time
}

// NewCookieStore binds jar to the URL whose cookies it exposes.
func NewCookieStore(jar http.CookieJar, lookupURL *url.URL) *CookieStore {
	return &CookieStore{jar: jar, lookupURL: lookupURL, now: time.Now}
}

// Get returns the cookie value, or false when the jar holds no such cookie.
func (store *CookieStore) Get(name string) (string, bool) {
	if store == nil || store.jar == nil {
		return "", false
	}
	for _, cookie := range store.jar.Cookies(store.lookupURL) {
		if cookie.Name != name {
			continue
		}
		decoded, decodeErr := url.PathUnescape(cookie.Value)
		if decodeErr != nil {
			return cookie.Value, true
		}
		return decoded, true
	}
	return "", false
}

// Set stores a cookie; Days <= 0 produces a session cookie.
func (store *CookieStore) Set(name string, value string, options CookieOptions) {
	if store == nil || store.jar == nil {
		return
	}
	path := options.Path
	if path == "" {
		path = "/"
	}
	cookie := &http.Cookie{
		Name:     name,
		Value:    url.PathEscape(value),
		Path:     path,
		Secure:   options.Secure,
		SameSite: options.SameSite,
	}
	if options.Days > 0 {
		cookie.Expires = store.now().Add(time.Duration(options.Days) * 24 * time.Hour)
	}
	store.jar.SetCookies(store.lookupURL, []*http.Cookie{cookie})
}

// Delete expires the cookie at path.
func (store *CookieStore) Delete(name string, path string) {
	if store == nil || store.jar == nil {
		return
	}
	if path == "" {
		path = "/"
	}
	store.jar.SetCookies(store.lookupURL, []*http.Cookie{{
		Name:   name,
		Value:  "",
		Path:   path,
		MaxAge: -1,
	}})
}
