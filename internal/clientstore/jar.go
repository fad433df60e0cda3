package clientstore

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"gorm.io/gorm/clause"
)

type storedCookie struct {
	Profile     string `gorm:"column:profile;primaryKey"`
	Host        string `gorm:"column:host;primaryKey"`
	Path        string `gorm:"column:path;primaryKey"`
	Name        string `gorm:"column:name;primaryKey"`
	OriginURL   string `gorm:"column:origin_url;not null"`
	Value       string `gorm:"column:value;not null"`
	Domain      string `gorm:"column:domain;not null;default:''"`
	ExpiresUnix int64  `gorm:"column:expires_unix;not null;default:0"`
	Secure      bool   `gorm:"column:secure;not null;default:false"`
	HTTPOnly    bool   `gorm:"column:http_only;not null;default:false"`
	SameSite    int    `gorm:"column:same_site;not null;default:0"`
}

func (storedCookie) TableName() string {
	return "client_cookies"
}

// PersistentJar is an http.CookieJar that mirrors every cookie it accepts into the
// client_cookies table and replays them on construction.
type PersistentJar struct {
	mutex   sync.Mutex
	inner   *cookiejar.Jar
	store   *Store
	profile string
	now     func() time.Time
}

// Jar loads the unexpired cookies of profile into a fresh in-memory jar.
func (store *Store) Jar(profile string) (*PersistentJar, error) {
	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("clientstore.jar: %w", err)
	}
	jar := &PersistentJar{inner: inner, store: store, profile: profileOrDefault(profile), now: time.Now}
	if loadErr := jar.load(); loadErr != nil {
		return nil, loadErr
	}
	return jar, nil
}

func (jar *PersistentJar) load() error {
	var rows []storedCookie
	if err := jar.store.db.Where("profile = ?", jar.profile).Find(&rows).Error; err != nil {
		return fmt.Errorf("clientstore.jar.load: %w", err)
	}
	now := jar.now()
	for _, row := range rows {
		if row.ExpiresUnix != 0 && !time.Unix(row.ExpiresUnix, 0).After(now) {
			continue
		}
		originURL, parseErr := url.Parse(row.OriginURL)
		if parseErr != nil {
			jar.store.logger.Warn("stored cookie origin unparsable",
				zap.String("code", "clientstore.jar.bad_origin"),
				zap.String("origin", row.OriginURL))
			continue
		}
		cookie := &http.Cookie{
			Name:     row.Name,
			Value:    row.Value,
			Path:     row.Path,
			Domain:   row.Domain,
			Secure:   row.Secure,
			HttpOnly: row.HTTPOnly,
			SameSite: http.SameSite(row.SameSite),
		}
		if row.ExpiresUnix != 0 {
			cookie.Expires = time.Unix(row.ExpiresUnix, 0)
		}
		jar.inner.SetCookies(originURL, []*http.Cookie{cookie})
	}
	return nil
}

// Cookies returns the cookies to send to u.
func (jar *PersistentJar) Cookies(u *url.URL) []*http.Cookie {
	return jar.inner.Cookies(u)
}

// SetCookies stores cookies received from u and persists or deletes their rows.
func (jar *PersistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	jar.mutex.Lock()
	defer jar.mutex.Unlock()
	jar.inner.SetCookies(u, cookies)

	now := jar.now()
	origin := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: u.Path}
	for _, cookie := range cookies {
		row := storedCookie{
			Profile:   jar.profile,
			Host:      strings.ToLower(u.Hostname()),
			Path:      cookiePath(u, cookie),
			Name:      cookie.Name,
			OriginURL: origin.String(),
			Value:     cookie.Value,
			Domain:    cookie.Domain,
			Secure:    cookie.Secure,
			HTTPOnly:  cookie.HttpOnly,
			SameSite:  int(cookie.SameSite),
		}
		switch {
		case cookie.MaxAge < 0:
			jar.deleteRow(row)
			continue
		case cookie.MaxAge > 0:
			row.ExpiresUnix = now.Add(time.Duration(cookie.MaxAge) * time.Second).Unix()
		case !cookie.Expires.IsZero():
			if !cookie.Expires.After(now) {
				jar.deleteRow(row)
				continue
			}
			row.ExpiresUnix = cookie.Expires.Unix()
		}
		err := jar.store.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
		if err != nil {
			jar.store.logger.Warn("cookie persist failed",
				zap.String("code", "clientstore.jar.write_failed"),
				zap.String("name", cookie.Name),
				zap.Error(err))
		}
	}
}

// Clear forgets every persisted cookie of the profile. The in-memory jar is left as is.
func (jar *PersistentJar) Clear() error {
	jar.mutex.Lock()
	defer jar.mutex.Unlock()
	if err := jar.store.db.Where("profile = ?", jar.profile).Delete(&storedCookie{}).Error; err != nil {
		return fmt.Errorf("clientstore.jar.clear: %w", err)
	}
	return nil
}

func (jar *PersistentJar) deleteRow(row storedCookie) {
	err := jar.store.db.
		Where("profile = ? AND host = ? AND path = ? AND name = ?", row.Profile, row.Host, row.Path, row.Name).
		Delete(&storedCookie{}).Error
	if err != nil {
		jar.store.logger.Warn("cookie delete failed",
			zap.String("code", "clientstore.jar.delete_failed"),
			zap.String("name", row.Name),
			zap.Error(err))
	}
}

// cookiePath applies the default-path rule for cookies without a Path attribute.
func cookiePath(u *url.URL, cookie *http.Cookie) string {
	if cookie.Path != "" && strings.HasPrefix(cookie.Path, "/") {
		return cookie.Path
	}
	requestPath := u.Path
	if requestPath == "" || requestPath[0] != '/' {
		return "/"
	}
	lastSlash := strings.LastIndex(requestPath, "/")
	if lastSlash == 0 {
		return "/"
	}
	return requestPath[:lastSlash]
}
