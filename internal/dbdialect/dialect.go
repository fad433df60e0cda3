// Package dbdialect maps database URLs onto GORM dialectors.
package dbdialect

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// sqliteBusyPragma lets concurrent CLI invocations wait on the state file lock.
const sqliteBusyPragma = "_pragma=busy_timeout(5000)"

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("dbdialect.unsupported_dialect")
	// ErrEmptyDatabaseURL indicates a blank database URL.
	ErrEmptyDatabaseURL = errors.New("dbdialect.empty_database_url")

	errSQLiteEmptyPath = errors.New("dbdialect.sqlite.empty_path")
	errMissingScheme   = errors.New("dbdialect.missing_scheme")
)

type dialectorFactory func(databaseURL string, parsed *url.URL) (gorm.Dialector, error)

var dialectorsByScheme = map[string]struct {
	driverLabel string
	build       dialectorFactory
}{
	"postgres":   {driverLabel: DriverPostgres, build: openPostgres},
	"postgresql": {driverLabel: DriverPostgres, build: openPostgres},
	"sqlite":     {driverLabel: DriverSQLite, build: openSQLite},
	"sqlite3":    {driverLabel: DriverSQLite, build: openSQLite},
}

// Resolve returns the dialector and a driver label for databaseURL.
func Resolve(databaseURL string) (gorm.Dialector, string, error) {
	trimmedURL := strings.TrimSpace(databaseURL)
	if trimmedURL == "" {
		return nil, "", fmt.Errorf("dbdialect.resolve: %w", ErrEmptyDatabaseURL)
	}
	parsed, parseErr := url.Parse(trimmedURL)
	if parseErr != nil {
		return nil, "", fmt.Errorf("dbdialect.parse_url: %w", parseErr)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return nil, "", fmt.Errorf("dbdialect.resolve: %w", errMissingScheme)
	}
	entry, known := dialectorsByScheme[scheme]
	if !known {
		return nil, "", fmt.Errorf("dbdialect.resolve.%s: %w", scheme, ErrUnsupportedDialect)
	}
	dialector, buildErr := entry.build(trimmedURL, parsed)
	if buildErr != nil {
		return nil, "", fmt.Errorf("dbdialect.%s: %w", entry.driverLabel, buildErr)
	}
	return dialector, entry.driverLabel, nil
}

// Open resolves databaseURL and opens a silent GORM handle.
func Open(databaseURL string) (*gorm.DB, string, error) {
	dialector, driverLabel, err := Resolve(databaseURL)
	if err != nil {
		return nil, "", err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, "", fmt.Errorf("dbdialect.open.%s: %w", driverLabel, openErr)
	}
	return gormDB, driverLabel, nil
}

func openPostgres(databaseURL string, _ *url.URL) (gorm.Dialector, error) {
	return postgres.Open(databaseURL), nil
}

func openSQLite(_ string, parsed *url.URL) (gorm.Dialector, error) {
	dsn, err := sqliteDSN(parsed)
	if err != nil {
		return nil, err
	}
	return sqliteDialector.Open(dsn), nil
}

// sqliteDSN accepts sqlite:relative.db, sqlite://relative/dir.db and sqlite:///absolute.db.
func sqliteDSN(parsed *url.URL) (string, error) {
	location := parsed.Opaque
	if location == "" {
		location = parsed.Host + parsed.Path
		if parsed.Host != "" && parsed.Path != "" && !strings.HasPrefix(parsed.Path, "/") {
			location = parsed.Host + "/" + parsed.Path
		}
	}
	if location == "" {
		return "", errSQLiteEmptyPath
	}
	query := parsed.RawQuery
	if !strings.Contains(query, "busy_timeout") {
		query = strings.TrimPrefix(query+"&"+sqliteBusyPragma, "&")
	}
	return location + "?" + query, nil
}
