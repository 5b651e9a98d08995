package sqlutil

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lumen-im/lumen/setup/config"
)

// Open opens a SQLite database specified by its data source name, which
// must be in "file:" URI form. The returned database has its connection
// count clamped to one because SQLite only supports one writer at a time;
// writes should additionally be queued through the supplied Writer.
func Open(dbProperties *config.DatabaseOptions) (*sql.DB, error) {
	if !dbProperties.ConnectionString.IsSQLite() {
		return nil, fmt.Errorf("invalid database connection string %q", dbProperties.ConnectionString)
	}
	dsn, err := ParseFileURI(dbProperties.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("ParseFileURI: %w", err)
	}
	db, err := sql.Open("sqlite3", sqliteDSNExtension(dsn))
	if err != nil {
		return nil, err
	}
	// SQLite does not handle concurrent writes. No connection pooling.
	db.SetMaxOpenConns(1)
	return db, nil
}

// ParseFileURI returns the filename or shared-memory name from a
// "file:"-style data source name.
func ParseFileURI(dataSourceName config.DataSource) (string, error) {
	uri, err := url.Parse(string(dataSourceName))
	if err != nil {
		return "", err
	}
	var cs string
	if uri.Opaque != "" { // file:filename.db
		cs = uri.Opaque
	} else if uri.Path != "" { // file:///path/to/filename.db
		cs = uri.Path
	} else {
		return "", fmt.Errorf("invalid file uri %q", dataSourceName)
	}
	return cs, nil
}

// sqliteDSNExtension enables the busy timeout and foreign key support
// that the storage layer relies on.
func sqliteDSNExtension(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_busy_timeout=10000&_foreign_keys=on", dsn, sep)
}
