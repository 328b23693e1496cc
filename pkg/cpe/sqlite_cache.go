package cpe

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const cacheTable = `CREATE TABLE IF NOT EXISTS cpe_cache (
	"Name" TEXT NOT NULL,
	"Version" TEXT NOT NULL,
	"Identifier" TEXT NOT NULL,
	"Updated" TEXT NOT NULL,
	PRIMARY KEY ("Name", "Version"));`

// SQLiteCache persists resolutions across runs.
type SQLiteCache struct {
	DB *sql.DB
}

func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache folder: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	if _, err = db.Exec(cacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}

	return &SQLiteCache{DB: db}, nil
}

func (c *SQLiteCache) Get(name, version string) (string, bool) {
	row := c.DB.QueryRow(`SELECT Identifier FROM cpe_cache WHERE Name = ? AND Version = ?`, name, version)

	var v string
	if err := row.Scan(&v); err != nil {
		return "", false
	}
	return v, true
}

func (c *SQLiteCache) Put(name, version, value string) error {
	_, err := c.DB.Exec(`INSERT OR REPLACE INTO cpe_cache ("Name", "Version", "Identifier", "Updated") VALUES (?, ?, ?, ?)`,
		name, version, value, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (c *SQLiteCache) Clear() error {
	_, err := c.DB.Exec(`DELETE FROM cpe_cache`)
	return err
}

func (c *SQLiteCache) Close() error {
	return c.DB.Close()
}
