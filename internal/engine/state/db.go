package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/surge-downloader/otaupdate/internal/engine/types"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS build_info (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version TEXT NOT NULL DEFAULT '',
	release_ts INTEGER NOT NULL DEFAULT 0,
	url TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS global_status (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	code TEXT NOT NULL,
	entry_ts INTEGER NOT NULL DEFAULT 0,
	local_upgrade_file TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS download_status (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	phase TEXT NOT NULL,
	downloaded INTEGER NOT NULL DEFAULT 0,
	total INTEGER NOT NULL DEFAULT 0,
	percent INTEGER NOT NULL DEFAULT 0,
	task_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS update_status (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	code TEXT NOT NULL,
	step INTEGER NOT NULL DEFAULT 0,
	progress INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	params TEXT NOT NULL DEFAULT '{}',
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	next_run_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS tasks_by_name ON tasks(name, state);
`

// Open opens (and migrates) the status database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// One connection serialises writers, so compare-and-set transactions never see SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newStore(db), nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate state db: %w", err)
	}
	seed := []struct {
		query string
		args  []any
	}{
		{`INSERT OR IGNORE INTO build_info (id) VALUES (1)`, nil},
		{`INSERT OR IGNORE INTO global_status (id, code) VALUES (1, ?)`, []any{types.GlobalNone.String()}},
		{`INSERT OR IGNORE INTO download_status (id, phase) VALUES (1, ?)`, []any{types.DownloadNotStarted.String()}},
		{`INSERT OR IGNORE INTO update_status (id, code) VALUES (1, ?)`, []any{types.UpdateNone.String()}},
	}
	for _, q := range seed {
		if _, err := db.Exec(q.query, q.args...); err != nil {
			return fmt.Errorf("seed state db: %w", err)
		}
	}
	return nil
}
