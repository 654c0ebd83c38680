package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// openDatabase prepares a SQLite database at the given path and ensures the schema exists.
func openDatabase(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func initSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_by TEXT,
			created_at TIMESTAMP NOT NULL,
			cell_size REAL NOT NULL DEFAULT 0,
			zones TEXT NOT NULL DEFAULT '[]',
			fog_enabled INTEGER NOT NULL DEFAULT 0,
			background_ref TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			x REAL NOT NULL DEFAULT 0,
			y REAL NOT NULL DEFAULT 0,
			z_order INTEGER NOT NULL DEFAULT 0,
			owner_id TEXT,
			size REAL NOT NULL DEFAULT 1,
			image_ref TEXT NOT NULL DEFAULT '',
			status_flags TEXT NOT NULL DEFAULT '[]',
			hidden INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS cards (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			x REAL NOT NULL DEFAULT 0,
			y REAL NOT NULL DEFAULT 0,
			z_order INTEGER NOT NULL DEFAULT 0,
			owner_id TEXT,
			front_image_ref TEXT NOT NULL DEFAULT '',
			back_image_ref TEXT NOT NULL DEFAULT '',
			face_up INTEGER NOT NULL DEFAULT 0,
			tapped INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS fog_shapes (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			x REAL NOT NULL DEFAULT 0,
			y REAL NOT NULL DEFAULT 0,
			z_order INTEGER NOT NULL DEFAULT 0,
			owner_id TEXT,
			points TEXT NOT NULL,
			width REAL NOT NULL DEFAULT 0,
			FOREIGN KEY(room_id) REFERENCES rooms(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_room ON tokens(room_id, z_order);`,
		`CREATE INDEX IF NOT EXISTS idx_cards_room ON cards(room_id, z_order);`,
		`CREATE INDEX IF NOT EXISTS idx_fog_shapes_room ON fog_shapes(room_id, z_order);`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}
