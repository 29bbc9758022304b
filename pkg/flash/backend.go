package flash

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"
)

// Image persists the sectors of a simulated device between runs.
type Image interface {
	// Bind records geom on first use and fails with ErrGeometryDiff when
	// the image was created for a different geometry.
	Bind(geom Geometry) error
	// LoadSector copies sector index into dst. It reports false when the
	// sector was never stored, leaving dst untouched.
	LoadSector(index int, dst []byte) (bool, error)
	StoreSector(index int, data []byte) error
	// Truncate forgets every stored sector.
	Truncate() error
	Close() error
}

type SQLiteImage struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteImage(path string) (*SQLiteImage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS sectors (
		idx INTEGER PRIMARY KEY,
		data BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS geometry (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, fmt.Errorf("init tables: %w", err)
	}

	_, err = db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`)
	if err != nil {
		slog.Warn("failed to set sqlite pragma", "error", err)
	}

	return &SQLiteImage{db: db}, nil
}

func (s *SQLiteImage) Bind(geom Geometry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := map[string]int{
		"read_size":  geom.ReadSize,
		"write_size": geom.WriteSize,
		"erase_size": geom.EraseSize,
		"capacity":   geom.Capacity,
	}

	rows, err := s.db.Query("SELECT name, value FROM geometry")
	if err != nil {
		return err
	}
	stored := make(map[string]int)
	for rows.Next() {
		var name string
		var v int64
		if err := rows.Scan(&name, &v); err != nil {
			rows.Close()
			return err
		}
		stored[name] = int(v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(stored) > 0 {
		for name, v := range want {
			if stored[name] != v {
				return fmt.Errorf("%w: %s is %d, image has %d", ErrGeometryDiff, name, v, stored[name])
			}
		}
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare("INSERT INTO geometry (name, value) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for name, v := range want {
		if _, err := stmt.Exec(name, int64(v)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteImage) LoadSector(index int, dst []byte) (bool, error) {
	var val []byte
	err := s.db.QueryRow("SELECT data FROM sectors WHERE idx = ?", int64(index)).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(val) != len(dst) {
		return false, fmt.Errorf("sector %d has %d bytes, want %d", index, len(val), len(dst))
	}
	copy(dst, val)
	return true, nil
}

func (s *SQLiteImage) StoreSector(index int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO sectors (idx, data) VALUES (?, ?)", int64(index), data)
	return err
}

func (s *SQLiteImage) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM sectors")
	return err
}

func (s *SQLiteImage) Close() error {
	return s.db.Close()
}
