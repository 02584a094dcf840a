package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"onecell/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists credentials in a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, platform domain.PlatformID) (domain.Credential, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM credentials WHERE platform = ?", string(platform)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Credential{}, false, nil
	}
	if err != nil {
		return domain.Credential{}, false, fmt.Errorf("load credential %s: %w", platform, err)
	}
	cred, err := decodeCredential(platform, data)
	if err != nil {
		return domain.Credential{}, true, err
	}
	return cred, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, platform domain.PlatformID, cred domain.Credential) error {
	data, err := encodeCredential(cred)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (platform, payload, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(platform) DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`,
		string(platform), data)
	if err != nil {
		return fmt.Errorf("save credential %s: %w", platform, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, platform domain.PlatformID) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE platform = ?", string(platform)); err != nil {
		return fmt.Errorf("delete credential %s: %w", platform, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
