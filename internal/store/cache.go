package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

func (s *Store) initCache() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			fingerprint TEXT PRIMARY KEY,
			stage       TEXT NOT NULL,
			value       BLOB NOT NULL,
			expires_at  INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries (expires_at)`)
	return err
}

// GetCacheEntry returns the stored value and its expiry. Expiry is not
// checked here; callers compare against their own clock.
func (s *Store) GetCacheEntry(ctx context.Context, fingerprint string) ([]byte, time.Time, bool, error) {
	var value []byte
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE fingerprint = ?`, fingerprint,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}
	if expires == 0 {
		return value, time.Time{}, true, nil
	}
	return value, time.Unix(0, expires), true, nil
}

// PutCacheEntry inserts or replaces a cache entry. A zero expiresAt never
// expires.
func (s *Store) PutCacheEntry(ctx context.Context, fingerprint, stage string, value []byte, expiresAt time.Time) error {
	var expires int64
	if !expiresAt.IsZero() {
		expires = expiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (fingerprint, stage, value, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET stage = excluded.stage, value = excluded.value, expires_at = excluded.expires_at`,
		fingerprint, stage, value, expires,
	)
	return err
}

// DeleteCacheEntry removes one entry. Missing entries are not an error.
func (s *Store) DeleteCacheEntry(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint)
	return err
}

// PurgeExpiredCache deletes every entry that expired before now and reports
// how many were removed.
func (s *Store) PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
