package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const (
	metaLastSweep  = "last_sweep"
	metaImportHash = "import_hash:"
)

// SetMetadata upserts a key-value pair in the metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`),
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.rebind(`SELECT value FROM metadata WHERE key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// ImportedExamID returns the exam created from a question file with the given
// content hash, or "" if the file was never imported.
func (s *Store) ImportedExamID(ctx context.Context, fileHash string) (string, error) {
	return s.GetMetadata(ctx, metaImportHash+fileHash)
}

// RecordImport remembers that the file with fileHash produced examID.
func (s *Store) RecordImport(ctx context.Context, fileHash, examID string) error {
	return s.SetMetadata(ctx, metaImportHash+fileHash, examID)
}

// SetLastSweep records when the expiry sweep last completed.
func (s *Store) SetLastSweep(ctx context.Context, t time.Time) error {
	return s.SetMetadata(ctx, metaLastSweep, t.UTC().Format(time.RFC3339Nano))
}

// LastSweep returns when the expiry sweep last completed, or the zero time.
func (s *Store) LastSweep(ctx context.Context) (time.Time, error) {
	v, err := s.GetMetadata(ctx, metaLastSweep)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}
