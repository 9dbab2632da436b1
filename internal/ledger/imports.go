package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// FindImportByHash returns the import record for a content hash, or nil when
// no import with that hash was recorded. Hash collisions are treated as
// identical content.
func (s *Store) FindImportByHash(ctx context.Context, hash string) (*ImportRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, file_hash, filename, imported_count, meta, imported_at
		 FROM import_records WHERE file_hash = ?`), hash)

	var rec ImportRecord
	var meta, importedAt string
	err := row.Scan(&rec.ID, &rec.FileHash, &rec.Filename, &rec.ImportedCount, &meta, &importedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("find import record", err)
	}
	if err := json.Unmarshal([]byte(meta), &rec.Meta); err != nil {
		return nil, storeErr("decode import metadata", err)
	}
	rec.ImportedAt, _ = time.Parse(timeLayout, importedAt)
	return &rec, nil
}

// CreateImportRecord persists one import run. The hash is globally unique; a
// concurrent duplicate surfaces as a ConflictError.
func (s *Store) CreateImportRecord(ctx context.Context, hash, filename string, count int, meta ImportMeta) (*ImportRecord, error) {
	if meta.TransactionIDs == nil {
		meta.TransactionIDs = []string{}
	}
	if meta.Errors == nil {
		meta.Errors = []string{}
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, storeErr("encode import metadata", err)
	}

	rec := &ImportRecord{
		ID:            uuid.New().String(),
		FileHash:      hash,
		Filename:      filename,
		ImportedCount: count,
		Meta:          meta,
		ImportedAt:    time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO import_records (id, file_hash, filename, imported_count, meta, imported_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.FileHash, rec.Filename, rec.ImportedCount, string(encoded),
		rec.ImportedAt.Format(timeLayout))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &ConflictError{Msg: "an import with hash " + hash + " already exists"}
		}
		return nil, storeErr("insert import record", err)
	}
	return rec, nil
}

// DeleteImportRecord removes an import record, enabling a re-run of the same
// content under the force-reimport protocol.
func (s *Store) DeleteImportRecord(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM import_records WHERE id = ?`), id)
	if err != nil {
		return storeErr("delete import record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete import record", err)
	}
	if n == 0 {
		return &NotFoundError{Kind: "import record", Ref: id}
	}
	return nil
}
