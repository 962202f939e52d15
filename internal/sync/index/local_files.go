package index

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dl-alexandre/ncsync/internal/types"
)

const upsertLocalFileSQL = `
	INSERT INTO local_files (oc_id, account, file_name, etag, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(oc_id) DO UPDATE SET
		account=excluded.account,
		file_name=excluded.file_name,
		etag=excluded.etag,
		updated_at=excluded.updated_at
`

// LocalFile returns the local-copy marker for ocID or ErrNotFound.
func (d *DB) LocalFile(ctx context.Context, ocID string) (*types.LocalFile, error) {
	var lf types.LocalFile
	var updatedAt int64
	err := d.db.QueryRowContext(ctx, `
		SELECT oc_id, account, file_name, etag, updated_at FROM local_files WHERE oc_id = ?
	`, ocID).Scan(&lf.OcID, &lf.Account, &lf.FileName, &lf.Etag, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	lf.UpdatedAt = fromUnix(updatedAt)
	return &lf, nil
}

// PutLocalFile records that a local copy of lf.OcID exists at lf.Etag.
func (d *DB) PutLocalFile(ctx context.Context, lf types.LocalFile) error {
	_, err := d.db.ExecContext(ctx, upsertLocalFileSQL, lf.OcID, lf.Account, lf.FileName, lf.Etag, toUnix(d.now()))
	return err
}

// UploadedAsset is an auto-uploaded source file awaiting (or past) cleanup.
type UploadedAsset struct {
	SourcePath string
	Account    string
	OcID       string
	Cleaned    bool
	UploadedAt time.Time
}

// KnownSources returns every source path of account that is queued or
// already uploaded, so the folder scanner can skip them.
func (d *DB) KnownSources(ctx context.Context, account string) (known map[string]struct{}, err error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT source_path FROM transfers WHERE account = ? AND source_path != ''
		UNION
		SELECT source_path FROM uploaded_assets WHERE account = ?
	`, account, account)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	known = make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		known[p] = struct{}{}
	}
	return known, rows.Err()
}

// PendingCleanup lists uploaded assets of account whose source is still on disk.
func (d *DB) PendingCleanup(ctx context.Context, account string) (assets []UploadedAsset, err error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT source_path, account, oc_id, cleaned, uploaded_at
		FROM uploaded_assets WHERE account = ? AND cleaned = 0
		ORDER BY uploaded_at ASC
	`, account)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		var a UploadedAsset
		var cleaned int
		var uploadedAt int64
		if err := rows.Scan(&a.SourcePath, &a.Account, &a.OcID, &cleaned, &uploadedAt); err != nil {
			return nil, err
		}
		a.Cleaned = cleaned != 0
		a.UploadedAt = fromUnix(uploadedAt)
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// MarkCleaned flags an uploaded asset's source file as removed.
func (d *DB) MarkCleaned(ctx context.Context, account, sourcePath string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE uploaded_assets SET cleaned = 1 WHERE account = ? AND source_path = ?
	`, account, sourcePath)
	return err
}

// Meta reads a per-account key, returning "" when unset.
func (d *DB) Meta(ctx context.Context, account, key string) (string, error) {
	var v string
	err := d.db.QueryRowContext(ctx, `SELECT meta_value FROM metadata WHERE account = ? AND meta_key = ?`, account, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetMeta writes a per-account key.
func (d *DB) SetMeta(ctx context.Context, account, key, value string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO metadata (account, meta_key, meta_value) VALUES (?, ?, ?)
		ON CONFLICT(account, meta_key) DO UPDATE SET meta_value=excluded.meta_value
	`, account, key, value)
	return err
}
