package index

import (
	"context"
	"database/sql"
	"errors"
	"path"

	"github.com/dl-alexandre/ncsync/internal/types"
)

// UpsertDirectory inserts or refreshes a remote directory record. Repeated
// calls with the same record leave the table unchanged apart from updated_at.
func (d *DB) UpsertDirectory(ctx context.Context, dir types.DirectoryRecord) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO directories (oc_id, account, server_url, file_name, path, etag, e2e_encrypted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(oc_id) DO UPDATE SET
			account=excluded.account,
			server_url=excluded.server_url,
			file_name=excluded.file_name,
			path=excluded.path,
			etag=excluded.etag,
			e2e_encrypted=excluded.e2e_encrypted,
			updated_at=excluded.updated_at
	`, dir.OcID, dir.Account, dir.ServerURL, dir.FileName, dir.Path(), dir.Etag, boolToInt(dir.E2EEncrypted), toUnix(d.now()))
	return err
}

// DirectoryByPath returns the directory record whose own path is p.
func (d *DB) DirectoryByPath(ctx context.Context, account, p string) (*types.DirectoryRecord, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT oc_id, account, server_url, file_name, etag, e2e_encrypted, updated_at
		FROM directories WHERE account = ? AND path = ?
		ORDER BY updated_at DESC LIMIT 1
	`, account, path.Clean(p))

	var dir types.DirectoryRecord
	var encrypted int
	var updatedAt int64
	err := row.Scan(&dir.OcID, &dir.Account, &dir.ServerURL, &dir.FileName, &dir.Etag, &encrypted, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	dir.E2EEncrypted = encrypted != 0
	dir.UpdatedAt = fromUnix(updatedAt)
	return &dir, nil
}

// CountDirectories returns the number of cached directories for account.
func (d *DB) CountDirectories(ctx context.Context, account string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM directories WHERE account = ?`, account).Scan(&n)
	return n, err
}

// IsEncrypted reports whether the directory at serverURL is end-to-end
// encrypted. Unknown directories are treated as plain.
func (d *DB) IsEncrypted(ctx context.Context, account, serverURL string) (bool, error) {
	dir, err := d.DirectoryByPath(ctx, account, serverURL)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return dir.E2EEncrypted, nil
}
