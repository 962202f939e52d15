package index

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/dl-alexandre/ncsync/internal/types"
)

// Order controls the creation-date ordering of ListTransfers.
type Order int

const (
	OldestFirst Order = iota
	NewestFirst
)

// Query filters the transfer queue. Zero-valued fields do not filter.
type Query struct {
	Account   string
	Statuses  []types.TransferStatus
	Selectors []types.Selector
	Order     Order
	Limit     int
}

const transferColumns = `oc_id, account, file_name, server_url, status, session, session_selector,
	session_task_identifier, session_error, error_count, size, etag, content_type, is_live_photo,
	is_video, source_path, created_at, updated_at`

func (q Query) build() (string, []interface{}) {
	var sb strings.Builder
	var args []interface{}

	sb.WriteString("SELECT " + transferColumns + " FROM transfers WHERE 1=1")
	if q.Account != "" {
		sb.WriteString(" AND account = ?")
		args = append(args, q.Account)
	}
	if len(q.Statuses) > 0 {
		sb.WriteString(" AND status IN (" + placeholders(len(q.Statuses)) + ")")
		for _, s := range q.Statuses {
			args = append(args, string(s))
		}
	}
	if len(q.Selectors) > 0 {
		sb.WriteString(" AND session_selector IN (" + placeholders(len(q.Selectors)) + ")")
		for _, s := range q.Selectors {
			args = append(args, string(s))
		}
	}
	if q.Order == NewestFirst {
		sb.WriteString(" ORDER BY created_at DESC, oc_id DESC")
	} else {
		sb.WriteString(" ORDER BY created_at ASC, oc_id ASC")
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return sb.String(), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ListTransfers returns the records matching q.
func (d *DB) ListTransfers(ctx context.Context, q Query) (records []types.TransferRecord, err error) {
	query, args := q.build()
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// GetTransfer returns the record for ocID or ErrNotFound.
func (d *DB) GetTransfer(ctx context.Context, ocID string) (*types.TransferRecord, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+transferColumns+" FROM transfers WHERE oc_id = ?", ocID)
	rec, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutTransfer inserts rec. If a record with the same ocId is still waiting,
// its file metadata is refreshed in place; in-flight and failed records are
// left untouched.
func (d *DB) PutTransfer(ctx context.Context, rec types.TransferRecord) error {
	_, err := d.EnqueueTransfer(ctx, rec)
	return err
}

// EnqueueTransfer is PutTransfer that reports whether rec was inserted or
// refreshed. It is false when an in-flight or failed record kept its place.
func (d *DB) EnqueueTransfer(ctx context.Context, rec types.TransferRecord) (bool, error) {
	now := d.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(oc_id) DO UPDATE SET
			file_name=excluded.file_name,
			server_url=excluded.server_url,
			size=excluded.size,
			etag=excluded.etag,
			content_type=excluded.content_type,
			updated_at=excluded.updated_at
		WHERE transfers.status IN ('waitUpload', 'waitDownload')
	`, rec.OcID, rec.Account, rec.FileName, rec.ServerURL, string(rec.Status), string(rec.Session), string(rec.SessionSelector),
		rec.SessionTaskIdentifier, rec.SessionError, rec.ErrorCount, rec.Size, rec.Etag, rec.ContentType, boolToInt(rec.IsLivePhoto),
		boolToInt(rec.IsVideo), rec.SourcePath, toUnix(rec.CreatedAt), toUnix(rec.UpdatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Transition moves ocID from one status to another only if it is currently
// in from. It reports whether this call performed the move, so two callers
// racing on the same record cannot both win.
func (d *DB) Transition(ctx context.Context, ocID string, from, to types.TransferStatus, taskID string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE transfers SET status = ?, session_task_identifier = ?, updated_at = ?
		WHERE oc_id = ? AND status = ?
	`, string(to), taskID, toUnix(d.now()), ocID, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetTaskIdentifier records the transport's task id for an admitted transfer.
func (d *DB) SetTaskIdentifier(ctx context.Context, ocID, taskID string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE transfers SET session_task_identifier = ?, updated_at = ? WHERE oc_id = ?
	`, taskID, toUnix(d.now()), ocID)
	return err
}

// Usage sums the records of account in status.
func (d *DB) Usage(ctx context.Context, account string, status types.TransferStatus) (count int, bytes int64, err error) {
	err = d.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0) FROM transfers WHERE account = ? AND status = ?
	`, account, string(status)).Scan(&count, &bytes)
	return count, bytes, err
}

// ResetErrors moves every record of account in from back to to, clearing
// the error text, task id and error count. It returns the number moved.
func (d *DB) ResetErrors(ctx context.Context, account string, from, to types.TransferStatus) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE transfers
		SET status = ?, session_error = '', session_task_identifier = '', error_count = 0, updated_at = ?
		WHERE account = ? AND status = ?
	`, string(to), toUnix(d.now()), account, string(from))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkError moves ocID to status, recording message and bumping the error count.
func (d *DB) MarkError(ctx context.Context, ocID string, status types.TransferStatus, message string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE transfers
		SET status = ?, session_error = ?, error_count = error_count + 1, updated_at = ?
		WHERE oc_id = ?
	`, string(status), message, toUnix(d.now()), ocID)
	return err
}

// DeleteTransfer removes ocID from the queue.
func (d *DB) DeleteTransfer(ctx context.Context, ocID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM transfers WHERE oc_id = ?`, ocID)
	return err
}

// CompleteTransfer commits a finished transfer atomically: the queue record
// is removed, the local-file marker is written at etag, and auto-uploads are
// remembered by source path. The marker and the asset are keyed by remoteID,
// the server's id for the file, or by rec.OcID when remoteID is empty.
func (d *DB) CompleteTransfer(ctx context.Context, rec types.TransferRecord, remoteID, etag string) error {
	if remoteID == "" {
		remoteID = rec.OcID
	}
	now := toUnix(d.now())
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM transfers WHERE oc_id = ?`, rec.OcID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, upsertLocalFileSQL, remoteID, rec.Account, rec.FileName, etag, now); err != nil {
			return err
		}
		if rec.SessionSelector.IsAutoUpload() && rec.SourcePath != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO uploaded_assets (source_path, account, oc_id, cleaned, uploaded_at)
				VALUES (?, ?, ?, 0, ?)
				ON CONFLICT(account, source_path) DO UPDATE SET oc_id=excluded.oc_id, cleaned=0, uploaded_at=excluded.uploaded_at
			`, rec.SourcePath, rec.Account, remoteID, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanTransfer(scanner interface {
	Scan(dest ...interface{}) error
}) (types.TransferRecord, error) {
	var rec types.TransferRecord
	var status, session, selector string
	var livePhoto, video int
	var createdAt, updatedAt int64
	err := scanner.Scan(&rec.OcID, &rec.Account, &rec.FileName, &rec.ServerURL, &status, &session, &selector,
		&rec.SessionTaskIdentifier, &rec.SessionError, &rec.ErrorCount, &rec.Size, &rec.Etag, &rec.ContentType, &livePhoto,
		&video, &rec.SourcePath, &createdAt, &updatedAt)
	if err != nil {
		return types.TransferRecord{}, err
	}
	rec.Status = types.TransferStatus(status)
	rec.Session = types.Session(session)
	rec.SessionSelector = types.Selector(selector)
	rec.IsLivePhoto = livePhoto != 0
	rec.IsVideo = video != 0
	rec.CreatedAt = fromUnix(createdAt)
	rec.UpdatedAt = fromUnix(updatedAt)
	return rec, nil
}
