package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const shareColumns = `
	id, share_code, uploader_id, file_name, original_name, file_size,
	object_key, mime_type, password_hash, created_at, expires_at,
	download_count, max_downloads, is_active`

func scanShare(row pgx.Row) (*FileShare, error) {
	s := &FileShare{}
	err := row.Scan(
		&s.ID,
		&s.ShareCode,
		&s.UploaderID,
		&s.FileName,
		&s.OriginalName,
		&s.FileSize,
		&s.ObjectKey,
		&s.MimeType,
		&s.PasswordHash,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.DownloadCount,
		&s.MaxDownloads,
		&s.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateShare inserts a new share. A code already held by an active share
// yields ErrConflict.
func (r *Repository) CreateShare(ctx context.Context, s *FileShare) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO file_shares (`+shareColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		s.ID,
		s.ShareCode,
		s.UploaderID,
		s.FileName,
		s.OriginalName,
		s.FileSize,
		s.ObjectKey,
		s.MimeType,
		s.PasswordHash,
		s.CreatedAt,
		s.ExpiresAt,
		s.DownloadCount,
		s.MaxDownloads,
		s.IsActive,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// ShareByCode returns the active share holding code, or the most recent
// inactive one when no active share holds it.
func (r *Repository) ShareByCode(ctx context.Context, code string) (*FileShare, error) {
	s, err := scanShare(r.db.Pool.QueryRow(ctx, `
		SELECT `+shareColumns+`
		FROM file_shares WHERE share_code = $1
		ORDER BY is_active DESC, created_at DESC
		LIMIT 1
	`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get share: %w", err)
	}

	downloads, err := r.downloads(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	s.Downloads = downloads
	return s, nil
}

func (r *Repository) downloads(ctx context.Context, shareID string) ([]DownloadRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT COALESCE(user_id, ''), downloaded_at, COALESCE(ip_address, '')
		FROM file_share_downloads WHERE share_id = $1
		ORDER BY downloaded_at
	`, shareID)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var out []DownloadRecord
	for rows.Next() {
		var d DownloadRecord
		if err := rows.Scan(&d.UserID, &d.DownloadedAt, &d.IPAddress); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClaimDownload atomically takes one download from the active share holding
// code. The conditional UPDATE is the only guard: concurrent claims on the
// last remaining download serialize on the row lock and exactly one of them
// matches the WHERE clause. The loser gets ErrNotClaimable.
func (r *Repository) ClaimDownload(ctx context.Context, code string, rec DownloadRecord) (*FileShare, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := scanShare(tx.QueryRow(ctx, `
		UPDATE file_shares
		SET download_count = download_count + 1,
		    is_active = (download_count + 1 < max_downloads)
		WHERE share_code = $1
		  AND is_active
		  AND expires_at > $2
		  AND download_count < max_downloads
		RETURNING `+shareColumns,
		code, rec.DownloadedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotClaimable
		}
		return nil, fmt.Errorf("failed to claim download: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO file_share_downloads (share_id, user_id, downloaded_at, ip_address)
		VALUES ($1, NULLIF($2, ''), $3, $4)
	`, s.ID, rec.UserID, rec.DownloadedAt, rec.IPAddress); err != nil {
		return nil, fmt.Errorf("failed to record download: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	downloads, err := r.downloads(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	s.Downloads = downloads
	return s, nil
}

// DeactivateShare clears is_active, releasing the share code.
func (r *Repository) DeactivateShare(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE file_shares SET is_active = FALSE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to deactivate share: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateExpired clears is_active on every active share past its expiry.
func (r *Repository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE file_shares SET is_active = FALSE WHERE is_active AND expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired shares: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeableShares returns shares that expired before cutoff.
func (r *Repository) PurgeableShares(ctx context.Context, cutoff time.Time, limit int) ([]*FileShare, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+shareColumns+`
		FROM file_shares WHERE expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query purgeable shares: %w", err)
	}
	defer rows.Close()

	var shares []*FileShare
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purgeable share: %w", err)
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}

// DeleteShare removes a share record and its download history.
func (r *Repository) DeleteShare(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM file_shares WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ShareStats returns aggregate share statistics.
func (r *Repository) ShareStats(ctx context.Context, now time.Time) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_active AND expires_at > $1 AND download_count < max_downloads),
			COALESCE(SUM(download_count), 0),
			COALESCE(SUM(file_size) FILTER (WHERE is_active AND expires_at > $1), 0)
		FROM file_shares
	`, now).Scan(
		&stats.TotalShares,
		&stats.ActiveShares,
		&stats.TotalDownloads,
		&stats.StorageUsed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
