package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/offsync/internal/models"
)

const statusColumns = `site_id, component, component_id, status, previous, revision,
	time_modified, size_estimate, download_time, previous_download_time, extra, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(r rowScanner) (*models.DownloadStatus, error) {
	var (
		rec       models.DownloadStatus
		status    string
		previous  string
		updatedAt int64
	)
	err := r.Scan(&rec.Key.SiteID, &rec.Key.Component, &rec.Key.ComponentID, &status, &previous, &rec.Revision,
		&rec.TimeModified, &rec.SizeEstimate, &rec.DownloadTime, &rec.PreviousDownloadTime, &rec.Extra, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = models.Status(status)
	rec.Previous = models.Status(previous)
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

// GetStatus returns the record for key, or nil when none is stored.
func (db *DB) GetStatus(ctx context.Context, key models.ResourceKey) (*models.DownloadStatus, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+statusColumns+` FROM download_status
		WHERE site_id = ? AND component = ? AND component_id = ?`,
		key.SiteID, key.Component, key.ComponentID)
	rec, err := scanStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get status %s: %w", key, err)
	}
	return rec, nil
}

// EnsureStatus inserts a record with the given status unless one exists and
// returns the stored record.
func (db *DB) EnsureStatus(ctx context.Context, key models.ResourceKey, status models.Status) (*models.DownloadStatus, error) {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO download_status (site_id, component, component_id, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(site_id, component, component_id) DO NOTHING
	`, key.SiteID, key.Component, key.ComponentID, string(status), time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: ensure status %s: %w", key, err)
	}
	return db.GetStatus(ctx, key)
}

// PutStatus inserts or replaces a full record.
func (db *DB) PutStatus(ctx context.Context, rec *models.DownloadStatus) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO download_status (`+statusColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(site_id, component, component_id) DO UPDATE SET
			status                 = excluded.status,
			previous               = excluded.previous,
			revision               = excluded.revision,
			time_modified          = excluded.time_modified,
			size_estimate          = excluded.size_estimate,
			download_time          = excluded.download_time,
			previous_download_time = excluded.previous_download_time,
			extra                  = excluded.extra,
			updated_at             = excluded.updated_at
	`, rec.Key.SiteID, rec.Key.Component, rec.Key.ComponentID, string(rec.Status), string(rec.Previous), rec.Revision,
		rec.TimeModified, rec.SizeEstimate, rec.DownloadTime, rec.PreviousDownloadTime, rec.Extra, rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: put status %s: %w", rec.Key, err)
	}
	return nil
}

// DeleteStatus removes the record for key.
func (db *DB) DeleteStatus(ctx context.Context, key models.ResourceKey) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM download_status
		WHERE site_id = ? AND component = ? AND component_id = ?`,
		key.SiteID, key.Component, key.ComponentID)
	if err != nil {
		return fmt.Errorf("store: delete status %s: %w", key, err)
	}
	return nil
}

// ListStatuses returns every record of a site.
func (db *DB) ListStatuses(ctx context.Context, siteID string) ([]models.DownloadStatus, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+statusColumns+` FROM download_status
		WHERE site_id = ? ORDER BY component, component_id`, siteID)
	if err != nil {
		return nil, fmt.Errorf("store: list statuses: %w", err)
	}
	defer rows.Close()

	var out []models.DownloadStatus
	for rows.Next() {
		rec, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ListAllStatuses returns every record of every site.
func (db *DB) ListAllStatuses(ctx context.Context) ([]models.DownloadStatus, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+statusColumns+` FROM download_status
		ORDER BY site_id, component, component_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list all statuses: %w", err)
	}
	defer rows.Close()

	var out []models.DownloadStatus
	for rows.Next() {
		rec, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteSiteStatuses removes every record of a site in one transaction and
// returns the keys that were deleted.
func (db *DB) DeleteSiteStatuses(ctx context.Context, siteID string) ([]models.ResourceKey, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	rows, err := tx.QueryContext(ctx, `SELECT component, component_id FROM download_status WHERE site_id = ?`, siteID)
	if err != nil {
		return nil, fmt.Errorf("store: list site statuses: %w", err)
	}
	var keys []models.ResourceKey
	for rows.Next() {
		k := models.ResourceKey{SiteID: siteID}
		if err := rows.Scan(&k.Component, &k.ComponentID); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM download_status WHERE site_id = ?`, siteID); err != nil {
		return nil, fmt.Errorf("store: delete site statuses: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return keys, nil
}
