package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/offsync/internal/models"
)

// GetSyncTime returns the last successful sync of an entity, or the zero
// time when it was never synced.
func (db *DB) GetSyncTime(ctx context.Context, siteID, entityID string) (time.Time, error) {
	var ms int64
	err := db.conn.QueryRowContext(ctx, `SELECT last_synced_at FROM sync_time WHERE site_id = ? AND entity_id = ?`,
		siteID, entityID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: get sync time: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SetSyncTime records a successful sync.
func (db *DB) SetSyncTime(ctx context.Context, siteID, entityID string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_time (site_id, entity_id, last_synced_at) VALUES (?, ?, ?)
		ON CONFLICT(site_id, entity_id) DO UPDATE SET last_synced_at = excluded.last_synced_at
	`, siteID, entityID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: set sync time: %w", err)
	}
	return nil
}

// GetWarnings returns the warnings stored by the last background sync.
func (db *DB) GetWarnings(ctx context.Context, siteID, entityID string) ([]models.Warning, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx, `SELECT warnings FROM sync_warning WHERE site_id = ? AND entity_id = ?`,
		siteID, entityID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get warnings: %w", err)
	}
	var out []models.Warning
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("store: decode warnings: %w", err)
	}
	return out, nil
}

// SetWarnings replaces the stored warnings of an entity. An empty list
// clears them.
func (db *DB) SetWarnings(ctx context.Context, siteID, entityID string, warnings []models.Warning) error {
	if len(warnings) == 0 {
		_, err := db.conn.ExecContext(ctx, `DELETE FROM sync_warning WHERE site_id = ? AND entity_id = ?`, siteID, entityID)
		if err != nil {
			return fmt.Errorf("store: clear warnings: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("store: encode warnings: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO sync_warning (site_id, entity_id, warnings) VALUES (?, ?, ?)
		ON CONFLICT(site_id, entity_id) DO UPDATE SET warnings = excluded.warnings
	`, siteID, entityID, string(raw))
	if err != nil {
		return fmt.Errorf("store: set warnings: %w", err)
	}
	return nil
}
