package store

import (
	"context"
	"fmt"
	"time"

	"github.com/starford/offsync/internal/models"
)

// InsertAction appends an action to its group. created_at is strictly
// increasing within the group even when the clock does not advance.
func (db *DB) InsertAction(ctx context.Context, group models.GroupKey, payload []byte, sequence int64) (models.OfflineAction, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.OfflineAction{}, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(created_at), 0) FROM offline_action
		WHERE site_id = ? AND group_key = ?`, group.SiteID, group.EntityID).Scan(&last); err != nil {
		return models.OfflineAction{}, fmt.Errorf("store: last created_at: %w", err)
	}
	created := time.Now().UnixNano()
	if created <= last {
		created = last + 1
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO offline_action (site_id, group_key, payload, sequence, created_at)
		VALUES (?, ?, ?, ?, ?)`, group.SiteID, group.EntityID, payload, sequence, created)
	if err != nil {
		return models.OfflineAction{}, fmt.Errorf("store: insert action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.OfflineAction{}, fmt.Errorf("store: action id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.OfflineAction{}, fmt.Errorf("store: commit: %w", err)
	}

	return models.OfflineAction{
		ID:        id,
		Group:     group,
		Payload:   append([]byte(nil), payload...),
		Sequence:  sequence,
		CreatedAt: time.Unix(0, created).UTC(),
	}, nil
}

// ListActions returns the actions of a group in insertion order.
func (db *DB) ListActions(ctx context.Context, group models.GroupKey) ([]models.OfflineAction, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, payload, sequence, created_at FROM offline_action
		WHERE site_id = ? AND group_key = ? ORDER BY id`, group.SiteID, group.EntityID)
	if err != nil {
		return nil, fmt.Errorf("store: list actions: %w", err)
	}
	defer rows.Close()

	var out []models.OfflineAction
	for rows.Next() {
		a := models.OfflineAction{Group: group}
		var created int64
		if err := rows.Scan(&a.ID, &a.Payload, &a.Sequence, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteGroup removes every action of a group atomically and returns how many
// rows were deleted.
func (db *DB) DeleteGroup(ctx context.Context, group models.GroupKey) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	res, err := tx.ExecContext(ctx, `DELETE FROM offline_action WHERE site_id = ? AND group_key = ?`,
		group.SiteID, group.EntityID)
	if err != nil {
		return 0, fmt.Errorf("store: delete group %s: %w", group, err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return n, nil
}

// DeleteAction removes a single action. It reports whether a row existed.
func (db *DB) DeleteAction(ctx context.Context, id int64) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM offline_action WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete action %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListGroups returns the entity IDs of a site that have buffered actions,
// ordered by their oldest action.
func (db *DB) ListGroups(ctx context.Context, siteID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT group_key FROM offline_action
		WHERE site_id = ? GROUP BY group_key ORDER BY MIN(id)`, siteID)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListSites returns every site with buffered actions.
func (db *DB) ListSites(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT site_id FROM offline_action ORDER BY site_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list sites: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
