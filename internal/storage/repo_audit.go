package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type auditRepository struct {
	db *sql.DB
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *auditRepository) Append(ctx context.Context, event *AuditEvent) error {
	return appendAuditEvent(ctx, r.db, event)
}

// AppendChained stores event on top of the current chain tip. The tip is read,
// hashed by link, inserted and advanced inside one write transaction, so
// writers sharing the database file always extend the latest tip.
func (r *auditRepository) AppendChained(ctx context.Context, event *AuditEvent, link ChainLink) error {
	if event == nil {
		return fmt.Errorf("append audit event: event is nil")
	}
	if link == nil {
		return fmt.Errorf("append audit event: chain link is nil")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append audit event: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := readChainTip(ctx, tx)
	if err != nil {
		return err
	}
	hash, err := link(prev)
	if err != nil {
		return fmt.Errorf("append audit event: link: %w", err)
	}
	event.PrevHash = prev
	event.EventHash = hash

	if err := appendAuditEvent(ctx, tx, event); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO store_meta(key, value) VALUES(?, ?)`, auditChainTipMetaKey, hash); err != nil {
		return fmt.Errorf("append audit event: write chain tip: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append audit event: commit: %w", err)
	}
	return nil
}

func appendAuditEvent(ctx context.Context, db execer, event *AuditEvent) error {
	if event == nil {
		return fmt.Errorf("append audit event: event is nil")
	}
	if event.Action == "" {
		return fmt.Errorf("append audit event: action is required")
	}
	event.ID = eventID(event.ID)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = nowUTC()
	}
	if event.DetailsJSON == "" {
		event.DetailsJSON = "{}"
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_events(
			id, actor, action, target_type, target_id, result, details_json, prev_hash, event_hash, created_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Actor, event.Action, event.TargetType, event.TargetID, event.Result, event.DetailsJSON, event.PrevHash, event.EventHash, sqlTime(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (r *auditRepository) List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT
			id,
			COALESCE(actor, ''),
			action,
			COALESCE(target_type, ''),
			COALESCE(target_id, ''),
			COALESCE(result, ''),
			COALESCE(details_json, '{}'),
			COALESCE(prev_hash, ''),
			COALESCE(event_hash, ''),
			created_at
		FROM audit_events
		WHERE 1=1
	`
	args := make([]any, 0, 6)
	if filter.Action != "" {
		query += ` AND action = ? `
		args = append(args, filter.Action)
	}
	if filter.TargetID != "" {
		query += ` AND target_id = ? `
		args = append(args, filter.TargetID)
	}
	if filter.Actor != "" {
		query += ` AND actor = ? `
		args = append(args, filter.Actor)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ? `
		args = append(args, sqlTime(*filter.Since))
	}
	if filter.Until != nil {
		query += ` AND created_at <= ? `
		args = append(args, sqlTime(*filter.Until))
	}
	query += ` ORDER BY rowid ASC LIMIT ? `
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := []AuditEvent{}
	for rows.Next() {
		var (
			event   AuditEvent
			created string
		)
		if err := rows.Scan(
			&event.ID,
			&event.Actor,
			&event.Action,
			&event.TargetType,
			&event.TargetID,
			&event.Result,
			&event.DetailsJSON,
			&event.PrevHash,
			&event.EventHash,
			&created,
		); err != nil {
			return nil, fmt.Errorf("list audit events: scan row: %w", err)
		}
		event.CreatedAt, err = parseSQLTime(created)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: iterate: %w", err)
	}
	return events, nil
}

func (r *auditRepository) ChainTip(ctx context.Context) (string, error) {
	return readChainTip(ctx, r.db)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readChainTip(ctx context.Context, db rowQuerier) (string, error) {
	var tip string
	err := db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, auditChainTipMetaKey).Scan(&tip)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("read audit chain tip: %w", err)
	}
	return tip, nil
}

func (r *auditRepository) SetChainTip(ctx context.Context, tip string) error {
	if _, err := r.db.ExecContext(ctx, `INSERT OR REPLACE INTO store_meta(key, value) VALUES(?, ?)`, auditChainTipMetaKey, tip); err != nil {
		return fmt.Errorf("write audit chain tip: %w", err)
	}
	return nil
}
