// Package sqlitestore is an embedded approval.Store backed by SQLite, used by
// estctl and single-node deployments that run without Postgres.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"launchbase/pkg/approval"
)

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. The special path ":memory:"
// opens a private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initialize() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		tier INTEGER NOT NULL,
		slot INTEGER NOT NULL,
		status TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		approved_by TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_resource ON approvals(operation, resource_type, resource_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create approvals table: %w", err)
	}
	return nil
}

func (s *Store) CreateApprovals(ctx context.Context, recs []approval.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, r := range recs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (id, operation, resource_type, resource_id, tier, slot, status, requested_by, approved_by, reason, created_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Operation, r.ResourceType, r.ResourceID, int(r.Tier), r.Slot, string(r.Status),
			r.RequestedBy, r.ApprovedBy, r.Reason, formatTime(r.CreatedAt), formatTimePtr(r.ResolvedAt))
		if err != nil {
			return fmt.Errorf("insert approval %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

const selectCols = `id, operation, resource_type, resource_id, tier, slot, status, requested_by, approved_by, reason, created_at, resolved_at`

func (s *Store) GetApproval(ctx context.Context, id string) (approval.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM approvals WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.Record{}, approval.ErrNotFound
	}
	return rec, err
}

func (s *Store) ListApprovals(ctx context.Context, res approval.Resource) ([]approval.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectCols+` FROM approvals
		WHERE operation = ? AND resource_type = ? AND resource_id = ?
		ORDER BY created_at ASC, id ASC`, res.Operation, res.ResourceType, res.ResourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []approval.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ResolveApproval(ctx context.Context, id string, to approval.Status, approvedBy string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals AS a SET status = ?, approved_by = ?, resolved_at = ?
		WHERE a.id = ? AND a.status = 'pending'
		  AND NOT (? = 'approved' AND a.tier = ? AND EXISTS (
			SELECT 1 FROM approvals o
			WHERE o.operation = a.operation AND o.resource_type = a.resource_type AND o.resource_id = a.resource_id
			  AND o.id <> a.id AND o.status = 'approved' AND o.approved_by = ?))`,
		string(to), approvedBy, formatTime(at), id, string(to), int(approval.Tier3Dual), approvedBy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (approval.Record, error) {
	var (
		r          approval.Record
		tier       int
		status     string
		createdAt  string
		resolvedAt sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Operation, &r.ResourceType, &r.ResourceID, &tier, &r.Slot, &status,
		&r.RequestedBy, &r.ApprovedBy, &r.Reason, &createdAt, &resolvedAt); err != nil {
		return approval.Record{}, err
	}
	r.Tier = approval.Tier(tier)
	r.Status = approval.Status(status)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return approval.Record{}, fmt.Errorf("approval %s created_at: %w", r.ID, err)
	}
	r.CreatedAt = t
	if resolvedAt.Valid && resolvedAt.String != "" {
		rt, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return approval.Record{}, fmt.Errorf("approval %s resolved_at: %w", r.ID, err)
		}
		r.ResolvedAt = &rt
	}
	return r, nil
}

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
