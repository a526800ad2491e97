package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"launchbase/pkg/approval"
)

//go:embed schema.sql
var schemaSQL string

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Migrate creates the tables the service needs if they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schemaSQL)
	return err
}

var ErrNotFound = errors.New("not found")

func (s *Store) CreateApprovals(ctx context.Context, recs []approval.Record) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, r := range recs {
		if _, err := tx.Exec(ctx, `
INSERT INTO approvals(id,operation,resource_type,resource_id,tier,slot,status,requested_by,approved_by,reason,created_at,resolved_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`, r.ID, r.Operation, r.ResourceType, r.ResourceID, int(r.Tier), r.Slot, string(r.Status), r.RequestedBy, r.ApprovedBy, r.Reason, r.CreatedAt, r.ResolvedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const approvalCols = `id,operation,resource_type,resource_id,tier,slot,status,requested_by,approved_by,reason,created_at,resolved_at`

func scanApproval(row pgx.Row) (approval.Record, error) {
	var r approval.Record
	var tier int
	var status string
	if err := row.Scan(&r.ID, &r.Operation, &r.ResourceType, &r.ResourceID, &tier, &r.Slot, &status, &r.RequestedBy, &r.ApprovedBy, &r.Reason, &r.CreatedAt, &r.ResolvedAt); err != nil {
		return approval.Record{}, err
	}
	r.Tier = approval.Tier(tier)
	r.Status = approval.Status(status)
	return r, nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (approval.Record, error) {
	r, err := scanApproval(s.DB.QueryRow(ctx, `SELECT `+approvalCols+` FROM approvals WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return approval.Record{}, approval.ErrNotFound
	}
	return r, err
}

func (s *Store) ListApprovals(ctx context.Context, res approval.Resource) ([]approval.Record, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+approvalCols+` FROM approvals
WHERE operation=$1 AND resource_type=$2 AND resource_id=$3
ORDER BY created_at ASC, id ASC`, res.Operation, res.ResourceType, res.ResourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []approval.Record
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveApproval only moves rows that are still pending; a zero row count
// means another resolver got there first, or approvedBy already holds an
// approved slot on the same tier-3 resource. Sibling rows are locked first
// so concurrent resolvers of one resource serialize.
func (s *Store) ResolveApproval(ctx context.Context, id string, to approval.Status, approvedBy string, at time.Time) (bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `
SELECT 1 FROM approvals o
JOIN approvals a ON a.operation=o.operation AND a.resource_type=o.resource_type AND a.resource_id=o.resource_id
WHERE a.id=$1
FOR UPDATE OF o
`, id); err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
UPDATE approvals a SET status=$2, approved_by=$3, resolved_at=$4
WHERE a.id=$1 AND a.status='pending'
  AND NOT ($2='approved' AND a.tier=$5 AND EXISTS (
    SELECT 1 FROM approvals o
    WHERE o.operation=a.operation AND o.resource_type=a.resource_type AND o.resource_id=a.resource_id
      AND o.id<>a.id AND o.status='approved' AND o.approved_by=$3))
`, id, string(to), approvedBy, at, int(approval.Tier3Dual))
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, tenantID, operation, keyHash string) (int, []byte, bool, error) {
	var status int
	var body []byte
	err := s.DB.QueryRow(ctx, `
SELECT response_status,response_body FROM idempotency_records
WHERE tenant_id=$1 AND operation=$2 AND key_hash=$3
`, tenantID, operation, keyHash).Scan(&status, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	return status, body, true, nil
}

// ClaimIdempotencyKey inserts an in-flight row (status 0). An existing
// in-flight row older than staleBefore is taken over.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, tenantID, operation, keyHash string, staleBefore time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO idempotency_records(tenant_id,operation,key_hash,response_status,response_body,created_at)
VALUES($1,$2,$3,0,NULL,now())
ON CONFLICT (tenant_id,operation,key_hash) DO UPDATE SET created_at=now()
WHERE idempotency_records.response_status=0 AND idempotency_records.created_at < $4
`, tenantID, operation, keyHash, staleBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SaveIdempotencyRecord completes a claimed row, or inserts one when the
// caller never claimed. A completed row is never overwritten.
func (s *Store) SaveIdempotencyRecord(ctx context.Context, tenantID, operation, keyHash string, responseStatus int, responseBody []byte) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO idempotency_records(tenant_id,operation,key_hash,response_status,response_body)
VALUES($1,$2,$3,$4,$5::jsonb)
ON CONFLICT (tenant_id,operation,key_hash) DO UPDATE
SET response_status=EXCLUDED.response_status, response_body=EXCLUDED.response_body
WHERE idempotency_records.response_status=0
`, tenantID, operation, keyHash, responseStatus, string(responseBody))
	return err
}

func (s *Store) ReleaseIdempotencyKey(ctx context.Context, tenantID, operation, keyHash string) error {
	_, err := s.DB.Exec(ctx, `
DELETE FROM idempotency_records
WHERE tenant_id=$1 AND operation=$2 AND key_hash=$3 AND response_status=0
`, tenantID, operation, keyHash)
	return err
}

// EstimateRecord is a validated EstimateChainV1 document with the identity
// it was validated against.
type EstimateRecord struct {
	EstimateID      string    `json:"estimate_id"`
	TenantID        string    `json:"tenant_id"`
	ProjectID       string    `json:"project_id"`
	RunID           string    `json:"run_id"`
	ContractName    string    `json:"contract_name"`
	ContractVersion string    `json:"contract_version"`
	SchemaHash      string    `json:"schema_hash"`
	TaskLibraryHash string    `json:"task_library_hash"`
	GapFlagCount    int       `json:"gap_flag_count"`
	Body            []byte    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s *Store) SaveEstimate(ctx context.Context, e EstimateRecord) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO estimates(estimate_id,tenant_id,project_id,run_id,contract_name,contract_version,schema_hash,task_library_hash,gap_flag_count,body,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11)
`, e.EstimateID, e.TenantID, e.ProjectID, e.RunID, e.ContractName, e.ContractVersion, e.SchemaHash, e.TaskLibraryHash, e.GapFlagCount, string(e.Body), e.CreatedAt)
	return err
}

func (s *Store) GetEstimate(ctx context.Context, tenantID, estimateID string) (EstimateRecord, error) {
	var e EstimateRecord
	err := s.DB.QueryRow(ctx, `
SELECT estimate_id,tenant_id,project_id,run_id,contract_name,contract_version,schema_hash,task_library_hash,gap_flag_count,body,created_at
FROM estimates WHERE tenant_id=$1 AND estimate_id=$2
`, tenantID, estimateID).Scan(&e.EstimateID, &e.TenantID, &e.ProjectID, &e.RunID, &e.ContractName, &e.ContractVersion, &e.SchemaHash, &e.TaskLibraryHash, &e.GapFlagCount, &e.Body, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return EstimateRecord{}, ErrNotFound
	}
	return e, err
}
