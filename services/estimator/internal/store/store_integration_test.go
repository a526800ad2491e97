package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"launchbase/pkg/approval"
	"launchbase/pkg/approval/approvaltest"
	"launchbase/pkg/config"
	"launchbase/pkg/db"
)

func liveStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("ESTIMATOR_INTEGRATION") != "1" {
		t.Skip("set ESTIMATOR_INTEGRATION=1 and DATABASE_URL to run live integration")
	}
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL is required for live integration")
	}
	pool, err := db.Connect(context.Background(), config.DatabaseConfig{URL: url, MaxConns: 8})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	st := New(pool)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func TestApprovalCASLive(t *testing.T) {
	st := liveStore(t)
	ctx := context.Background()
	id := fmt.Sprintf("apr_live_%d", time.Now().UnixNano())
	rec := approval.Record{
		ID: id, Operation: "estimate.dispatch", ResourceType: "estimate", ResourceID: id,
		Tier: approval.Tier2Single, Slot: 1, Status: approval.StatusPending, RequestedBy: "alice",
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := st.CreateApprovals(ctx, []approval.Record{rec}); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err := st.ResolveApproval(ctx, id, approval.StatusApproved, "bob", time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("first resolve: ok=%v err=%v", ok, err)
	}
	ok, err = st.ResolveApproval(ctx, id, approval.StatusDenied, "carol", time.Now().UTC())
	if err != nil || ok {
		t.Fatalf("second resolve must lose: ok=%v err=%v", ok, err)
	}
	if _, err := st.GetApproval(ctx, "apr_missing_"+id); err != approval.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentResolveLive(t *testing.T) {
	approvaltest.ResolveRace(t, liveStore(t), 16)
}

func TestIdempotencyFirstWinsLive(t *testing.T) {
	st := liveStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("k_%d", time.Now().UnixNano())
	if err := st.SaveIdempotencyRecord(ctx, "ten_1", "POST /v1/estimates", key, 201, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveIdempotencyRecord(ctx, "ten_1", "POST /v1/estimates", key, 500, []byte(`{"a":2}`)); err != nil {
		t.Fatalf("save again: %v", err)
	}
	status, _, found, err := st.GetIdempotencyRecord(ctx, "ten_1", "POST /v1/estimates", key)
	if err != nil || !found || status != 201 {
		t.Fatalf("unexpected record: status=%d found=%v err=%v", status, found, err)
	}
}

func TestIdempotencyClaimLive(t *testing.T) {
	st := liveStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("claim_%d", time.Now().UnixNano())
	const op = "POST /v1/estimates"
	staleBefore := time.Now().Add(-time.Minute)

	ok, err := st.ClaimIdempotencyKey(ctx, "ten_1", op, key, staleBefore)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = st.ClaimIdempotencyKey(ctx, "ten_1", op, key, staleBefore)
	if err != nil || ok {
		t.Fatalf("live claim must block: ok=%v err=%v", ok, err)
	}
	status, _, found, err := st.GetIdempotencyRecord(ctx, "ten_1", op, key)
	if err != nil || !found || status != 0 {
		t.Fatalf("in-flight record: status=%d found=%v err=%v", status, found, err)
	}
	if err := st.SaveIdempotencyRecord(ctx, "ten_1", op, key, 201, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.ReleaseIdempotencyKey(ctx, "ten_1", op, key); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = st.ClaimIdempotencyKey(ctx, "ten_1", op, key, time.Now().Add(time.Hour))
	if err != nil || ok {
		t.Fatalf("completed record must not be reclaimed: ok=%v err=%v", ok, err)
	}
	status, _, found, err = st.GetIdempotencyRecord(ctx, "ten_1", op, key)
	if err != nil || !found || status != 201 {
		t.Fatalf("completed record: status=%d found=%v err=%v", status, found, err)
	}
}

func TestDistinctApproverRaceLive(t *testing.T) {
	approvaltest.DistinctApproverRace(t, liveStore(t), 5)
}
