// Package approvaltest holds shared conformance checks for approval.Store
// implementations.
package approvaltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"launchbase/pkg/approval"
)

// ResolveRace resolves one pending record from n goroutines and fails t
// unless exactly one resolution wins and the rest get approval.ErrConflict.
func ResolveRace(t *testing.T, store approval.Store, n int) {
	t.Helper()
	ctx := context.Background()
	var seq atomic.Int64
	run := time.Now().UnixNano()
	g := approval.NewGate(store, nil)
	g.Now = func() time.Time { return time.Unix(0, run).UTC() }
	g.NewID = func() string { return fmt.Sprintf("apr_race_%d_%d", run, seq.Add(1)) }

	res, err := g.RequestApproval(ctx, approval.Request{
		Resource:    approval.Resource{Operation: "estimate.dispatch", ResourceType: "estimate", ResourceID: "est_race"},
		RequestedBy: "requester",
	})
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected one approval slot, got %d", len(res.Records))
	}
	id := res.Records[0].ID

	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
		start     = make(chan struct{})
		failures  = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := g.ResolveApproval(ctx, id, fmt.Sprintf("approver-%d", i), i%2 == 0)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, approval.ErrConflict):
				conflicts.Add(1)
			default:
				failures <- err
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(failures)
	for err := range failures {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
	if got := conflicts.Load(); int(got) != n-1 {
		t.Fatalf("expected %d conflicts, got %d", n-1, got)
	}

	rec, err := store.GetApproval(ctx, id)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if rec.Status == approval.StatusPending || rec.ApprovedBy == "" {
		t.Fatalf("record not resolved: %+v", rec)
	}
}

// lagStore delays reads so concurrent resolvers reach the store's
// compare-and-swap together.
type lagStore struct {
	approval.Store
	lag time.Duration
}

func (s lagStore) GetApproval(ctx context.Context, id string) (approval.Record, error) {
	time.Sleep(s.lag)
	return s.Store.GetApproval(ctx, id)
}

func (s lagStore) ListApprovals(ctx context.Context, res approval.Resource) ([]approval.Record, error) {
	time.Sleep(s.lag)
	return s.Store.ListApprovals(ctx, res)
}

// DistinctApproverRace has one approver resolve both slots of a tier-3
// request concurrently, for the given number of rounds. Exactly one call
// must win and the other must get approval.ErrDuplicateApprover, leaving a
// pending slot that a second approver can still fill.
func DistinctApproverRace(t *testing.T, store approval.Store, rounds int) {
	t.Helper()
	ctx := context.Background()
	var seq atomic.Int64
	run := time.Now().UnixNano()
	g := approval.NewGate(lagStore{Store: store, lag: 10 * time.Millisecond}, nil)
	g.Now = func() time.Time { return time.Unix(0, run).UTC() }
	g.NewID = func() string { return fmt.Sprintf("apr_dual_%d_%d", run, seq.Add(1)) }

	for round := 0; round < rounds; round++ {
		res := approval.Resource{Operation: "estimate.delete", ResourceType: "estimate", ResourceID: fmt.Sprintf("est_dual_%d_%d", run, round)}
		opened, err := g.RequestApproval(ctx, approval.Request{Resource: res, RequestedBy: "requester"})
		if err != nil {
			t.Fatalf("request approval: %v", err)
		}
		if len(opened.Records) != 2 {
			t.Fatalf("expected two approval slots, got %d", len(opened.Records))
		}

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			errs  = make([]error, len(opened.Records))
		)
		for i, rec := range opened.Records {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				<-start
				_, errs[i] = g.ResolveApproval(ctx, id, "alice", true)
			}(i, rec.ID)
		}
		close(start)
		wg.Wait()

		var wins, dups int
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, approval.ErrDuplicateApprover):
				dups++
			default:
				t.Fatalf("round %d: unexpected resolve error: %v", round, err)
			}
		}
		if wins != 1 || dups != 1 {
			t.Fatalf("round %d: expected one win and one duplicate, got errs=%v", round, errs)
		}

		d, err := g.CheckApprovalGate(ctx, res)
		if err != nil {
			t.Fatalf("check gate: %v", err)
		}
		if d.Allowed || d.Pending != 1 {
			t.Fatalf("round %d: expected closed gate with one pending slot, got %+v", round, d)
		}
		for _, rec := range opened.Records {
			if _, err := g.ResolveApproval(ctx, rec.ID, "bob", true); err == nil {
				break
			}
		}
		d, err = g.CheckApprovalGate(ctx, res)
		if err != nil {
			t.Fatalf("check gate: %v", err)
		}
		if !d.Allowed || len(d.Approvers) != 2 {
			t.Fatalf("round %d: second approver must open the gate, got %+v", round, d)
		}
	}
}
