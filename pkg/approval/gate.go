package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Gate struct {
	Store    Store
	Policies map[string]Policy
	TTL      time.Duration
	Now      func() time.Time
	NewID    func() string
	Logger   *zap.Logger
}

func NewGate(store Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		Store:    store,
		Policies: DefaultPolicies,
		TTL:      DefaultTTL,
		Now:      time.Now,
		NewID:    func() string { return "apr_" + uuid.NewString() },
		Logger:   logger,
	}
}

func (g *Gate) now() time.Time {
	if g.Now == nil {
		return time.Now().UTC()
	}
	return g.Now().UTC()
}

func (g *Gate) ttl() time.Duration {
	if g.TTL <= 0 {
		return DefaultTTL
	}
	return g.TTL
}

func (g *Gate) log() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

func (g *Gate) Policy(op string) Policy { return PolicyFor(g.Policies, op) }

type Request struct {
	Resource
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason"`
}

type RequestResult struct {
	Policy  Policy   `json:"policy"`
	Records []Record `json:"records"`
}

// RequestApproval creates one pending record per required approver. Tier 0
// and tier 1 operations need no record and return an empty list.
func (g *Gate) RequestApproval(ctx context.Context, req Request) (RequestResult, error) {
	if strings.TrimSpace(req.Operation) == "" || strings.TrimSpace(req.ResourceID) == "" || strings.TrimSpace(req.RequestedBy) == "" {
		return RequestResult{}, fmt.Errorf("%w: operation, resource_id and requested_by are required", ErrInvalidRequest)
	}
	p := g.Policy(req.Operation)
	res := RequestResult{Policy: p, Records: []Record{}}
	if !p.RequiresApproval {
		if p.NotifyAdmin {
			g.log().Info("operation notify-only",
				zap.String("operation", req.Operation),
				zap.String("resource_id", req.ResourceID),
				zap.String("requested_by", req.RequestedBy))
		}
		return res, nil
	}
	now := g.now()
	for slot := 1; slot <= p.RequiredApprovers(); slot++ {
		res.Records = append(res.Records, Record{
			ID:           g.NewID(),
			Operation:    req.Operation,
			ResourceType: req.ResourceType,
			ResourceID:   req.ResourceID,
			Tier:         p.Tier,
			Slot:         slot,
			Status:       StatusPending,
			RequestedBy:  req.RequestedBy,
			Reason:       req.Reason,
			CreatedAt:    now,
		})
	}
	if err := g.Store.CreateApprovals(ctx, res.Records); err != nil {
		return RequestResult{}, fmt.Errorf("create approvals: %w", err)
	}
	g.log().Info("approval requested",
		zap.String("operation", req.Operation),
		zap.String("resource_id", req.ResourceID),
		zap.Int("tier", int(p.Tier)),
		zap.Int("slots", len(res.Records)))
	return res, nil
}

type Decision struct {
	Allowed   bool     `json:"allowed"`
	Policy    Policy   `json:"policy"`
	Required  int      `json:"required_approvers"`
	Approvers []string `json:"approvers"`
	Pending   int      `json:"pending"`
	Reason    string   `json:"reason"`
}

// CheckApprovalGate reports whether op may proceed on the resource. It never
// writes: stale pending records are treated as expired without being updated.
func (g *Gate) CheckApprovalGate(ctx context.Context, res Resource) (Decision, error) {
	p := g.Policy(res.Operation)
	d := Decision{Policy: p, Required: p.RequiredApprovers(), Approvers: []string{}}
	if !p.RequiresApproval {
		d.Allowed = true
		d.Reason = "no approval required"
		return d, nil
	}
	recs, err := g.Store.ListApprovals(ctx, res)
	if err != nil {
		return Decision{}, fmt.Errorf("list approvals: %w", err)
	}
	now, ttl := g.now(), g.ttl()
	approvers := map[string]struct{}{}
	for _, r := range recs {
		switch {
		case r.Status == StatusApproved && r.ApprovedBy != "":
			approvers[r.ApprovedBy] = struct{}{}
		case r.Status == StatusPending && !r.Expired(now, ttl):
			d.Pending++
		}
	}
	for a := range approvers {
		d.Approvers = append(d.Approvers, a)
	}
	sort.Strings(d.Approvers)
	d.Allowed = len(d.Approvers) >= d.Required
	switch {
	case d.Allowed:
		d.Reason = "approved"
	case len(recs) == 0:
		d.Reason = "approval required"
	default:
		d.Reason = fmt.Sprintf("%d of %d distinct approvals", len(d.Approvers), d.Required)
	}
	return d, nil
}

// ResolveApproval approves or denies one pending record. Losing a concurrent
// race yields ErrConflict.
func (g *Gate) ResolveApproval(ctx context.Context, id, approver string, approve bool) (Record, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return Record{}, fmt.Errorf("%w: approver is required", ErrInvalidRequest)
	}
	rec, err := g.Store.GetApproval(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.RequestedBy == approver {
		return Record{}, ErrSelfApproval
	}
	if rec.Status != StatusPending {
		return Record{}, ErrConflict
	}
	now := g.now()
	if rec.Expired(now, g.ttl()) {
		ok, err := g.Store.ResolveApproval(ctx, id, StatusExpired, "", now)
		if err != nil {
			return Record{}, fmt.Errorf("expire approval: %w", err)
		}
		if !ok {
			return Record{}, ErrConflict
		}
		g.log().Info("approval expired", zap.String("approval_id", id))
		return Record{}, ErrExpired
	}

	to := StatusDenied
	if approve {
		to = StatusApproved
	}
	ok, err := g.Store.ResolveApproval(ctx, id, to, approver, now)
	if err != nil {
		return Record{}, fmt.Errorf("resolve approval: %w", err)
	}
	if !ok {
		return Record{}, g.rejected(ctx, rec, to, approver)
	}
	rec.Status = to
	rec.ApprovedBy = approver
	rec.ResolvedAt = &now
	g.log().Info("approval resolved",
		zap.String("approval_id", id),
		zap.String("status", string(to)),
		zap.String("approver", approver))
	return rec, nil
}

// rejected explains a failed compare-and-swap. A tier-3 slot that is still
// pending was refused because approver already holds a sibling slot.
func (g *Gate) rejected(ctx context.Context, rec Record, to Status, approver string) error {
	if to == StatusApproved && rec.Tier == Tier3Dual {
		cur, err := g.Store.GetApproval(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("reload approval: %w", err)
		}
		if cur.Status == StatusPending {
			return ErrDuplicateApprover
		}
	}
	g.log().Info("approval resolve lost race", zap.String("approval_id", rec.ID), zap.String("approver", approver))
	return ErrConflict
}

// IsGateError reports whether err is one of the gate's sentinel errors.
func IsGateError(err error) bool {
	for _, target := range []error{ErrNotFound, ErrConflict, ErrSelfApproval, ErrExpired, ErrDuplicateApprover, ErrInvalidRequest} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
