// Package approval implements the tiered human-approval gate. Records move
// pending -> approved|denied exactly once, through a compare-and-swap on
// status in the backing store, or lazily to expired after the TTL.
package approval

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusExpired:
		return true
	}
	return false
}

type Tier int

const (
	Tier0Auto Tier = iota
	Tier1Notify
	Tier2Single
	Tier3Dual
)

const DefaultTTL = 24 * time.Hour

type Record struct {
	ID           string     `json:"id"`
	Operation    string     `json:"operation"`
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	Tier         Tier       `json:"tier"`
	Slot         int        `json:"slot"`
	Status       Status     `json:"status"`
	RequestedBy  string     `json:"requested_by"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	Reason       string     `json:"reason"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// Expired reports whether a pending record is past its TTL at now.
func (r Record) Expired(now time.Time, ttl time.Duration) bool {
	return r.Status == StatusPending && now.Sub(r.CreatedAt) > ttl
}

// Resource identifies what an operation acts on.
type Resource struct {
	Operation    string `json:"operation"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

var (
	ErrNotFound          = errors.New("approval not found")
	ErrConflict          = errors.New("approval already resolved")
	ErrSelfApproval      = errors.New("requester cannot approve their own request")
	ErrExpired           = errors.New("approval expired")
	ErrDuplicateApprover = errors.New("approver already approved this resource")
	ErrInvalidRequest    = errors.New("invalid approval request")
)

// Store persists approval records. ResolveApproval must be an atomic
// compare-and-swap: it changes the row only while status is pending and
// reports whether it did. Approving a Tier3Dual record must also fail, in
// the same atomic step, when another record for the resource is already
// approved by approvedBy.
type Store interface {
	CreateApprovals(ctx context.Context, recs []Record) error
	GetApproval(ctx context.Context, id string) (Record, error)
	ListApprovals(ctx context.Context, res Resource) ([]Record, error)
	ResolveApproval(ctx context.Context, id string, to Status, approvedBy string, at time.Time) (bool, error)
}
