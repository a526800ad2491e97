// Package freeze implements the contract freeze registry and the governance
// gate that blocks hot-patches to locked contracts. The gate is a policy
// circuit breaker: changes still happen, but only through an audited route.
package freeze

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	StatusFrozen   = "frozen"
	StatusUnfrozen = "unfrozen"

	ContractLocked = "locked"
)

var DefaultChangeRoutes = []string{
	"feedback item -> reviewed proposal -> approval (supply approved_proposal_id)",
	"publish a new contract version",
}

type ContractEntry struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Version    string `json:"version"`
	SchemaFile string `json:"schema_file,omitempty"`
	// SchemaHash pins a hash for contracts whose schema file is not shipped
	// with this process.
	SchemaHash string `json:"schema_hash,omitempty"`
}

func (c ContractEntry) Locked() bool { return c.Status == ContractLocked }

type Governance struct {
	ChangeRoutes []string `json:"change_routes"`
}

type Registry struct {
	Vertex             string          `json:"vertex"`
	Version            string          `json:"version"`
	Status             string          `json:"status"`
	Contracts          []ContractEntry `json:"contracts"`
	NotAllowedUntilV2  []string        `json:"not_allowed_until_v2"`
	AllowedAfterFreeze []string        `json:"allowed_after_freeze"`
	Governance         Governance      `json:"governance"`
}

var ErrInvalidRegistry = errors.New("invalid freeze registry")

func Parse(b []byte) (*Registry, error) {
	var r Registry
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}
	if strings.TrimSpace(r.Vertex) == "" {
		return nil, fmt.Errorf("%w: vertex is required", ErrInvalidRegistry)
	}
	if r.Status != StatusFrozen && r.Status != StatusUnfrozen {
		return nil, fmt.Errorf("%w: status must be %s|%s, got %q", ErrInvalidRegistry, StatusFrozen, StatusUnfrozen, r.Status)
	}
	seen := map[string]struct{}{}
	for i, c := range r.Contracts {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("%w: contracts[%d].name is required", ErrInvalidRegistry, i)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate contract %s", ErrInvalidRegistry, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return &r, nil
}

func LoadFile(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func (r *Registry) Contract(name string) (ContractEntry, bool) {
	if r == nil {
		return ContractEntry{}, false
	}
	for _, c := range r.Contracts {
		if c.Name == name {
			return c, true
		}
	}
	return ContractEntry{}, false
}

// LockedContracts returns the locked entries in registry order.
func (r *Registry) LockedContracts() []ContractEntry {
	if r == nil {
		return nil
	}
	var out []ContractEntry
	for _, c := range r.Contracts {
		if c.Locked() {
			out = append(out, c)
		}
	}
	return out
}

// IsContractFrozen is true only when the registry is frozen and the named
// contract is locked.
func (r *Registry) IsContractFrozen(name string) bool {
	if r == nil || r.Status != StatusFrozen {
		return false
	}
	c, ok := r.Contract(name)
	return ok && c.Locked()
}

func (r *Registry) ChangeRoutes() []string {
	if r == nil || len(r.Governance.ChangeRoutes) == 0 {
		return append([]string(nil), DefaultChangeRoutes...)
	}
	return append([]string(nil), r.Governance.ChangeRoutes...)
}

// Bypass carries the only two legitimate escape hatches from the gate.
type Bypass struct {
	ApprovedProposalID   string `json:"approved_proposal_id,omitempty"`
	IsNewContractVersion bool   `json:"is_new_contract_version,omitempty"`
}

func (b Bypass) present() bool {
	return strings.TrimSpace(b.ApprovedProposalID) != "" || b.IsNewContractVersion
}

type FreezeViolation struct {
	ContractName string   `json:"contract_name"`
	ChangeRoutes []string `json:"change_routes"`
}

func (e *FreezeViolation) Error() string {
	return fmt.Sprintf("contract %s is frozen; allowed change routes: %s", e.ContractName, strings.Join(e.ChangeRoutes, "; "))
}

// EnforceFreezeGate returns a *FreezeViolation when name is frozen and no
// bypass was supplied.
func (r *Registry) EnforceFreezeGate(name string, bypass Bypass) error {
	if !r.IsContractFrozen(name) || bypass.present() {
		return nil
	}
	return &FreezeViolation{ContractName: name, ChangeRoutes: r.ChangeRoutes()}
}

type ChangeVerdict string

const (
	ChangeAllowed      ChangeVerdict = "allowed"
	ChangeBlockedForV2 ChangeVerdict = "blocked_until_v2"
	ChangeNeedsRoute   ChangeVerdict = "requires_change_route"
)

// ClassifyChange tells a caller how a named change kind is treated while the
// registry is frozen.
func (r *Registry) ClassifyChange(kind string) ChangeVerdict {
	if r == nil || r.Status != StatusFrozen {
		return ChangeAllowed
	}
	for _, k := range r.NotAllowedUntilV2 {
		if k == kind {
			return ChangeBlockedForV2
		}
	}
	for _, k := range r.AllowedAfterFreeze {
		if k == kind {
			return ChangeAllowed
		}
	}
	return ChangeNeedsRoute
}

func (r *Registry) IsChangeAllowed(kind string) bool {
	return r.ClassifyChange(kind) == ChangeAllowed
}
