package freeze

import (
	"errors"
	"testing"
)

const registryJSON = `{
  "vertex": "takeoff",
  "version": "1.0.0",
  "status": "frozen",
  "contracts": [
    {"name": "EstimateChainV1", "status": "locked", "version": "1.0.0"},
    {"name": "DraftV0", "status": "draft", "version": "0.1.0"}
  ],
  "not_allowed_until_v2": ["rename_contract_field"],
  "allowed_after_freeze": ["add_task_library_entry"],
  "governance": {"change_routes": ["proposal", "new version"]}
}`

func mustParse(t *testing.T, raw string) *Registry {
	t.Helper()
	r, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	return r
}

func TestIsContractFrozen(t *testing.T) {
	r := mustParse(t, registryJSON)
	if !r.IsContractFrozen("EstimateChainV1") {
		t.Fatalf("expected locked contract in frozen registry to be frozen")
	}
	if r.IsContractFrozen("DraftV0") {
		t.Fatalf("unlocked contract must not be frozen")
	}
	if r.IsContractFrozen("Unknown") {
		t.Fatalf("unknown contract must not be frozen")
	}
	r.Status = StatusUnfrozen
	if r.IsContractFrozen("EstimateChainV1") {
		t.Fatalf("unfrozen registry must not freeze contracts")
	}
	var nilReg *Registry
	if nilReg.IsContractFrozen("EstimateChainV1") {
		t.Fatalf("nil registry must not freeze contracts")
	}
}

func TestEnforceFreezeGate(t *testing.T) {
	r := mustParse(t, registryJSON)
	err := r.EnforceFreezeGate("EstimateChainV1", Bypass{})
	var v *FreezeViolation
	if !errors.As(err, &v) {
		t.Fatalf("expected FreezeViolation, got %v", err)
	}
	if v.ContractName != "EstimateChainV1" || len(v.ChangeRoutes) != 2 || v.ChangeRoutes[0] != "proposal" {
		t.Fatalf("unexpected violation %+v", v)
	}
	if err := r.EnforceFreezeGate("EstimateChainV1", Bypass{ApprovedProposalID: "prop_1"}); err != nil {
		t.Fatalf("approved proposal should bypass gate: %v", err)
	}
	if err := r.EnforceFreezeGate("EstimateChainV1", Bypass{IsNewContractVersion: true}); err != nil {
		t.Fatalf("new contract version should bypass gate: %v", err)
	}
	if err := r.EnforceFreezeGate("EstimateChainV1", Bypass{ApprovedProposalID: "   "}); err == nil {
		t.Fatalf("blank proposal id must not bypass gate")
	}
	if err := r.EnforceFreezeGate("DraftV0", Bypass{}); err != nil {
		t.Fatalf("unlocked contract should pass: %v", err)
	}
}

func TestChangeRoutesDefault(t *testing.T) {
	r := mustParse(t, `{"vertex":"v","version":"1","status":"frozen","contracts":[{"name":"X","status":"locked"}]}`)
	err := r.EnforceFreezeGate("X", Bypass{})
	var v *FreezeViolation
	if !errors.As(err, &v) || len(v.ChangeRoutes) != len(DefaultChangeRoutes) {
		t.Fatalf("expected default change routes, got %v", err)
	}
}

func TestClassifyChange(t *testing.T) {
	r := mustParse(t, registryJSON)
	if got := r.ClassifyChange("rename_contract_field"); got != ChangeBlockedForV2 {
		t.Fatalf("got %s", got)
	}
	if got := r.ClassifyChange("add_task_library_entry"); got != ChangeAllowed {
		t.Fatalf("got %s", got)
	}
	if got := r.ClassifyChange("tweak_rounding"); got != ChangeNeedsRoute {
		t.Fatalf("got %s", got)
	}
}

func TestParseRejectsBadRegistries(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"status":"frozen"}`,
		`{"vertex":"v","status":"melted"}`,
		`{"vertex":"v","status":"frozen","contracts":[{"name":""}]}`,
		`{"vertex":"v","status":"frozen","contracts":[{"name":"A"},{"name":"A"}]}`,
	} {
		if _, err := Parse([]byte(raw)); !errors.Is(err, ErrInvalidRegistry) {
			t.Fatalf("expected ErrInvalidRegistry for %s, got %v", raw, err)
		}
	}
}

func TestIsChangeAllowed(t *testing.T) {
	r := mustParse(t, registryJSON)
	if !r.IsChangeAllowed("add_task_library_entry") || r.IsChangeAllowed("rename_contract_field") {
		t.Fatalf("unexpected change classification")
	}
	r.Status = StatusUnfrozen
	if !r.IsChangeAllowed("rename_contract_field") {
		t.Fatalf("unfrozen registry allows every change")
	}
}
