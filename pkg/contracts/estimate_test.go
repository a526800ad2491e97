package contracts

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

const validEstimateJSON = `{
  "contract": {
    "name": "EstimateChainV1",
    "version": "1.0.0",
    "schema_hash": "fedcba9876543210fedcba9876543210",
    "producer": {"tool": "estimatechain", "tool_version": "1.0.0", "runtime": "go"}
  },
  "context": {"project_id": "prj_1", "run_id": "run_1"},
  "assumptions": ["quantity is one EA per detection"],
  "line_items": [
    {
      "line_id": "li_0001",
      "canonical_type": "CCTV_CAMERA",
      "task_code": "CCTV_INSTALL",
      "location": {"sheet": "E-101", "page_number": 1, "bbox_norm": [0.1, 0.1, 0.2, 0.2]},
      "quantity": {"count": 1, "uom": "EA"},
      "labor": {"base_hours": 1.5, "factor": 1, "hours": 1.5, "crew": "LV_TECH", "basis": "per_device"},
      "materials": [
        {"material_code": "CAT6_CABLE_FT", "qty": 150, "uom": "FT", "waste_factor": 0.1, "qty_with_waste": 165}
      ],
      "pricing": {"material_cost": null, "labor_rate": null, "total": null},
      "confidence": {"detection": 0.9, "mapping": 0.95, "rules": 0.98, "overall": 0.8379, "reasons": ["OK"]},
      "provenance": {"raw_detection_id": "d1", "raw_class": "CCTV-A", "mapping_version": "pack@1", "rule_version": "lib@1"}
    }
  ],
  "rollups": {
    "by_canonical_type": [{"canonical_type": "CCTV_CAMERA", "count": 1, "labor_hours": 1.5}],
    "labor_total_hours": 1.5,
    "material_totals": [{"material_code": "CAT6_CABLE_FT", "uom": "FT", "qty_with_waste": 165}]
  },
  "quality": {
    "unmapped_classes": [],
    "low_confidence_items": [],
    "gap_flags": [{"code": "HEAD_END_MISSING", "severity": "high", "message": "m", "evidence": {"requires": "IDF_RACK"}, "recommended_action": "add rack"}]
  },
  "errors": []
}`

func TestValidateEstimateChainV1Valid(t *testing.T) {
	res := ValidateEstimateChainV1(mustDecode(t, validEstimateJSON))
	if !res.Valid {
		t.Fatalf("expected valid payload, got %+v", res.Errors)
	}
	if res.ContractName != "EstimateChainV1" || res.ContractVersion != "1.0.0" {
		t.Fatalf("unexpected identity %+v", res)
	}
}

func TestValidateEstimateChainV1NullErrorsRejected(t *testing.T) {
	p := mustDecode(t, validEstimateJSON)
	p["errors"] = nil
	res := ValidateEstimateChainV1(p)
	if res.Valid || !hasErrorAt(res, "errors") {
		t.Fatalf("expected errors=null rejected, got %+v", res)
	}
	if !strings.Contains(res.Errors[0].Message, "null") {
		t.Fatalf("expected null-specific message, got %q", res.Errors[0].Message)
	}

	p = mustDecode(t, validEstimateJSON)
	p["quality"].(map[string]any)["gap_flags"] = nil
	if res := ValidateEstimateChainV1(p); !hasErrorAt(res, "quality.gap_flags") {
		t.Fatalf("expected nested null array rejected, got %+v", res.Errors)
	}
}

func TestValidateEstimateChainV1LineItemChecks(t *testing.T) {
	p := mustDecode(t, validEstimateJSON)
	li := p["line_items"].([]any)[0].(map[string]any)
	li["confidence"].(map[string]any)["overall"] = 0.99
	li["confidence"].(map[string]any)["reasons"] = []any{"GUESSED"}
	li["pricing"].(map[string]any)["total"] = -3
	li["materials"].([]any)[0].(map[string]any)["waste_factor"] = 1.5
	li["location"].(map[string]any)["bbox_norm"] = []any{0.1, 0.1, 0.2, 2}

	res := ValidateEstimateChainV1(p)
	for _, path := range []string{
		"line_items[0].confidence.overall",
		"line_items[0].confidence.reasons[0]",
		"line_items[0].pricing.total",
		"line_items[0].materials[0].waste_factor",
		"line_items[0].location.bbox_norm[3]",
	} {
		if !hasErrorAt(res, path) {
			t.Fatalf("expected error at %s, got %+v", path, res.Errors)
		}
	}
}

func TestValidateEstimateChainV1GapFlagSeverityEnum(t *testing.T) {
	p := mustDecode(t, validEstimateJSON)
	flag := p["quality"].(map[string]any)["gap_flags"].([]any)[0].(map[string]any)
	flag["severity"] = "critical"
	delete(flag, "recommended_action")
	res := ValidateEstimateChainV1(p)
	if !hasErrorAt(res, "quality.gap_flags[0].severity") || !hasErrorAt(res, "quality.gap_flags[0].recommended_action") {
		t.Fatalf("unexpected errors %+v", res.Errors)
	}
}

func TestValidateEstimateChainV1LineItemCap(t *testing.T) {
	p := mustDecode(t, validEstimateJSON)
	items := make([]any, 0, 80)
	for i := 0; i < 80; i++ {
		li := mustDecode(t, validEstimateJSON)["line_items"].([]any)[0].(map[string]any)
		li["line_id"] = fmt.Sprintf("li_%d", i)
		delete(li, "canonical_type")
		items = append(items, li)
	}
	p["line_items"] = items
	res := ValidateEstimateChainV1(p)
	if res.Valid {
		t.Fatalf("expected invalid")
	}
	if len(res.Errors) != MaxLineItemsValidated {
		t.Fatalf("expected one error per checked item, got %d", len(res.Errors))
	}
	if hasErrorAt(res, "line_items[50].canonical_type") {
		t.Fatalf("line items past the cap must not be checked")
	}
	if !hasErrorAt(res, "line_items[49].canonical_type") {
		t.Fatalf("line items within the cap must be checked")
	}
}

func TestErrorListIsCapped(t *testing.T) {
	p := mustDecode(t, validEstimateJSON)
	assumptions := make([]any, 0, MaxErrors+50)
	for i := 0; i < MaxErrors+50; i++ {
		assumptions = append(assumptions, i)
	}
	p["assumptions"] = assumptions
	res := ValidateEstimateChainV1(p)
	if len(res.Errors) != MaxErrors+1 {
		t.Fatalf("expected %d errors including truncation marker, got %d", MaxErrors+1, len(res.Errors))
	}
	last := res.Errors[len(res.Errors)-1]
	if last.Path != "$" || !strings.Contains(last.Message, "error limit") {
		t.Fatalf("expected truncation marker, got %+v", last)
	}
}

type fakeHashes struct {
	hash   string
	locked bool
	err    error
}

func (f fakeHashes) ExpectedSchemaHash(string) (string, bool, error) {
	return f.hash, f.locked, f.err
}

func TestValidatorLockedHashMustMatch(t *testing.T) {
	payload := mustDecode(t, validEstimateJSON)
	v := NewValidator(fakeHashes{hash: "fedcba9876543210fedcba9876543210", locked: true})
	if res := v.Validate("EstimateChainV1", payload); !res.Valid {
		t.Fatalf("expected matching hash to pass, got %+v", res.Errors)
	}

	v = NewValidator(fakeHashes{hash: "0000000000000000000000000000ffff", locked: true})
	res := v.Validate("EstimateChainV1", payload)
	if res.Valid || !hasErrorAt(res, "contract.schema_hash") {
		t.Fatalf("expected hash drift rejection, got %+v", res)
	}

	v = NewValidator(fakeHashes{hash: "0000000000000000000000000000ffff", locked: false})
	if res := v.Validate("EstimateChainV1", payload); !res.Valid {
		t.Fatalf("unlocked contracts only need a structurally valid hash")
	}

	v = NewValidator(fakeHashes{err: errors.New("schema missing")})
	if res := v.Validate("EstimateChainV1", payload); res.Valid {
		t.Fatalf("expected failure when local hash is unavailable")
	}
}
