package estimate

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"launchbase/pkg/contracts"
	"launchbase/pkg/domain"
	"launchbase/pkg/tasklib"
)

const testLibrary = `{
  "library": {"name": "lv", "version": "2024.1"},
  "defaults": {"waste_factor": 0.05, "labor_factor": 1.0, "crew_profiles": {}},
  "canonical": {
    "CCTV_CAMERA": {"category": "security", "description": "cam", "tasks": [
      {"task_code": "CCTV_INSTALL", "basis": "per_device", "base_hours": 1.5, "crew": "LV_TECH", "waste_factor": 0.1,
       "materials": [{"material_code": "CAT6_CABLE_FT", "qty_per_ea": 150, "uom": "FT"}, {"material_code": "RJ45", "qty_per_ea": 2, "uom": "EA"}]},
      {"task_code": "CCTV_LIFT", "basis": "per_device", "base_hours": 2.5, "crew": "LV_PAIR", "non_standard": true, "materials": []}
    ]},
    "IDF_RACK": {"category": "head_end", "description": "rack", "tasks": [
      {"task_code": "RACK_SET", "basis": "per_device", "base_hours": 6, "crew": "RACK_TEAM",
       "materials": [{"material_code": "RACK_42U", "qty_per_ea": 1, "uom": "EA"}]}
    ]}
  }
}`

const testSchemaHash = "9f2c1e0d8b7a69584736251403f2e1d0c9b8a79685746352413f2e1d0c9b8a7"

func mustLibrary(t *testing.T) *tasklib.Library {
	t.Helper()
	lib, err := tasklib.Parse([]byte(testLibrary))
	require.NoError(t, err)
	return lib
}

func f64(v float64) *float64 { return &v }
func str(v string) *string   { return &v }

func baseInput(t *testing.T) Input {
	return Input{
		ProjectID: "prj_1",
		RunID:     "run_1",
		Pages: []domain.Page{
			{PageID: "p2", PageNumber: 2, Sheet: "E-102"},
			{PageID: "p1", PageNumber: 1, Sheet: "E-101"},
		},
		Detections: []domain.Detection{
			{ID: "d3", PageID: "p2", RawClass: "CCTV-A", Confidence: 0.9, Status: domain.DetectionVerified, BBox: &domain.BBox{0.1, 0.1, 0.2, 0.2}},
			{ID: "d1", PageID: "p1", RawClass: "CCTV-A", Confidence: 0.55, Status: domain.DetectionMapped},
			{ID: "d2", PageID: "p1", RawClass: "RACK", Confidence: 0.97, Status: domain.DetectionVerified},
			{ID: "d4", PageID: "p1", RawClass: "CCTV-A", Confidence: 0.99, Status: domain.DetectionRaw},
		},
		SymbolPack: &domain.SymbolPack{PackID: "pack", Version: "3", Mappings: []domain.SymbolMapping{
			{RawClass: "CCTV-A", CanonicalType: "CCTV_CAMERA"},
			{RawClass: "RACK", CanonicalType: "IDF_RACK"},
			{RawClass: "CCTV-A", CanonicalType: "DATA_OUTLET"},
		}},
		Library:    mustLibrary(t),
		SchemaHash: testSchemaHash,
	}
}

func assemble(t *testing.T, in Input) *domain.EstimateChainOutput {
	t.Helper()
	out, err := New(nil).Assemble(in)
	require.NoError(t, err)
	return out
}

func TestAssembleIsDeterministic(t *testing.T) {
	in := baseInput(t)
	first, err := json.Marshal(assemble(t, in))
	require.NoError(t, err)

	shuffled := baseInput(t)
	ds := shuffled.Detections
	ds[0], ds[3] = ds[3], ds[0]
	ds[1], ds[2] = ds[2], ds[1]
	second, err := json.Marshal(assemble(t, shuffled))
	require.NoError(t, err)

	if diff := cmp.Diff(string(first), string(second)); diff != "" {
		t.Fatalf("output differs across runs (-first +second):\n%s", diff)
	}
}

func TestAssembleOrderAndIdentity(t *testing.T) {
	out := assemble(t, baseInput(t))
	require.Len(t, out.LineItems, 3, "raw detections are not estimated")

	var ids []string
	for _, li := range out.LineItems {
		ids = append(ids, li.Provenance.RawDetectionID)
	}
	require.Equal(t, []string{"d1", "d2", "d3"}, ids)

	re := regexp.MustCompile(`^li_[0-9a-f]{16}$`)
	for _, li := range out.LineItems {
		require.Regexp(t, re, li.LineID)
	}
	require.Equal(t, lineID("run_1", "d1", "CCTV_INSTALL"), out.LineItems[0].LineID)
	require.NotEqual(t, out.LineItems[0].LineID, lineID("run_2", "d1", "CCTV_INSTALL"))

	li := out.LineItems[2]
	require.Equal(t, "E-102", *li.Location.Sheet)
	require.Equal(t, 2, *li.Location.PageNumber)
	require.Equal(t, domain.BBox{0.1, 0.1, 0.2, 0.2}, *li.Location.BBoxNorm)
	require.Equal(t, "pack@3", li.Provenance.MappingVersion)
	require.Equal(t, "lv@2024.1", li.Provenance.RuleVersion)
	require.Equal(t, domain.Quantity{Count: 1, UOM: "EA"}, li.Quantity)
	require.Equal(t, "CCTV_CAMERA", li.CanonicalType, "first mapping in the pack wins")

	require.Equal(t, 4, out.Context.DetectionCount)
	require.Equal(t, "prj_1", out.Context.ProjectID)
	require.Equal(t, out.Context.TaskLibrary.Hash, mustLibrary(t).Hash())
	require.Equal(t, ProducerRuntime, out.Contract.Producer.Runtime)
	require.Equal(t, domain.ContractEstimateChainV1, out.Contract.Name)
}

func TestConfidenceModel(t *testing.T) {
	out := assemble(t, baseInput(t))
	verified := out.LineItems[2].Confidence
	require.Equal(t, domain.Confidence{Detection: 0.9, Mapping: 0.95, Rules: 0.98, Overall: 0.8379, Reasons: []string{domain.ReasonOK}}, verified)

	mapped := out.LineItems[0].Confidence
	require.InDelta(t, 0.3234, mapped.Overall, 1e-9)
	require.Equal(t, []string{domain.ReasonLowDetectionConf, domain.ReasonMappingNotApproved}, mapped.Reasons)
	require.Contains(t, out.Quality.LowConfidenceItems, out.LineItems[0].LineID)
}

func TestConfidenceBounds(t *testing.T) {
	in := baseInput(t)
	in.Detections = nil
	for i, c := range []float64{0, 0.00004, 0.0001, 0.3, 0.59999, 0.6, 0.81, 0.99999, 1} {
		status := domain.DetectionMapped
		if i%2 == 0 {
			status = domain.DetectionVerified
		}
		in.Detections = append(in.Detections, domain.Detection{ID: string(rune('a' + i)), PageID: "p1", RawClass: "CCTV-A", Confidence: c, Status: status})
	}
	in.RunOverrides.TaskCodes = map[string]string{"CCTV_CAMERA": "CCTV_LIFT"}
	out := assemble(t, in)
	require.Len(t, out.LineItems, len(in.Detections))
	for _, li := range out.LineItems {
		c := li.Confidence
		bound := math.Min(c.Detection, math.Min(c.Mapping, c.Rules))
		require.GreaterOrEqual(t, c.Overall, 0.0)
		require.LessOrEqual(t, c.Overall, bound, "line %s", li.LineID)
		require.Contains(t, c.Reasons, domain.ReasonNonStandardTask)
		require.InDelta(t, RulesNonStd, c.Rules, 1e-12)
	}
}

func TestNoFabricatedPricing(t *testing.T) {
	out := assemble(t, baseInput(t))
	for _, li := range out.LineItems {
		require.Nil(t, li.Pricing.MaterialCost)
		require.Nil(t, li.Pricing.LaborRate)
		require.Nil(t, li.Pricing.Total)
	}
	raw, err := json.Marshal(out.LineItems[0].Pricing)
	require.NoError(t, err)
	require.JSONEq(t, `{"material_cost":null,"labor_rate":null,"total":null}`, string(raw))
}

func TestPricingWithOverrides(t *testing.T) {
	in := baseInput(t)
	in.RunOverrides.LaborRate = f64(100)
	in.ProjectOverrides = []domain.ProjectTaskOverride{{
		CanonicalType:     "CCTV_CAMERA",
		TaskCode:          "CCTV_INSTALL",
		MaterialUnitCosts: map[string]float64{"CAT6_CABLE_FT": 0.5, "RJ45": 1.25},
	}}
	out := assemble(t, in)

	cam := out.LineItems[2]
	require.Equal(t, 82.5+2.75, *cam.Pricing.MaterialCost)
	require.Equal(t, 100.0, *cam.Pricing.LaborRate)
	require.Equal(t, 85.25+150, *cam.Pricing.Total)

	rack := out.LineItems[1]
	require.Nil(t, rack.Pricing.MaterialCost, "rack materials have no unit cost")
	require.Equal(t, 100.0, *rack.Pricing.LaborRate)
	require.Nil(t, rack.Pricing.Total)
}

func TestOverridePrecedence(t *testing.T) {
	in := baseInput(t)
	in.ProjectOverrides = []domain.ProjectTaskOverride{{
		CanonicalType: "CCTV_CAMERA", TaskCode: "CCTV_INSTALL",
		LaborFactor: f64(1.2), WasteFactor: f64(0.2), Crew: str("LV_PAIR"),
	}}
	out := assemble(t, in)
	cam := out.LineItems[2]
	require.InDelta(t, 1.8, cam.Labor.Hours, 1e-9)
	require.Equal(t, "LV_PAIR", cam.Labor.Crew)
	require.InDelta(t, 180, cam.Materials[0].QtyWithWaste, 1e-9)
	rack := out.LineItems[1]
	require.InDelta(t, 6, rack.Labor.Hours, 1e-9, "project override is keyed by canonical type and task code")
	require.InDelta(t, 1.05, rack.Materials[0].QtyWithWaste, 1e-9, "library default waste applies")

	in.RunOverrides = domain.RunOverrides{LaborFactor: f64(2), WasteFactor: f64(0), Crew: str("CREW_X")}
	out = assemble(t, in)
	cam = out.LineItems[2]
	require.InDelta(t, 3, cam.Labor.Hours, 1e-9)
	require.Equal(t, "CREW_X", cam.Labor.Crew)
	require.InDelta(t, 150, cam.Materials[0].QtyWithWaste, 1e-9)
	require.InDelta(t, 12, out.LineItems[1].Labor.Hours, 1e-9)
}

func TestNoTaskDefIsIsolated(t *testing.T) {
	in := baseInput(t)
	in.Detections = append(in.Detections, domain.Detection{ID: "d9", PageID: "p1", RawClass: "SMOKE", CanonicalType: "FIRE_ALARM_DEVICE", Confidence: 0.9, Status: domain.DetectionVerified})
	out := assemble(t, in)
	require.Len(t, out.LineItems, 3)
	require.Len(t, out.Errors, 1)
	require.Equal(t, domain.ErrCodeNoTaskDef, out.Errors[0].Code)
	require.Equal(t, "d9", out.Errors[0].DetectionID)
	require.Equal(t, "FIRE_ALARM_DEVICE", out.Errors[0].CanonicalType)

	in = baseInput(t)
	in.RunOverrides.TaskCodes = map[string]string{"IDF_RACK": "NOPE"}
	out = assemble(t, in)
	require.Len(t, out.Errors, 1)
	require.Equal(t, domain.ErrCodeNoTaskDef, out.Errors[0].Code)
}

func TestUnmappedDetections(t *testing.T) {
	in := baseInput(t)
	in.Detections = append(in.Detections,
		domain.Detection{ID: "u1", PageID: "p1", RawClass: "MYSTERY", Confidence: 0.9, Status: domain.DetectionMapped},
		domain.Detection{ID: "u2", PageID: "p2", RawClass: "MYSTERY", Confidence: 0.9, Status: domain.DetectionMapped},
		domain.Detection{ID: "u3", PageID: "p2", RawClass: "ALPHA", Confidence: 0.9, Status: domain.DetectionVerified},
	)
	out := assemble(t, in)
	require.Len(t, out.LineItems, 3)
	require.Equal(t, []string{"ALPHA", "MYSTERY"}, out.Quality.UnmappedClasses)
	var codes []string
	for _, f := range out.Quality.GapFlags {
		codes = append(codes, f.Code)
	}
	require.Contains(t, codes, GapUnmappedClasses)
}

func TestLowConfidenceRatioFlag(t *testing.T) {
	out := assemble(t, baseInput(t))
	require.Len(t, out.Quality.LowConfidenceItems, 1)
	require.Len(t, out.Quality.GapFlags, 1, "1 of 3 low-confidence items is above the ratio threshold")
	flag := out.Quality.GapFlags[0]
	require.Equal(t, GapLowConfidenceRatio, flag.Code)
	require.Equal(t, domain.GapSeverityMedium, flag.Severity)
	require.NotEmpty(t, flag.RecommendedAction)
}

func TestInvalidDetectionsBecomeErrors(t *testing.T) {
	in := baseInput(t)
	in.Detections = append(in.Detections,
		domain.Detection{ID: "d1", PageID: "p1", RawClass: "CCTV-A", Confidence: 0.9, Status: domain.DetectionMapped},
		domain.Detection{ID: "bad", PageID: "p1", RawClass: "CCTV-A", Confidence: 1.4, Status: domain.DetectionMapped},
	)
	out := assemble(t, in)
	require.Len(t, out.LineItems, 3)
	require.Len(t, out.Errors, 2)
	for _, e := range out.Errors {
		require.Equal(t, domain.ErrCodeInvalidDetection, e.Code)
	}
}

func TestFatalInputs(t *testing.T) {
	in := baseInput(t)
	in.Library = nil
	_, err := New(nil).Assemble(in)
	require.True(t, errors.Is(err, ErrNoTaskLibrary))

	in = baseInput(t)
	in.SymbolPack.Mappings[0].CanonicalType = ""
	_, err = New(nil).Assemble(in)
	require.True(t, errors.Is(err, domain.ErrInvalidSymbolPack))

	in = baseInput(t)
	in.RunOverrides.WasteFactor = f64(1.5)
	_, err = New(nil).Assemble(in)
	require.True(t, errors.Is(err, ErrInvalidOverride))

	in = baseInput(t)
	in.ProjectOverrides = []domain.ProjectTaskOverride{{CanonicalType: "CCTV_CAMERA", TaskCode: "CCTV_INSTALL", LaborFactor: f64(-1)}}
	_, err = New(nil).Assemble(in)
	require.True(t, errors.Is(err, ErrInvalidOverride))

	in = baseInput(t)
	in.RunID = " "
	_, err = New(nil).Assemble(in)
	require.True(t, errors.Is(err, ErrInvalidInput))
}

func TestExplicitCanonicalTypeWithoutPack(t *testing.T) {
	in := baseInput(t)
	in.SymbolPack = nil
	in.Detections = []domain.Detection{{ID: "x", PageID: "p9", RawClass: "??", CanonicalType: "IDF_RACK", Confidence: 1, Status: domain.DetectionVerified}}
	out := assemble(t, in)
	require.Len(t, out.LineItems, 1)
	li := out.LineItems[0]
	require.Equal(t, explicitMapping, li.Provenance.MappingVersion)
	require.Nil(t, li.Location.PageNumber)
	require.Nil(t, li.Location.Sheet)
	require.Nil(t, out.Context.SymbolPack)
}

func TestOutputPassesContractValidator(t *testing.T) {
	in := baseInput(t)
	in.RunOverrides.LaborRate = f64(95.5)
	in.Detections = append(in.Detections, domain.Detection{ID: "u1", PageID: "p1", RawClass: "MYSTERY", Confidence: 0.2, Status: domain.DetectionMapped})
	out := assemble(t, in)
	generic, err := contracts.ToGeneric(out)
	require.NoError(t, err)
	res := contracts.ValidateEstimateChainV1(generic)
	require.True(t, res.Valid, "%+v", res.Errors)
	require.Equal(t, testSchemaHash, res.SchemaHash)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	require.False(t, strings.Contains(string(raw), `"errors":null`))
}
