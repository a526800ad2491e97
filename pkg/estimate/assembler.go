// Package estimate turns mapped detections into priced line items, rollups
// and quality signals. Output is deterministic: identical inputs produce
// byte-identical JSON.
package estimate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"launchbase/pkg/domain"
	"launchbase/pkg/tasklib"
)

const (
	ProducerTool       = "estimatechain"
	ProducerRuntime    = "go"
	DefaultToolVersion = "1.0.0"
	DefaultVersion     = "1.0.0"

	MappingVerified = 0.95
	MappingMapped   = 0.6
	RulesStandard   = 0.98
	RulesNonStd     = 0.85

	LowDetectionThreshold = 0.6
	LowOverallThreshold   = 0.6
	OKThreshold           = 0.8
	// LowConfidenceRatioThreshold triggers the coarse assembly-time flag.
	LowConfidenceRatioThreshold = 0.2

	GapLowConfidenceRatio = "LOW_CONFIDENCE_RATIO"
	GapUnmappedClasses    = "UNMAPPED_CLASSES"

	explicitMapping = "explicit"
)

var (
	ErrNoTaskLibrary   = errors.New("task library is required")
	ErrInvalidOverride = errors.New("invalid override")
	ErrInvalidInput    = errors.New("invalid estimate input")
)

type Input struct {
	ProjectID        string
	RunID            string
	Detections       []domain.Detection
	Pages            []domain.Page
	SymbolPack       *domain.SymbolPack
	Library          *tasklib.Library
	ProjectOverrides []domain.ProjectTaskOverride
	RunOverrides     domain.RunOverrides
	// SchemaHash and ContractVersion stamp the output contract block.
	SchemaHash      string
	ContractVersion string
}

type Assembler struct {
	Logger      *zap.Logger
	ToolVersion string
}

func New(logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{Logger: logger, ToolVersion: DefaultToolVersion}
}

// Assemble builds an EstimateChainV1 document. It fails only when the run
// cannot start (no task library, unusable symbol pack, invalid overrides);
// per-detection problems land in errors[] and quality.
func (a *Assembler) Assemble(in Input) (*domain.EstimateChainOutput, error) {
	log := a.logger()
	if in.Library == nil {
		return nil, ErrNoTaskLibrary
	}
	var packIndex map[string]string
	if in.SymbolPack != nil {
		if err := in.SymbolPack.Validate(); err != nil {
			return nil, err
		}
		packIndex = in.SymbolPack.Index()
	}
	if strings.TrimSpace(in.ProjectID) == "" || strings.TrimSpace(in.RunID) == "" {
		return nil, fmt.Errorf("%w: project_id and run_id are required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.SchemaHash) == "" {
		return nil, fmt.Errorf("%w: schema hash is required", ErrInvalidInput)
	}
	projOverrides, err := indexOverrides(in.ProjectOverrides)
	if err != nil {
		return nil, err
	}
	if err := checkRunOverrides(in.RunOverrides); err != nil {
		return nil, err
	}

	pages := make(map[string]domain.Page, len(in.Pages))
	for _, p := range in.Pages {
		pages[p.PageID] = p
	}

	out := &domain.EstimateChainOutput{
		Contract:    a.contract(in),
		Context:     runContext(in),
		Assumptions: assumptions(in.Library),
		LineItems:   []domain.LineItem{},
		Quality: domain.Quality{
			UnmappedClasses:    []string{},
			LowConfidenceItems: []string{},
			GapFlags:           []domain.GapFlag{},
		},
		Errors: []domain.EstimateError{},
	}

	unmapped := map[string]struct{}{}
	seen := map[string]struct{}{}
	for _, d := range orderDetections(in.Detections, pages) {
		if d.Status != domain.DetectionMapped && d.Status != domain.DetectionVerified {
			continue
		}
		if e, bad := checkDetection(d, seen); bad {
			out.Errors = append(out.Errors, e)
			continue
		}
		seen[d.ID] = struct{}{}

		ct := domain.ResolveCanonicalType(d, packIndex)
		if ct == "" {
			unmapped[d.RawClass] = struct{}{}
			log.Debug("unmapped detection", zap.String("detection_id", d.ID), zap.String("raw_class", d.RawClass))
			continue
		}

		task, primary, err := selectTask(in.Library, ct, in.RunOverrides.TaskCodes)
		if err != nil {
			out.Errors = append(out.Errors, domain.EstimateError{
				Code:          domain.ErrCodeNoTaskDef,
				Message:       err.Error(),
				DetectionID:   d.ID,
				CanonicalType: ct,
			})
			continue
		}

		mappingVersion := explicitMapping
		if strings.TrimSpace(d.CanonicalType) == "" && in.SymbolPack != nil {
			mappingVersion = in.SymbolPack.VersionLabel()
		}
		item := buildLineItem(lineInput{
			runID:          in.RunID,
			detection:      d,
			canonicalType:  ct,
			task:           task,
			primary:        primary,
			library:        in.Library,
			page:           pageFor(pages, d.PageID),
			eff:            resolveEffective(in.Library, task, ct, in.RunOverrides, projOverrides),
			mappingVersion: mappingVersion,
		})
		if item.Confidence.Overall < LowOverallThreshold {
			out.Quality.LowConfidenceItems = append(out.Quality.LowConfidenceItems, item.LineID)
		}
		out.LineItems = append(out.LineItems, item)
	}

	out.Quality.UnmappedClasses = sortedKeys(unmapped)
	out.Rollups = rollup(out.LineItems)
	out.Quality.GapFlags = assemblyFlags(out)

	log.Info("estimate assembled",
		zap.String("project_id", in.ProjectID),
		zap.String("run_id", in.RunID),
		zap.Int("detections", len(in.Detections)),
		zap.Int("line_items", len(out.LineItems)),
		zap.Int("unmapped_classes", len(out.Quality.UnmappedClasses)),
		zap.Int("errors", len(out.Errors)),
	)
	return out, nil
}

func (a *Assembler) logger() *zap.Logger {
	if a == nil || a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

func (a *Assembler) contract(in Input) domain.Contract {
	version := in.ContractVersion
	if version == "" {
		version = DefaultVersion
	}
	toolVersion := DefaultToolVersion
	if a != nil && a.ToolVersion != "" {
		toolVersion = a.ToolVersion
	}
	return domain.Contract{
		Name:       domain.ContractEstimateChainV1,
		Version:    version,
		SchemaHash: in.SchemaHash,
		Producer: domain.Producer{
			Tool:        ProducerTool,
			ToolVersion: toolVersion,
			Runtime:     ProducerRuntime,
		},
	}
}

func runContext(in Input) domain.EstimateContext {
	c := domain.EstimateContext{
		ProjectID: in.ProjectID,
		RunID:     in.RunID,
		TaskLibrary: domain.TaskLibraryRef{
			Name:    in.Library.Library.Name,
			Version: in.Library.Library.Version,
			Hash:    in.Library.Hash(),
		},
		DetectionCount: len(in.Detections),
	}
	if in.SymbolPack != nil {
		c.SymbolPack = &domain.SymbolPackRef{PackID: in.SymbolPack.PackID, Version: in.SymbolPack.Version}
	}
	return c
}

func assumptions(lib *tasklib.Library) []string {
	return []string{
		"Quantity is one EA per mapped or verified detection; no implicit fan-out.",
		"Raw and rejected detections are not estimated.",
		"Labor and waste factors resolve run override, then project override, then task library default.",
		"Pricing is null unless explicit cost overrides are supplied.",
		fmt.Sprintf("Task definitions from %s (%s).", lib.VersionLabel(), lib.Hash()),
	}
}

// orderDetections sorts by (page number, page id, detection id). Detections on
// unknown pages sort after every known page.
func orderDetections(ds []domain.Detection, pages map[string]domain.Page) []domain.Detection {
	out := make([]domain.Detection, len(ds))
	copy(out, ds)
	pageNum := func(id string) int {
		if p, ok := pages[id]; ok {
			return p.PageNumber
		}
		return math.MaxInt
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if pa, pb := pageNum(a.PageID), pageNum(b.PageID); pa != pb {
			return pa < pb
		}
		if a.PageID != b.PageID {
			return a.PageID < b.PageID
		}
		return a.ID < b.ID
	})
	return out
}

func checkDetection(d domain.Detection, seen map[string]struct{}) (domain.EstimateError, bool) {
	bad := func(msg string) (domain.EstimateError, bool) {
		return domain.EstimateError{Code: domain.ErrCodeInvalidDetection, Message: msg, DetectionID: d.ID}, true
	}
	if strings.TrimSpace(d.ID) == "" {
		return bad("detection id is required")
	}
	if _, dup := seen[d.ID]; dup {
		return bad("duplicate detection id " + d.ID)
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return bad(fmt.Sprintf("confidence %v outside [0,1]", d.Confidence))
	}
	if d.BBox != nil {
		for _, v := range d.BBox {
			if math.IsNaN(v) || v < 0 || v > 1 {
				return bad("bbox_norm components must be in [0,1]")
			}
		}
	}
	return domain.EstimateError{}, false
}

func selectTask(lib *tasklib.Library, ct string, runCodes map[string]string) (tasklib.TaskDef, bool, error) {
	if code, ok := runCodes[ct]; ok && code != "" {
		return lib.Task(ct, code)
	}
	t, err := lib.PrimaryTask(ct)
	return t, err == nil, err
}

func pageFor(pages map[string]domain.Page, id string) *domain.Page {
	if p, ok := pages[id]; ok {
		return &p
	}
	return nil
}

func lineID(runID, detectionID, taskCode string) string {
	sum := sha256.Sum256([]byte(runID + "|" + detectionID + "|" + taskCode))
	return "li_" + hex.EncodeToString(sum[:])[:16]
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
