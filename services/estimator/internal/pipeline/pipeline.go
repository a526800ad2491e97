// Package pipeline runs one estimate: assemble, score gaps, validate the
// output against EstimateChainV1 and persist it with its schema hash.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"launchbase/pkg/contracts"
	"launchbase/pkg/domain"
	"launchbase/pkg/estimate"
	"launchbase/pkg/gaps"
	"launchbase/pkg/refdata"
	"launchbase/services/estimator/internal/store"
)

type Request struct {
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id"`
	// Blueprint is an optional BlueprintParseV1 document. When present it is
	// validated and supplies detections, pages and legend.
	Blueprint        json.RawMessage              `json:"blueprint,omitempty"`
	Detections       []domain.Detection           `json:"detections"`
	Pages            []domain.Page                `json:"pages"`
	Legend           []domain.LegendEntry         `json:"legend"`
	SymbolPack       *domain.SymbolPack           `json:"symbol_pack,omitempty"`
	HistoricalPacks  []domain.SymbolPack          `json:"historical_packs"`
	ProjectOverrides []domain.ProjectTaskOverride `json:"project_overrides"`
	RunOverrides     domain.RunOverrides          `json:"run_overrides"`
}

type Result struct {
	EstimateID string                      `json:"estimate_id"`
	SchemaHash string                      `json:"schema_hash"`
	Estimate   *domain.EstimateChainOutput `json:"estimate"`
	Persisted  bool                        `json:"persisted"`
}

// ContractError reports a payload that failed contract validation on the way
// in (blueprint) or on the way out (assembled estimate).
type ContractError struct {
	Stage  string
	Result contracts.ValidationResult
}

func (e *ContractError) Error() string {
	return e.Stage + ": " + e.Result.Error()
}

var ErrInvalidRequest = errors.New("invalid estimate request")

type EstimateStore interface {
	SaveEstimate(ctx context.Context, e store.EstimateRecord) error
}

type Pipeline struct {
	Snapshot  *refdata.Snapshot
	Assembler *estimate.Assembler
	Gaps      *gaps.Engine
	Estimates EstimateStore
	Logger    *zap.Logger
	Now       func() time.Time
	NewID     func() string
}

func New(snap *refdata.Snapshot, estimates EstimateStore, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		Snapshot:  snap,
		Assembler: estimate.New(logger),
		Gaps:      gaps.NewEngine(logger),
		Estimates: estimates,
		Logger:    logger,
		Now:       time.Now,
		NewID:     func() string { return "est_" + uuid.NewString() },
	}
}

func (p *Pipeline) Run(ctx context.Context, tenantID string, req Request) (Result, error) {
	if err := p.fromBlueprint(&req); err != nil {
		return Result{}, err
	}
	schemaHash, err := p.Snapshot.SchemaHash(domain.ContractEstimateChainV1)
	if err != nil {
		return Result{}, fmt.Errorf("schema hash: %w", err)
	}
	out, err := p.Assembler.Assemble(estimate.Input{
		ProjectID:        req.ProjectID,
		RunID:            req.RunID,
		Detections:       req.Detections,
		Pages:            req.Pages,
		SymbolPack:       req.SymbolPack,
		Library:          p.Snapshot.Library,
		ProjectOverrides: req.ProjectOverrides,
		RunOverrides:     req.RunOverrides,
		SchemaHash:       schemaHash,
		ContractVersion:  p.Snapshot.ContractVersion(domain.ContractEstimateChainV1),
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	flags := p.Gaps.Detect(gaps.Input{
		Detections:      req.Detections,
		Pages:           req.Pages,
		Legend:          req.Legend,
		SymbolPack:      req.SymbolPack,
		HistoricalPacks: req.HistoricalPacks,
		LineItems:       out.LineItems,
	})
	out.Quality.GapFlags = append(out.Quality.GapFlags, flags...)

	body, err := json.Marshal(out)
	if err != nil {
		return Result{}, fmt.Errorf("encode estimate: %w", err)
	}
	if vr := p.Snapshot.Validator().ValidateJSON(domain.ContractEstimateChainV1, body); !vr.Valid {
		p.Logger.Error("assembled estimate failed contract validation",
			zap.String("project_id", req.ProjectID),
			zap.String("run_id", req.RunID),
			zap.Int("errors", len(vr.Errors)))
		return Result{}, &ContractError{Stage: "estimate", Result: vr}
	}

	res := Result{EstimateID: p.NewID(), SchemaHash: schemaHash, Estimate: out}
	if p.Estimates != nil {
		rec := store.EstimateRecord{
			EstimateID:      res.EstimateID,
			TenantID:        tenantID,
			ProjectID:       req.ProjectID,
			RunID:           req.RunID,
			ContractName:    out.Contract.Name,
			ContractVersion: out.Contract.Version,
			SchemaHash:      schemaHash,
			TaskLibraryHash: out.Context.TaskLibrary.Hash,
			GapFlagCount:    len(out.Quality.GapFlags),
			Body:            body,
			CreatedAt:       p.Now().UTC(),
		}
		if err := p.Estimates.SaveEstimate(ctx, rec); err != nil {
			return Result{}, fmt.Errorf("save estimate: %w", err)
		}
		res.Persisted = true
	}
	p.Logger.Info("estimate completed",
		zap.String("estimate_id", res.EstimateID),
		zap.String("project_id", req.ProjectID),
		zap.String("run_id", req.RunID),
		zap.Int("line_items", len(out.LineItems)),
		zap.Int("gap_flags", len(out.Quality.GapFlags)),
		zap.Bool("persisted", res.Persisted))
	return res, nil
}

// Analyze runs the gap rules alone.
func (p *Pipeline) Analyze(in gaps.Input) []domain.GapFlag {
	return p.Gaps.Detect(in)
}

type blueprintDetection struct {
	DetectionID   string                 `json:"detection_id"`
	PageID        string                 `json:"page_id"`
	RawClass      string                 `json:"raw_class"`
	Confidence    float64                `json:"confidence"`
	CanonicalType *string                `json:"canonical_type"`
	Status        domain.DetectionStatus `json:"status"`
	BBox          *domain.BBox           `json:"bbox_norm"`
}

type blueprintPage struct {
	PageID     string  `json:"page_id"`
	PageNumber int     `json:"page_number"`
	Sheet      *string `json:"sheet"`
}

type blueprintDoc struct {
	Pages      []blueprintPage      `json:"pages"`
	Detections []blueprintDetection `json:"detections"`
	Legend     []domain.LegendEntry `json:"legend"`
}

// fromBlueprint replaces the request's detections, pages and legend with the
// blueprint's. Raw detections that the symbol pack resolves become mapped.
func (p *Pipeline) fromBlueprint(req *Request) error {
	if len(req.Blueprint) == 0 || strings.TrimSpace(string(req.Blueprint)) == "null" {
		return nil
	}
	if vr := p.Snapshot.Validator().ValidateJSON(domain.ContractBlueprintParseV1, req.Blueprint); !vr.Valid {
		return &ContractError{Stage: "blueprint", Result: vr}
	}
	var doc blueprintDoc
	if err := json.Unmarshal(req.Blueprint, &doc); err != nil {
		return fmt.Errorf("%w: decode blueprint: %v", ErrInvalidRequest, err)
	}
	var index map[string]string
	if req.SymbolPack != nil {
		index = req.SymbolPack.Index()
	}

	req.Pages = make([]domain.Page, 0, len(doc.Pages))
	for _, pg := range doc.Pages {
		page := domain.Page{PageID: pg.PageID, PageNumber: pg.PageNumber}
		if pg.Sheet != nil {
			page.Sheet = *pg.Sheet
		}
		req.Pages = append(req.Pages, page)
	}
	req.Detections = make([]domain.Detection, 0, len(doc.Detections))
	for _, d := range doc.Detections {
		det := domain.Detection{
			ID:         d.DetectionID,
			PageID:     d.PageID,
			RawClass:   d.RawClass,
			Confidence: d.Confidence,
			Status:     d.Status,
			BBox:       d.BBox,
		}
		if d.CanonicalType != nil {
			det.CanonicalType = *d.CanonicalType
		}
		if det.Status == "" {
			det.Status = domain.DetectionRaw
		}
		if det.Status == domain.DetectionRaw && domain.ResolveCanonicalType(det, index) != "" {
			det.Status = domain.DetectionMapped
		}
		req.Detections = append(req.Detections, det)
	}
	req.Legend = doc.Legend
	return nil
}
