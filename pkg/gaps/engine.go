// Package gaps runs the structural gap rules G1-G6 over detection inputs and
// estimate output. Rules are advisory: a failing rule becomes a RULE_ERROR
// flag and never stops the others.
package gaps

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"launchbase/pkg/domain"
)

// Input is everything the rules look at. HistoricalPacks are packs previously
// used on the same project. LineItems are optional; G5 only runs when they are
// supplied.
type Input struct {
	Detections      []domain.Detection   `json:"detections"`
	Pages           []domain.Page        `json:"pages"`
	Legend          []domain.LegendEntry `json:"legend"`
	SymbolPack      *domain.SymbolPack   `json:"symbol_pack,omitempty"`
	HistoricalPacks []domain.SymbolPack  `json:"historical_packs"`
	LineItems       []domain.LineItem    `json:"line_items"`
}

func (in Input) packIndex() map[string]string {
	if in.SymbolPack == nil {
		return nil
	}
	return in.SymbolPack.Index()
}

// pageUniverse is the declared pages in page order, or the distinct pages
// referenced by detections when none are declared.
func (in Input) pageUniverse() []domain.Page {
	if len(in.Pages) > 0 {
		seen := map[string]struct{}{}
		out := make([]domain.Page, 0, len(in.Pages))
		for _, p := range in.Pages {
			if _, dup := seen[p.PageID]; dup {
				continue
			}
			seen[p.PageID] = struct{}{}
			out = append(out, p)
		}
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].PageNumber != out[j].PageNumber {
				return out[i].PageNumber < out[j].PageNumber
			}
			return out[i].PageID < out[j].PageID
		})
		return out
	}
	ids := map[string]struct{}{}
	for _, d := range in.Detections {
		if d.PageID != "" {
			ids[d.PageID] = struct{}{}
		}
	}
	out := make([]domain.Page, 0, len(ids))
	for _, id := range sortedSet(ids) {
		out = append(out, domain.Page{PageID: id})
	}
	return out
}

func (in Input) distinctPacks() []domain.SymbolPack {
	seen := map[string]struct{}{}
	var out []domain.SymbolPack
	add := func(p domain.SymbolPack) {
		key := p.PackID + "@" + p.Version
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	for _, p := range in.HistoricalPacks {
		add(p)
	}
	if in.SymbolPack != nil {
		add(*in.SymbolPack)
	}
	return out
}

// CheckFunc inspects the input and returns zero or more flags.
type CheckFunc func(Input) ([]domain.GapFlag, error)

type Rule struct {
	ID    string
	Name  string
	Check CheckFunc
}

func DefaultRules() []Rule {
	return []Rule{
		{ID: "G1", Name: "legend unmapped", Check: legendUnmapped},
		{ID: "G2", Name: "detections unmapped", Check: detectionsUnmapped},
		{ID: "G3", Name: "floor imbalance", Check: floorImbalance},
		{ID: "G4", Name: "head-end missing", Check: headEndMissing},
		{ID: "G5", Name: "low-confidence cluster", Check: lowConfidenceCluster},
		{ID: "G6", Name: "symbol pack drift", Check: symbolPackDrift},
	}
}

// RuleResult is the outcome of one rule: flags or an error, never both.
type RuleResult struct {
	RuleID string
	Flags  []domain.GapFlag
	Err    error
}

type Engine struct {
	Rules  []Rule
	Logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Rules: DefaultRules(), Logger: logger}
}

// Evaluate runs every rule inside its own recover boundary.
func (e *Engine) Evaluate(in Input) []RuleResult {
	out := make([]RuleResult, 0, len(e.Rules))
	for _, r := range e.Rules {
		out = append(out, runRule(r, in))
	}
	return out
}

func runRule(r Rule, in Input) (res RuleResult) {
	res.RuleID = r.ID
	defer func() {
		if p := recover(); p != nil {
			res.Flags = nil
			res.Err = fmt.Errorf("panic: %v", p)
		}
	}()
	if r.Check == nil {
		res.Err = fmt.Errorf("rule has no check")
		return res
	}
	flags, err := r.Check(in)
	if err != nil {
		res.Err = err
		return res
	}
	res.Flags = flags
	return res
}

// Detect evaluates all rules and folds the results into a flat flag list in
// rule order.
func (e *Engine) Detect(in Input) []domain.GapFlag {
	results := e.Evaluate(in)
	log := e.Logger
	if log == nil {
		log = zap.NewNop()
	}
	for _, r := range results {
		if r.Err != nil {
			log.Warn("gap rule failed", zap.String("rule_id", r.RuleID), zap.Error(r.Err))
		}
	}
	return Fold(results)
}

func Fold(results []RuleResult) []domain.GapFlag {
	flags := []domain.GapFlag{}
	for _, r := range results {
		if r.Err != nil {
			flags = append(flags, ruleErrorFlag(r.RuleID, r.Err))
			continue
		}
		flags = append(flags, r.Flags...)
	}
	return flags
}

func ruleErrorFlag(ruleID string, err error) domain.GapFlag {
	return domain.GapFlag{
		Code:              CodeRuleError,
		Severity:          domain.GapSeverityLow,
		Message:           fmt.Sprintf("gap rule %s failed: %v", ruleID, err),
		Evidence:          map[string]any{"rule_id": ruleID, "error": err.Error()},
		RecommendedAction: "Report the failing rule; the remaining rules were still evaluated.",
	}
}
