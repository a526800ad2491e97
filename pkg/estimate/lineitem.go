package estimate

import (
	"fmt"
	"math"

	"launchbase/pkg/domain"
	"launchbase/pkg/tasklib"
)

// effective holds factors after applying run > project > library precedence.
type effective struct {
	laborFactor float64
	wasteFactor float64
	crew        string
	laborRate   *float64
	unitCosts   map[string]float64
	costed      bool
}

func indexOverrides(list []domain.ProjectTaskOverride) (map[string]domain.ProjectTaskOverride, error) {
	out := make(map[string]domain.ProjectTaskOverride, len(list))
	for i, o := range list {
		if o.CanonicalType == "" || o.TaskCode == "" {
			return nil, fmt.Errorf("%w: project override %d needs canonical_type and task_code", ErrInvalidOverride, i)
		}
		if err := checkFactors(o.LaborFactor, o.WasteFactor, o.LaborRate, o.MaterialUnitCosts); err != nil {
			return nil, fmt.Errorf("%w: project override %s: %v", ErrInvalidOverride, domain.OverrideKey(o.CanonicalType, o.TaskCode), err)
		}
		// Later entries for the same key replace earlier ones.
		out[domain.OverrideKey(o.CanonicalType, o.TaskCode)] = o
	}
	return out, nil
}

func checkRunOverrides(o domain.RunOverrides) error {
	if err := checkFactors(o.LaborFactor, o.WasteFactor, o.LaborRate, o.MaterialUnitCosts); err != nil {
		return fmt.Errorf("%w: run override: %v", ErrInvalidOverride, err)
	}
	return nil
}

func checkFactors(labor, waste, rate *float64, costs map[string]float64) error {
	if labor != nil && (math.IsNaN(*labor) || *labor < 0) {
		return fmt.Errorf("labor_factor must be >= 0")
	}
	if waste != nil && (math.IsNaN(*waste) || *waste < 0 || *waste > 1) {
		return fmt.Errorf("waste_factor must be in [0,1]")
	}
	if rate != nil && (math.IsNaN(*rate) || *rate < 0) {
		return fmt.Errorf("labor_rate must be >= 0")
	}
	for code, c := range costs {
		if math.IsNaN(c) || c < 0 {
			return fmt.Errorf("material_unit_costs[%s] must be >= 0", code)
		}
	}
	return nil
}

func resolveEffective(lib *tasklib.Library, task tasklib.TaskDef, ct string, run domain.RunOverrides, proj map[string]domain.ProjectTaskOverride) effective {
	eff := effective{
		laborFactor: lib.Defaults.LaborFactor,
		wasteFactor: lib.EffectiveWaste(task),
		crew:        task.Crew,
	}
	if eff.laborFactor == 0 {
		eff.laborFactor = 1
	}
	p, hasProj := proj[domain.OverrideKey(ct, task.TaskCode)]
	if hasProj {
		if p.LaborFactor != nil {
			eff.laborFactor = *p.LaborFactor
		}
		if p.WasteFactor != nil {
			eff.wasteFactor = *p.WasteFactor
		}
		if p.Crew != nil && *p.Crew != "" {
			eff.crew = *p.Crew
		}
		eff.laborRate = p.LaborRate
	}
	if run.LaborFactor != nil {
		eff.laborFactor = *run.LaborFactor
	}
	if run.WasteFactor != nil {
		eff.wasteFactor = *run.WasteFactor
	}
	if run.Crew != nil && *run.Crew != "" {
		eff.crew = *run.Crew
	}
	if run.LaborRate != nil {
		eff.laborRate = run.LaborRate
	}

	costs := map[string]float64{}
	if hasProj {
		for k, v := range p.MaterialUnitCosts {
			costs[k] = v
		}
	}
	for k, v := range run.MaterialUnitCosts {
		costs[k] = v
	}
	eff.unitCosts = costs
	eff.costed = eff.laborRate != nil || len(costs) > 0
	return eff
}

type lineInput struct {
	runID          string
	detection      domain.Detection
	canonicalType  string
	task           tasklib.TaskDef
	primary        bool
	library        *tasklib.Library
	page           *domain.Page
	eff            effective
	mappingVersion string
}

func buildLineItem(in lineInput) domain.LineItem {
	d := in.detection
	item := domain.LineItem{
		LineID:        lineID(in.runID, d.ID, in.task.TaskCode),
		CanonicalType: in.canonicalType,
		TaskCode:      in.task.TaskCode,
		Location:      location(in.page, d),
		Quantity:      domain.Quantity{Count: 1, UOM: "EA"},
		Labor: domain.Labor{
			BaseHours: round4(in.task.BaseHours),
			Factor:    round4(in.eff.laborFactor),
			Hours:     round4(in.task.BaseHours * in.eff.laborFactor),
			Crew:      in.eff.crew,
			Basis:     in.task.Basis,
		},
		Materials: make([]domain.MaterialLine, 0, len(in.task.Materials)),
		Provenance: domain.Provenance{
			RawDetectionID: d.ID,
			RawClass:       d.RawClass,
			MappingVersion: in.mappingVersion,
			RuleVersion:    in.library.VersionLabel(),
		},
	}
	for _, m := range in.task.Materials {
		item.Materials = append(item.Materials, domain.MaterialLine{
			MaterialCode: m.MaterialCode,
			Qty:          round4(m.QtyPerEA),
			UOM:          m.UOM,
			WasteFactor:  round4(in.eff.wasteFactor),
			QtyWithWaste: round4(m.QtyPerEA * (1 + in.eff.wasteFactor)),
		})
	}
	item.Pricing = price(item, in.eff)
	item.Confidence = score(d, in.primary && !in.task.NonStandard)
	return item
}

func location(p *domain.Page, d domain.Detection) domain.Location {
	var loc domain.Location
	if p != nil {
		n := p.PageNumber
		loc.PageNumber = &n
		if p.Sheet != "" {
			s := p.Sheet
			loc.Sheet = &s
		}
	}
	if d.BBox != nil {
		b := *d.BBox
		loc.BBoxNorm = &b
	}
	return loc
}

// price never invents a figure: material cost needs a unit cost for every
// material line, and total needs both material cost and a labor rate.
func price(item domain.LineItem, eff effective) domain.Pricing {
	var p domain.Pricing
	if !eff.costed {
		return p
	}
	if eff.laborRate != nil {
		r := round2(*eff.laborRate)
		p.LaborRate = &r
	}
	material := 0.0
	covered := true
	for _, m := range item.Materials {
		c, ok := eff.unitCosts[m.MaterialCode]
		if !ok {
			covered = false
			break
		}
		material += m.QtyWithWaste * c
	}
	if covered {
		mc := round2(material)
		p.MaterialCost = &mc
	}
	if p.MaterialCost != nil && p.LaborRate != nil {
		total := round2(*p.MaterialCost + item.Labor.Hours * *p.LaborRate)
		p.Total = &total
	}
	return p
}

func score(d domain.Detection, standard bool) domain.Confidence {
	det := round4(clamp01(d.Confidence))
	mapping := MappingMapped
	if d.Status == domain.DetectionVerified {
		mapping = MappingVerified
	}
	rules := RulesNonStd
	if standard {
		rules = RulesStandard
	}
	c := domain.Confidence{
		Detection: det,
		Mapping:   mapping,
		Rules:     rules,
		Overall:   round4(clamp01(det * mapping * rules)),
		Reasons:   []string{},
	}
	if det < LowDetectionThreshold {
		c.Reasons = append(c.Reasons, domain.ReasonLowDetectionConf)
	}
	if d.Status != domain.DetectionVerified {
		c.Reasons = append(c.Reasons, domain.ReasonMappingNotApproved)
	}
	if !standard {
		c.Reasons = append(c.Reasons, domain.ReasonNonStandardTask)
	}
	if len(c.Reasons) == 0 && c.Overall >= OKThreshold {
		c.Reasons = append(c.Reasons, domain.ReasonOK)
	}
	return c
}
