package contracts

import (
	"fmt"
	"math"

	"launchbase/pkg/domain"
)

var estimateRequired = []string{"contract", "context", "assumptions", "line_items", "rollups", "quality", "errors"}

var confidenceReasons = map[string]struct{}{
	domain.ReasonLowDetectionConf:   {},
	domain.ReasonMappingNotApproved: {},
	domain.ReasonNonStandardTask:    {},
	domain.ReasonOK:                 {},
}

var gapSeverities = map[string]struct{}{
	string(domain.GapSeverityHigh):   {},
	string(domain.GapSeverityMedium): {},
	string(domain.GapSeverityLow):    {},
}

// overallTolerance absorbs the 4-decimal rounding applied by the assembler.
const overallTolerance = 5e-4

// ValidateEstimateChainV1 checks an assembled estimate before persistence.
// Per-line-item checks stop after MaxLineItemsValidated items.
func ValidateEstimateChainV1(input any) ValidationResult {
	root, short := rootObject(input, estimateRequired...)
	if short != nil {
		return *short
	}
	c := &issues{}
	name, version, hash := checkContract(c, root["contract"], domain.ContractEstimateChainV1)

	if ctx, ok := objectAt(c, "context", root["context"]); ok {
		nonEmptyString(c, ctx, "context", "project_id")
	}

	if assumptions, ok := arrayField(c, root, "", "assumptions"); ok {
		for i, a := range assumptions {
			if _, ok := a.(string); !ok {
				c.add(indexPath("assumptions", i), "must be a string, got "+typeName(a), a)
			}
		}
	}

	if items, ok := arrayField(c, root, "", "line_items"); ok {
		for i, it := range items {
			if i >= MaxLineItemsValidated {
				break
			}
			checkLineItem(c, indexPath("line_items", i), it)
		}
	}

	if rollups, ok := objectAt(c, "rollups", root["rollups"]); ok {
		checkRollups(c, rollups)
	}

	if quality, ok := objectAt(c, "quality", root["quality"]); ok {
		checkQuality(c, quality)
	}

	if errs, ok := arrayField(c, root, "", "errors"); ok {
		for i, e := range errs {
			path := indexPath("errors", i)
			obj, ok := objectAt(c, path, e)
			if !ok {
				continue
			}
			nonEmptyString(c, obj, path, "code")
			stringField(c, obj, path, "message")
		}
	}

	return c.result(name, version, hash)
}

func checkLineItem(c *issues, path string, v any) {
	obj, ok := objectAt(c, path, v)
	if !ok {
		return
	}
	nonEmptyString(c, obj, path, "line_id")
	nonEmptyString(c, obj, path, "canonical_type")
	nonEmptyString(c, obj, path, "task_code")

	if loc, ok := objectAt(c, joinPath(path, "location"), obj["location"]); ok {
		lp := joinPath(path, "location")
		optionalNullableString(c, loc, lp, "sheet")
		if pn, present := loc["page_number"]; present && pn != nil {
			integerField(c, loc, lp, "page_number", 1)
		}
		bboxField(c, loc, lp, "bbox_norm", true)
	}

	if q, ok := objectAt(c, joinPath(path, "quantity"), obj["quantity"]); ok {
		qp := joinPath(path, "quantity")
		numberField(c, q, qp, "count", 0)
		nonEmptyString(c, q, qp, "uom")
	}

	if l, ok := objectAt(c, joinPath(path, "labor"), obj["labor"]); ok {
		lp := joinPath(path, "labor")
		numberField(c, l, lp, "base_hours", 0)
		numberField(c, l, lp, "factor", 0)
		numberField(c, l, lp, "hours", 0)
		stringField(c, l, lp, "crew")
		stringField(c, l, lp, "basis")
	}

	if mats, ok := arrayField(c, obj, path, "materials"); ok {
		for j, m := range mats {
			mp := indexPath(joinPath(path, "materials"), j)
			mo, ok := objectAt(c, mp, m)
			if !ok {
				continue
			}
			nonEmptyString(c, mo, mp, "material_code")
			numberField(c, mo, mp, "qty", 0)
			stringField(c, mo, mp, "uom")
			unitInterval(c, mo, mp, "waste_factor")
			numberField(c, mo, mp, "qty_with_waste", 0)
		}
	}

	if p, ok := objectAt(c, joinPath(path, "pricing"), obj["pricing"]); ok {
		pp := joinPath(path, "pricing")
		optionalNullableNumber(c, p, pp, "material_cost", 0)
		optionalNullableNumber(c, p, pp, "labor_rate", 0)
		optionalNullableNumber(c, p, pp, "total", 0)
	}

	if conf, ok := objectAt(c, joinPath(path, "confidence"), obj["confidence"]); ok {
		cp := joinPath(path, "confidence")
		det, okD := unitInterval(c, conf, cp, "detection")
		mapping, okM := unitInterval(c, conf, cp, "mapping")
		rules, okR := unitInterval(c, conf, cp, "rules")
		overall, okO := unitInterval(c, conf, cp, "overall")
		if okD && okM && okR && okO {
			want := math.Min(1, math.Max(0, det*mapping*rules))
			if math.Abs(overall-want) > overallTolerance {
				c.add(joinPath(cp, "overall"), fmt.Sprintf("must equal detection x mapping x rules (%.4f)", want), conf["overall"])
			}
		}
		if reasons, ok := arrayField(c, conf, cp, "reasons"); ok {
			for j, r := range reasons {
				rp := indexPath(joinPath(cp, "reasons"), j)
				s, ok := r.(string)
				if !ok {
					c.add(rp, "must be a string, got "+typeName(r), r)
					continue
				}
				if _, ok := confidenceReasons[s]; !ok {
					c.add(rp, "must be one of "+joinAllowed(confidenceReasons), s)
				}
			}
		}
	}

	if prov, ok := objectAt(c, joinPath(path, "provenance"), obj["provenance"]); ok {
		pp := joinPath(path, "provenance")
		nonEmptyString(c, prov, pp, "raw_detection_id")
		stringField(c, prov, pp, "raw_class")
		stringField(c, prov, pp, "mapping_version")
		stringField(c, prov, pp, "rule_version")
	}
}

func checkRollups(c *issues, obj map[string]any) {
	const base = "rollups"
	if by, ok := arrayField(c, obj, base, "by_canonical_type"); ok {
		for i, r := range by {
			path := indexPath(joinPath(base, "by_canonical_type"), i)
			ro, ok := objectAt(c, path, r)
			if !ok {
				continue
			}
			nonEmptyString(c, ro, path, "canonical_type")
			integerField(c, ro, path, "count", 0)
			numberField(c, ro, path, "labor_hours", 0)
		}
	}
	numberField(c, obj, base, "labor_total_hours", 0)
	if mats, ok := arrayField(c, obj, base, "material_totals"); ok {
		for i, m := range mats {
			path := indexPath(joinPath(base, "material_totals"), i)
			mo, ok := objectAt(c, path, m)
			if !ok {
				continue
			}
			nonEmptyString(c, mo, path, "material_code")
			stringField(c, mo, path, "uom")
			numberField(c, mo, path, "qty_with_waste", 0)
		}
	}
}

func checkQuality(c *issues, obj map[string]any) {
	const base = "quality"
	for _, key := range []string{"unmapped_classes", "low_confidence_items"} {
		arr, ok := arrayField(c, obj, base, key)
		if !ok {
			continue
		}
		for i, v := range arr {
			if _, ok := v.(string); !ok {
				c.add(indexPath(joinPath(base, key), i), "must be a string, got "+typeName(v), v)
			}
		}
	}
	if flags, ok := arrayField(c, obj, base, "gap_flags"); ok {
		for i, f := range flags {
			path := indexPath(joinPath(base, "gap_flags"), i)
			fo, ok := objectAt(c, path, f)
			if !ok {
				continue
			}
			nonEmptyString(c, fo, path, "code")
			enumField(c, fo, path, "severity", gapSeverities, true)
			stringField(c, fo, path, "message")
			nonEmptyString(c, fo, path, "recommended_action")
			if ev, present := fo["evidence"]; present && ev != nil {
				objectAt(c, joinPath(path, "evidence"), ev)
			}
		}
	}
}
