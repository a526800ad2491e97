package gaps

import (
	"fmt"
	"sort"
	"strings"

	"launchbase/pkg/domain"
)

const (
	UnmappedHighThreshold        = 10
	FloorMajorityRatio           = 0.5
	FloorMinPages                = 3
	FloorMaxMissingPages         = 2
	LowConfidenceThreshold       = 0.6
	LowConfidenceClusterRatio    = 0.2
	LowConfidenceClusterMinCount = 3
	SymbolPackDriftMinPacks      = 2
)

const (
	CodeLegendUnmapped       = "LEGEND_UNMAPPED"
	CodeDetectionsUnmapped   = "DETECTIONS_UNMAPPED"
	CodeFloorImbalance       = "FLOOR_IMBALANCE"
	CodeHeadEndMissing       = "HEAD_END_MISSING"
	CodeLowConfidenceCluster = "LOW_CONFIDENCE_CLUSTER"
	CodeSymbolPackDrift      = "SYMBOL_PACK_DRIFT"
	CodeRuleError            = "RULE_ERROR"
)

// HeadEndDependencies maps a downstream device type to the upstream equipment
// it cannot work without.
var HeadEndDependencies = map[string][]string{
	"CCTV_CAMERA":           {"IDF_RACK"},
	"WIRELESS_ACCESS_POINT": {"IDF_RACK"},
	"DATA_OUTLET":           {"IDF_RACK"},
	"ACCESS_CONTROL_READER": {"ACCESS_CONTROL_PANEL"},
	"FIRE_ALARM_DEVICE":     {"FIRE_ALARM_PANEL"},
}

// legendUnmapped is G1.
func legendUnmapped(in Input) ([]domain.GapFlag, error) {
	index := in.packIndex()
	labels := map[string]struct{}{}
	for _, e := range in.Legend {
		if strings.TrimSpace(e.CanonicalType) != "" {
			continue
		}
		if index[e.RawLabel] != "" {
			continue
		}
		labels[e.RawLabel] = struct{}{}
	}
	if len(labels) == 0 {
		return nil, nil
	}
	raw := sortedSet(labels)
	return []domain.GapFlag{{
		Code:              CodeLegendUnmapped,
		Severity:          domain.GapSeverityHigh,
		Message:           fmt.Sprintf("%d legend entries have no canonical type", len(raw)),
		Evidence:          map[string]any{"raw_labels": raw, "count": len(raw)},
		RecommendedAction: "Map every legend symbol to a canonical type in the symbol pack before estimating.",
	}}, nil
}

// detectionsUnmapped is G2.
func detectionsUnmapped(in Input) ([]domain.GapFlag, error) {
	index := in.packIndex()
	classes := map[string]struct{}{}
	count := 0
	for _, d := range in.Detections {
		if d.Status == domain.DetectionRejected {
			continue
		}
		if domain.ResolveCanonicalType(d, index) != "" {
			continue
		}
		count++
		classes[d.RawClass] = struct{}{}
	}
	if count == 0 {
		return nil, nil
	}
	severity := domain.GapSeverityMedium
	if count > UnmappedHighThreshold {
		severity = domain.GapSeverityHigh
	}
	raw := sortedSet(classes)
	return []domain.GapFlag{{
		Code:              CodeDetectionsUnmapped,
		Severity:          severity,
		Message:           fmt.Sprintf("%d detections across %d raw classes have no canonical type", count, len(raw)),
		Evidence:          map[string]any{"raw_classes": raw, "count": count},
		RecommendedAction: "Add symbol pack mappings for the listed raw classes or reject the detections.",
	}}, nil
}

// floorImbalance is G3.
func floorImbalance(in Input) ([]domain.GapFlag, error) {
	pages := in.pageUniverse()
	if len(pages) < FloorMinPages {
		return nil, nil
	}
	index := in.packIndex()
	present := map[string]map[string]struct{}{}
	for _, d := range in.Detections {
		if d.Status == domain.DetectionRejected {
			continue
		}
		ct := domain.ResolveCanonicalType(d, index)
		if ct == "" {
			continue
		}
		if present[ct] == nil {
			present[ct] = map[string]struct{}{}
		}
		present[ct][d.PageID] = struct{}{}
	}

	var flags []domain.GapFlag
	for _, ct := range sortedKeys(present) {
		onPages := 0
		var missing []string
		for _, p := range pages {
			if _, ok := present[ct][p.PageID]; ok {
				onPages++
			} else {
				missing = append(missing, p.PageID)
			}
		}
		if float64(onPages)/float64(len(pages)) <= FloorMajorityRatio {
			continue
		}
		if len(missing) == 0 || len(missing) > FloorMaxMissingPages {
			continue
		}
		flags = append(flags, domain.GapFlag{
			Code:     CodeFloorImbalance,
			Severity: domain.GapSeverityMedium,
			Message:  fmt.Sprintf("%s appears on %d of %d pages but not on %s", ct, onPages, len(pages), strings.Join(missing, ", ")),
			Evidence: map[string]any{
				"canonical_type": ct,
				"missing_pages":  missing,
				"present_pages":  onPages,
				"total_pages":    len(pages),
			},
			RecommendedAction: "Check the listed pages for missed symbols before sign-off.",
		})
	}
	return flags, nil
}

// headEndMissing is G4.
func headEndMissing(in Input) ([]domain.GapFlag, error) {
	index := in.packIndex()
	counts := map[string]int{}
	for _, d := range in.Detections {
		if d.Status == domain.DetectionRejected {
			continue
		}
		if ct := domain.ResolveCanonicalType(d, index); ct != "" {
			counts[ct]++
		}
	}
	if len(in.Detections) == 0 {
		for _, li := range in.LineItems {
			counts[li.CanonicalType]++
		}
	}

	needed := map[string]int{}
	downstream := map[string]map[string]struct{}{}
	for ct, n := range counts {
		for _, up := range HeadEndDependencies[ct] {
			if counts[up] > 0 {
				continue
			}
			needed[up] += n
			if downstream[up] == nil {
				downstream[up] = map[string]struct{}{}
			}
			downstream[up][ct] = struct{}{}
		}
	}

	var flags []domain.GapFlag
	for _, up := range sortedKeys(needed) {
		types := sortedSet(downstream[up])
		flags = append(flags, domain.GapFlag{
			Code:     CodeHeadEndMissing,
			Severity: domain.GapSeverityHigh,
			Message:  fmt.Sprintf("%d devices (%s) require %s but none was detected", needed[up], strings.Join(types, ", "), up),
			Evidence: map[string]any{
				"requires":         up,
				"count":            needed[up],
				"downstream_types": types,
			},
			RecommendedAction: fmt.Sprintf("Locate the %s on the riser or head-end sheets, or add it to the estimate manually.", up),
		})
	}
	return flags, nil
}

// lowConfidenceCluster is G5.
func lowConfidenceCluster(in Input) ([]domain.GapFlag, error) {
	if len(in.LineItems) == 0 {
		return nil, nil
	}
	total := map[string]int{}
	low := map[string][]string{}
	for _, li := range in.LineItems {
		total[li.CanonicalType]++
		if li.Confidence.Overall < LowConfidenceThreshold {
			low[li.CanonicalType] = append(low[li.CanonicalType], li.LineID)
		}
	}
	var flags []domain.GapFlag
	for _, ct := range sortedKeys(total) {
		n := len(low[ct])
		ratio := float64(n) / float64(total[ct])
		if ratio <= LowConfidenceClusterRatio || n < LowConfidenceClusterMinCount {
			continue
		}
		flags = append(flags, domain.GapFlag{
			Code:     CodeLowConfidenceCluster,
			Severity: domain.GapSeverityMedium,
			Message:  fmt.Sprintf("%d of %d %s line items are below %.1f confidence", n, total[ct], ct, LowConfidenceThreshold),
			Evidence: map[string]any{
				"canonical_type":       ct,
				"low_confidence_count": n,
				"line_item_count":      total[ct],
				"ratio":                ratio,
				"line_ids":             low[ct],
			},
			RecommendedAction: "Verify the mapping for this type and re-run detection on the affected pages.",
		})
	}
	return flags, nil
}

type packMapping struct {
	PackID        string `json:"pack_id"`
	Version       string `json:"version"`
	CanonicalType string `json:"canonical_type"`
}

// symbolPackDrift is G6.
func symbolPackDrift(in Input) ([]domain.GapFlag, error) {
	packs := in.distinctPacks()
	if len(packs) < SymbolPackDriftMinPacks {
		return nil, nil
	}
	byRaw := map[string][]packMapping{}
	for _, p := range packs {
		idx := p.Index()
		for raw, ct := range idx {
			byRaw[raw] = append(byRaw[raw], packMapping{PackID: p.PackID, Version: p.Version, CanonicalType: ct})
		}
	}
	var flags []domain.GapFlag
	for _, raw := range sortedKeys(byRaw) {
		ms := byRaw[raw]
		types := map[string]struct{}{}
		for _, m := range ms {
			types[m.CanonicalType] = struct{}{}
		}
		if len(types) < 2 {
			continue
		}
		sort.Slice(ms, func(i, j int) bool {
			if ms[i].PackID != ms[j].PackID {
				return ms[i].PackID < ms[j].PackID
			}
			return ms[i].Version < ms[j].Version
		})
		flags = append(flags, domain.GapFlag{
			Code:     CodeSymbolPackDrift,
			Severity: domain.GapSeverityMedium,
			Message:  fmt.Sprintf("raw class %s maps to %s across symbol packs", raw, strings.Join(sortedSet(types), " / ")),
			Evidence: map[string]any{
				"raw_class": raw,
				"mappings":  ms,
			},
			RecommendedAction: "Agree on one canonical type for this symbol and update the conflicting packs.",
		})
	}
	return flags, nil
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
