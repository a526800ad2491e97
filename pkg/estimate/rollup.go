package estimate

import (
	"fmt"
	"sort"

	"launchbase/pkg/domain"
)

func rollup(items []domain.LineItem) domain.Rollups {
	type matKey struct{ code, uom string }
	byType := map[string]*domain.CanonicalRollup{}
	mats := map[matKey]float64{}
	total := 0.0
	for _, it := range items {
		r, ok := byType[it.CanonicalType]
		if !ok {
			r = &domain.CanonicalRollup{CanonicalType: it.CanonicalType}
			byType[it.CanonicalType] = r
		}
		r.Count++
		r.LaborHours += it.Labor.Hours
		total += it.Labor.Hours
		for _, m := range it.Materials {
			mats[matKey{m.MaterialCode, m.UOM}] += m.QtyWithWaste
		}
	}

	out := domain.Rollups{
		ByCanonicalType: make([]domain.CanonicalRollup, 0, len(byType)),
		LaborTotalHours: round4(total),
		MaterialTotals:  make([]domain.MaterialTotal, 0, len(mats)),
	}
	for _, r := range byType {
		r.LaborHours = round4(r.LaborHours)
		out.ByCanonicalType = append(out.ByCanonicalType, *r)
	}
	sort.Slice(out.ByCanonicalType, func(i, j int) bool {
		return out.ByCanonicalType[i].CanonicalType < out.ByCanonicalType[j].CanonicalType
	})
	for k, q := range mats {
		out.MaterialTotals = append(out.MaterialTotals, domain.MaterialTotal{MaterialCode: k.code, UOM: k.uom, QtyWithWaste: round4(q)})
	}
	sort.Slice(out.MaterialTotals, func(i, j int) bool {
		a, b := out.MaterialTotals[i], out.MaterialTotals[j]
		if a.MaterialCode != b.MaterialCode {
			return a.MaterialCode < b.MaterialCode
		}
		return a.UOM < b.UOM
	})
	return out
}

// assemblyFlags are the coarse checks done at assembly time. The gaps
// package does the fine-grained analysis.
func assemblyFlags(out *domain.EstimateChainOutput) []domain.GapFlag {
	flags := []domain.GapFlag{}
	if n := len(out.LineItems); n > 0 {
		low := len(out.Quality.LowConfidenceItems)
		ratio := float64(low) / float64(n)
		if ratio > LowConfidenceRatioThreshold {
			flags = append(flags, domain.GapFlag{
				Code:     GapLowConfidenceRatio,
				Severity: domain.GapSeverityMedium,
				Message:  fmt.Sprintf("%d of %d line items have overall confidence below %.1f", low, n, LowOverallThreshold),
				Evidence: map[string]any{
					"low_confidence_count": low,
					"line_item_count":      n,
					"ratio":                round4(ratio),
				},
				RecommendedAction: "Review low-confidence line items and verify their symbol mappings before sign-off.",
			})
		}
	}
	if len(out.Quality.UnmappedClasses) > 0 {
		flags = append(flags, domain.GapFlag{
			Code:     GapUnmappedClasses,
			Severity: domain.GapSeverityMedium,
			Message:  fmt.Sprintf("%d raw classes could not be mapped to a canonical type", len(out.Quality.UnmappedClasses)),
			Evidence: map[string]any{
				"raw_classes": append([]string(nil), out.Quality.UnmappedClasses...),
			},
			RecommendedAction: "Add symbol pack mappings for the listed raw classes and re-run the estimate.",
		})
	}
	return flags
}
