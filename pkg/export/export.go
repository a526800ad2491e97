// Package export flattens an EstimateChainV1 payload into the three sheets
// estimators work from: Takeoff_Summary, Line_Items and Assumptions.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"launchbase/pkg/domain"
)

const (
	SheetTakeoffSummary = "Takeoff_Summary"
	SheetLineItems      = "Line_Items"
	SheetAssumptions    = "Assumptions"
)

var ErrNilEstimate = errors.New("export: nil estimate")

type Sheet struct {
	Name   string
	Header []string
	Rows   [][]string
}

// Sheets builds the three sheets in a fixed order. Row order follows the
// estimate, which is already deterministic.
func Sheets(out *domain.EstimateChainOutput) ([]Sheet, error) {
	if out == nil {
		return nil, ErrNilEstimate
	}
	return []Sheet{summarySheet(out), lineItemSheet(out), assumptionSheet(out)}, nil
}

func summarySheet(out *domain.EstimateChainOutput) Sheet {
	s := Sheet{Name: SheetTakeoffSummary, Header: []string{"canonical_type", "count", "labor_hours"}}
	total := 0
	for _, r := range out.Rollups.ByCanonicalType {
		s.Rows = append(s.Rows, []string{r.CanonicalType, strconv.Itoa(r.Count), num(r.LaborHours)})
		total += r.Count
	}
	s.Rows = append(s.Rows, []string{"TOTAL", strconv.Itoa(total), num(out.Rollups.LaborTotalHours)})
	for _, m := range out.Rollups.MaterialTotals {
		s.Rows = append(s.Rows, []string{"MATERIAL:" + m.MaterialCode, num(m.QtyWithWaste), m.UOM})
	}
	return s
}

func lineItemSheet(out *domain.EstimateChainOutput) Sheet {
	s := Sheet{Name: SheetLineItems, Header: []string{
		"line_id", "canonical_type", "task_code", "sheet", "page_number",
		"count", "uom", "base_hours", "labor_factor", "labor_hours", "crew",
		"materials", "material_cost", "labor_rate", "total",
		"confidence", "reasons", "raw_detection_id", "raw_class",
	}}
	for _, li := range out.LineItems {
		sheet, page := "", ""
		if li.Location.Sheet != nil {
			sheet = *li.Location.Sheet
		}
		if li.Location.PageNumber != nil {
			page = strconv.Itoa(*li.Location.PageNumber)
		}
		mats := make([]string, 0, len(li.Materials))
		for _, m := range li.Materials {
			mats = append(mats, fmt.Sprintf("%s=%s %s", m.MaterialCode, num(m.QtyWithWaste), m.UOM))
		}
		s.Rows = append(s.Rows, []string{
			li.LineID, li.CanonicalType, li.TaskCode, sheet, page,
			num(li.Quantity.Count), li.Quantity.UOM,
			num(li.Labor.BaseHours), num(li.Labor.Factor), num(li.Labor.Hours), li.Labor.Crew,
			strings.Join(mats, "; "),
			optNum(li.Pricing.MaterialCost), optNum(li.Pricing.LaborRate), optNum(li.Pricing.Total),
			num(li.Confidence.Overall), strings.Join(li.Confidence.Reasons, "|"),
			li.Provenance.RawDetectionID, li.Provenance.RawClass,
		})
	}
	return s
}

func assumptionSheet(out *domain.EstimateChainOutput) Sheet {
	s := Sheet{Name: SheetAssumptions, Header: []string{"kind", "code", "severity", "text"}}
	for _, a := range out.Assumptions {
		s.Rows = append(s.Rows, []string{"assumption", "", "", a})
	}
	for _, g := range out.Quality.GapFlags {
		s.Rows = append(s.Rows, []string{"gap_flag", g.Code, string(g.Severity), g.Message})
	}
	for _, e := range out.Errors {
		s.Rows = append(s.Rows, []string{"error", e.Code, "", e.Message})
	}
	return s
}

// WriteCSV writes the header and rows of s.
func WriteCSV(w io.Writer, s Sheet) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(s.Header); err != nil {
		return err
	}
	if err := cw.WriteAll(s.Rows); err != nil {
		return fmt.Errorf("write %s: %w", s.Name, err)
	}
	return nil
}

// WriteDir writes <dir>/<Sheet>.csv for every sheet and returns the paths.
func WriteDir(dir string, out *domain.EstimateChainOutput) ([]string, error) {
	sheets, err := Sheets(out)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(sheets))
	for _, s := range sheets {
		p := filepath.Join(dir, s.Name+".csv")
		f, err := os.Create(p)
		if err != nil {
			return nil, err
		}
		werr := WriteCSV(f, s)
		cerr := f.Close()
		if werr != nil {
			return nil, werr
		}
		if cerr != nil {
			return nil, cerr
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// optNum leaves absent prices blank rather than printing zero.
func optNum(v *float64) string {
	if v == nil {
		return ""
	}
	return num(*v)
}
