package domain

import (
	"errors"
	"fmt"
	"strings"
)

type DetectionStatus string

const (
	DetectionRaw      DetectionStatus = "raw"
	DetectionMapped   DetectionStatus = "mapped"
	DetectionVerified DetectionStatus = "verified"
	DetectionRejected DetectionStatus = "rejected"
)

var validDetectionStatuses = map[DetectionStatus]struct{}{
	DetectionRaw:      {},
	DetectionMapped:   {},
	DetectionVerified: {},
	DetectionRejected: {},
}

func (s DetectionStatus) Valid() bool {
	_, ok := validDetectionStatuses[s]
	return ok
}

// BBox is a normalized bounding box [x0, y0, x1, y1] with every component in [0,1].
type BBox [4]float64

// Detection is a single machine-vision finding on a blueprint page.
type Detection struct {
	ID            string          `json:"id"`
	PageID        string          `json:"page_id"`
	RawClass      string          `json:"raw_class"`
	Confidence    float64         `json:"confidence"`
	CanonicalType string          `json:"canonical_type,omitempty"`
	Status        DetectionStatus `json:"status"`
	BBox          *BBox           `json:"bbox_norm,omitempty"`
}

type Page struct {
	PageID     string `json:"page_id"`
	PageNumber int    `json:"page_number"`
	Sheet      string `json:"sheet,omitempty"`
}

type LegendEntry struct {
	RawLabel      string `json:"raw_label"`
	CanonicalType string `json:"canonical_type,omitempty"`
}

type SymbolMapping struct {
	RawClass      string `json:"raw_class"`
	CanonicalType string `json:"canonical_type"`
}

// SymbolPack is an ordered rawClass -> canonicalType mapping for one project
// or drawing set. The first mapping for a raw class wins.
type SymbolPack struct {
	PackID   string          `json:"pack_id"`
	Version  string          `json:"version"`
	Mappings []SymbolMapping `json:"mappings"`
}

var ErrInvalidSymbolPack = errors.New("invalid symbol pack")

// Validate reports structural problems that make the pack unusable.
func (p SymbolPack) Validate() error {
	if strings.TrimSpace(p.PackID) == "" {
		return fmt.Errorf("%w: pack_id is required", ErrInvalidSymbolPack)
	}
	for i, m := range p.Mappings {
		if strings.TrimSpace(m.RawClass) == "" {
			return fmt.Errorf("%w: mappings[%d].raw_class is required", ErrInvalidSymbolPack, i)
		}
		if strings.TrimSpace(m.CanonicalType) == "" {
			return fmt.Errorf("%w: mappings[%d].canonical_type is required", ErrInvalidSymbolPack, i)
		}
	}
	return nil
}

// Index returns the lookup table for the pack, honoring first-wins order.
func (p SymbolPack) Index() map[string]string {
	out := make(map[string]string, len(p.Mappings))
	for _, m := range p.Mappings {
		if _, seen := out[m.RawClass]; seen {
			continue
		}
		out[m.RawClass] = m.CanonicalType
	}
	return out
}

// VersionLabel identifies the pack in line-item provenance.
func (p SymbolPack) VersionLabel() string {
	if p.Version == "" {
		return p.PackID
	}
	return p.PackID + "@" + p.Version
}

// ResolveCanonicalType returns the explicit canonical type of d, falling back
// to the pack index. The empty string means unresolved.
func ResolveCanonicalType(d Detection, index map[string]string) string {
	if ct := strings.TrimSpace(d.CanonicalType); ct != "" {
		return ct
	}
	if index == nil {
		return ""
	}
	return index[d.RawClass]
}
