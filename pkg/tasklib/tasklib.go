// Package tasklib loads the versioned catalogue mapping canonical device types
// to labor and material task definitions.
package tasklib

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"launchbase/pkg/canonhash"
)

type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type CrewProfile struct {
	Members     int    `json:"members"`
	Description string `json:"description"`
}

type Defaults struct {
	WasteFactor  float64                `json:"waste_factor"`
	LaborFactor  float64                `json:"labor_factor"`
	CrewProfiles map[string]CrewProfile `json:"crew_profiles"`
}

type Material struct {
	MaterialCode string  `json:"material_code"`
	QtyPerEA     float64 `json:"qty_per_ea"`
	UOM          string  `json:"uom"`
}

type TaskDef struct {
	TaskCode    string     `json:"task_code"`
	Basis       string     `json:"basis"`
	BaseHours   float64    `json:"base_hours"`
	Crew        string     `json:"crew"`
	WasteFactor *float64   `json:"waste_factor,omitempty"`
	NonStandard bool       `json:"non_standard,omitempty"`
	Materials   []Material `json:"materials"`
}

type CanonicalDef struct {
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Tasks       []TaskDef `json:"tasks"`
}

// Library is read-only after Parse returns.
type Library struct {
	Library   Info                    `json:"library"`
	Defaults  Defaults                `json:"defaults"`
	Canonical map[string]CanonicalDef `json:"canonical"`

	hash string
}

var (
	ErrInvalidLibrary = errors.New("invalid task library")
	ErrUnknownType    = errors.New("canonical type not in task library")
	ErrUnknownTask    = errors.New("task code not defined for canonical type")
)

func Parse(b []byte) (*Library, error) {
	var lib Library
	if err := json.Unmarshal(b, &lib); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLibrary, err)
	}
	if err := lib.validate(); err != nil {
		return nil, err
	}
	h, err := canonhash.SumCanonical(b)
	if err != nil {
		return nil, fmt.Errorf("%w: hash: %v", ErrInvalidLibrary, err)
	}
	lib.hash = h
	return &lib, nil
}

func LoadFile(path string) (*Library, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task library %s: %w", path, err)
	}
	return Parse(b)
}

func (l *Library) validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidLibrary, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(l.Library.Name) == "" {
		return bad("library.name is required")
	}
	if strings.TrimSpace(l.Library.Version) == "" {
		return bad("library.version is required")
	}
	if l.Defaults.WasteFactor < 0 || l.Defaults.WasteFactor > 1 {
		return bad("defaults.waste_factor must be in [0,1]")
	}
	if l.Defaults.LaborFactor < 0 {
		return bad("defaults.labor_factor must be >= 0")
	}
	if len(l.Canonical) == 0 {
		return bad("canonical must define at least one type")
	}
	for _, ct := range l.Types() {
		def := l.Canonical[ct]
		if len(def.Tasks) == 0 {
			return bad("canonical.%s.tasks must not be empty", ct)
		}
		codes := map[string]struct{}{}
		for i, t := range def.Tasks {
			p := fmt.Sprintf("canonical.%s.tasks[%d]", ct, i)
			if strings.TrimSpace(t.TaskCode) == "" {
				return bad("%s.task_code is required", p)
			}
			if _, dup := codes[t.TaskCode]; dup {
				return bad("%s.task_code %s is duplicated", p, t.TaskCode)
			}
			codes[t.TaskCode] = struct{}{}
			if t.BaseHours < 0 {
				return bad("%s.base_hours must be >= 0", p)
			}
			if t.WasteFactor != nil && (*t.WasteFactor < 0 || *t.WasteFactor > 1) {
				return bad("%s.waste_factor must be in [0,1]", p)
			}
			for j, m := range t.Materials {
				if strings.TrimSpace(m.MaterialCode) == "" {
					return bad("%s.materials[%d].material_code is required", p, j)
				}
				if m.QtyPerEA < 0 {
					return bad("%s.materials[%d].qty_per_ea must be >= 0", p, j)
				}
			}
		}
	}
	return nil
}

// Hash is the canonical SHA-256 of the library document as loaded.
func (l *Library) Hash() string { return l.hash }

// VersionLabel identifies the library in line-item provenance.
func (l *Library) VersionLabel() string { return l.Library.Name + "@" + l.Library.Version }

// Types returns the canonical types in sorted order.
func (l *Library) Types() []string {
	out := make([]string, 0, len(l.Canonical))
	for ct := range l.Canonical {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

// PrimaryTask returns the first task declared for canonicalType.
func (l *Library) PrimaryTask(canonicalType string) (TaskDef, error) {
	def, ok := l.Canonical[canonicalType]
	if !ok || len(def.Tasks) == 0 {
		return TaskDef{}, fmt.Errorf("%w: %s", ErrUnknownType, canonicalType)
	}
	return def.Tasks[0], nil
}

// Task returns the named task and whether it is the primary one.
func (l *Library) Task(canonicalType, taskCode string) (TaskDef, bool, error) {
	def, ok := l.Canonical[canonicalType]
	if !ok {
		return TaskDef{}, false, fmt.Errorf("%w: %s", ErrUnknownType, canonicalType)
	}
	for i, t := range def.Tasks {
		if t.TaskCode == taskCode {
			return t, i == 0, nil
		}
	}
	return TaskDef{}, false, fmt.Errorf("%w: %s/%s", ErrUnknownTask, canonicalType, taskCode)
}

// EffectiveWaste is the task's waste factor or the library default.
func (l *Library) EffectiveWaste(t TaskDef) float64 {
	if t.WasteFactor != nil {
		return *t.WasteFactor
	}
	return l.Defaults.WasteFactor
}
