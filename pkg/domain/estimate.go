package domain

const (
	ContractBlueprintParseV1 = "BlueprintParseV1"
	ContractEstimateChainV1  = "EstimateChainV1"
)

type Producer struct {
	Tool         string `json:"tool"`
	ToolVersion  string `json:"tool_version"`
	Runtime      string `json:"runtime"`
	ModelVersion string `json:"model_version,omitempty"`
}

// Contract identifies who produced a payload and against which schema.
type Contract struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	SchemaHash string   `json:"schema_hash"`
	Producer   Producer `json:"producer"`
}

// ProjectTaskOverride adjusts one (canonicalType, taskCode) pair for a project.
// Nil fields fall through to the task library default.
type ProjectTaskOverride struct {
	CanonicalType     string             `json:"canonical_type"`
	TaskCode          string             `json:"task_code"`
	LaborFactor       *float64           `json:"labor_factor,omitempty"`
	WasteFactor       *float64           `json:"waste_factor,omitempty"`
	Crew              *string            `json:"crew,omitempty"`
	MaterialUnitCosts map[string]float64 `json:"material_unit_costs,omitempty"`
	LaborRate         *float64           `json:"labor_rate,omitempty"`
}

func OverrideKey(canonicalType, taskCode string) string {
	return canonicalType + "::" + taskCode
}

// RunOverrides apply to every line item of one run and win over project overrides.
type RunOverrides struct {
	LaborFactor       *float64           `json:"labor_factor,omitempty"`
	WasteFactor       *float64           `json:"waste_factor,omitempty"`
	Crew              *string            `json:"crew,omitempty"`
	LaborRate         *float64           `json:"labor_rate,omitempty"`
	MaterialUnitCosts map[string]float64 `json:"material_unit_costs,omitempty"`
	TaskCodes         map[string]string  `json:"task_codes,omitempty"`
}

type Location struct {
	Sheet      *string `json:"sheet"`
	PageNumber *int    `json:"page_number"`
	BBoxNorm   *BBox   `json:"bbox_norm"`
}

type Quantity struct {
	Count float64 `json:"count"`
	UOM   string  `json:"uom"`
}

type Labor struct {
	BaseHours float64 `json:"base_hours"`
	Factor    float64 `json:"factor"`
	Hours     float64 `json:"hours"`
	Crew      string  `json:"crew"`
	Basis     string  `json:"basis"`
}

type MaterialLine struct {
	MaterialCode string  `json:"material_code"`
	Qty          float64 `json:"qty"`
	UOM          string  `json:"uom"`
	WasteFactor  float64 `json:"waste_factor"`
	QtyWithWaste float64 `json:"qty_with_waste"`
}

// Pricing fields stay nil unless a cost override supplies the inputs.
type Pricing struct {
	MaterialCost *float64 `json:"material_cost"`
	LaborRate    *float64 `json:"labor_rate"`
	Total        *float64 `json:"total"`
}

const (
	ReasonLowDetectionConf   = "LOW_DETECTION_CONF"
	ReasonMappingNotApproved = "MAPPING_NOT_APPROVED"
	ReasonNonStandardTask    = "NON_STANDARD_TASK"
	ReasonOK                 = "OK"
)

type Confidence struct {
	Detection float64  `json:"detection"`
	Mapping   float64  `json:"mapping"`
	Rules     float64  `json:"rules"`
	Overall   float64  `json:"overall"`
	Reasons   []string `json:"reasons"`
}

type Provenance struct {
	RawDetectionID string `json:"raw_detection_id"`
	RawClass       string `json:"raw_class"`
	MappingVersion string `json:"mapping_version"`
	RuleVersion    string `json:"rule_version"`
}

type LineItem struct {
	LineID        string         `json:"line_id"`
	CanonicalType string         `json:"canonical_type"`
	TaskCode      string         `json:"task_code"`
	Location      Location       `json:"location"`
	Quantity      Quantity       `json:"quantity"`
	Labor         Labor          `json:"labor"`
	Materials     []MaterialLine `json:"materials"`
	Pricing       Pricing        `json:"pricing"`
	Confidence    Confidence     `json:"confidence"`
	Provenance    Provenance     `json:"provenance"`
}

type CanonicalRollup struct {
	CanonicalType string  `json:"canonical_type"`
	Count         int     `json:"count"`
	LaborHours    float64 `json:"labor_hours"`
}

type MaterialTotal struct {
	MaterialCode string  `json:"material_code"`
	UOM          string  `json:"uom"`
	QtyWithWaste float64 `json:"qty_with_waste"`
}

type Rollups struct {
	ByCanonicalType []CanonicalRollup `json:"by_canonical_type"`
	LaborTotalHours float64           `json:"labor_total_hours"`
	MaterialTotals  []MaterialTotal   `json:"material_totals"`
}

type Quality struct {
	UnmappedClasses    []string  `json:"unmapped_classes"`
	LowConfidenceItems []string  `json:"low_confidence_items"`
	GapFlags           []GapFlag `json:"gap_flags"`
}

// EstimateError is a per-item computation failure. It degrades the estimate
// without aborting the run.
type EstimateError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	DetectionID   string `json:"detection_id,omitempty"`
	CanonicalType string `json:"canonical_type,omitempty"`
}

const (
	ErrCodeNoTaskDef        = "NO_TASK_DEF"
	ErrCodeInvalidDetection = "INVALID_DETECTION"
)

type TaskLibraryRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
}

type SymbolPackRef struct {
	PackID  string `json:"pack_id"`
	Version string `json:"version"`
}

type EstimateContext struct {
	ProjectID      string         `json:"project_id"`
	RunID          string         `json:"run_id"`
	TaskLibrary    TaskLibraryRef `json:"task_library"`
	SymbolPack     *SymbolPackRef `json:"symbol_pack"`
	DetectionCount int            `json:"detection_count"`
}

type EstimateChainOutput struct {
	Contract    Contract        `json:"contract"`
	Context     EstimateContext `json:"context"`
	Assumptions []string        `json:"assumptions"`
	LineItems   []LineItem      `json:"line_items"`
	Rollups     Rollups         `json:"rollups"`
	Quality     Quality         `json:"quality"`
	Errors      []EstimateError `json:"errors"`
}
