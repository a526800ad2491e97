package domain

type GapSeverity string

const (
	GapSeverityHigh   GapSeverity = "high"
	GapSeverityMedium GapSeverity = "medium"
	GapSeverityLow    GapSeverity = "low"
)

func (s GapSeverity) Valid() bool {
	switch s {
	case GapSeverityHigh, GapSeverityMedium, GapSeverityLow:
		return true
	}
	return false
}

// GapFlag is an advisory signal that input data is structurally incomplete.
// Flags are regenerated on every analysis.
type GapFlag struct {
	Code              string         `json:"code"`
	Severity          GapSeverity    `json:"severity"`
	Message           string         `json:"message"`
	Evidence          map[string]any `json:"evidence"`
	RecommendedAction string         `json:"recommended_action"`
}
