package contracts

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

const (
	// MaxLineItemsValidated bounds per-element checks on pathological inputs.
	MaxLineItemsValidated = 50
	// MaxErrors bounds the size of the error list returned to a producer.
	MaxErrors = 200

	minSchemaHashLen = 16
)

var versionRegex = regexp.MustCompile(`^1\.\d+\.\d+$`)

// ValidationError locates one structural problem. Path uses dotted keys with
// bracketed indexes, e.g. line_items[3].confidence.overall.
type ValidationError struct {
	Path     string `json:"path"`
	Message  string `json:"message"`
	Received any    `json:"received,omitempty"`
}

// ValidationResult is either valid (contract identity populated) or invalid
// (errors populated). Validators always return one; they never panic.
type ValidationResult struct {
	Valid           bool              `json:"valid"`
	Errors          []ValidationError `json:"errors"`
	ContractName    string            `json:"contract_name,omitempty"`
	ContractVersion string            `json:"contract_version,omitempty"`
	SchemaHash      string            `json:"schema_hash,omitempty"`
}

func (r ValidationResult) Error() string {
	if r.Valid || len(r.Errors) == 0 {
		return "contract validation passed"
	}
	first := r.Errors[0]
	return fmt.Sprintf("contract validation failed at %s: %s (%d errors)", first.Path, first.Message, len(r.Errors))
}

type issues struct {
	list      []ValidationError
	truncated bool
}

func (c *issues) add(path, message string, received any) {
	if c.truncated {
		return
	}
	if len(c.list) >= MaxErrors {
		c.truncated = true
		c.list = append(c.list, ValidationError{
			Path:    "$",
			Message: fmt.Sprintf("error limit reached (%d); further errors suppressed", MaxErrors),
		})
		return
	}
	c.list = append(c.list, ValidationError{
		Path:     strings.TrimSpace(path),
		Message:  message,
		Received: summarize(received),
	})
}

func (c *issues) result(name, version, hash string) ValidationResult {
	if len(c.list) > 0 {
		return ValidationResult{Valid: false, Errors: c.list}
	}
	return ValidationResult{
		Valid:           true,
		Errors:          []ValidationError{},
		ContractName:    name,
		ContractVersion: version,
		SchemaHash:      hash,
	}
}

func invalid(path, message string, received any) ValidationResult {
	c := &issues{}
	c.add(path, message, received)
	return c.result("", "", "")
}

// summarize keeps scalar values and replaces composites with their JSON type
// so a bad payload is never echoed back wholesale.
func summarize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return "object"
	case []any:
		return fmt.Sprintf("array(len=%d)", len(t))
	case string:
		if len(t) > 120 {
			return t[:120] + "..."
		}
		return t
	default:
		return v
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	if _, ok := asNumber(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func indexPath(base string, i int) string {
	return fmt.Sprintf("%s[%d]", base, i)
}

// requireKeys reports one error per missing key and whether all were present.
func requireKeys(c *issues, obj map[string]any, base string, keys ...string) bool {
	ok := true
	for _, k := range keys {
		if _, present := obj[k]; !present {
			c.add(joinPath(base, k), "required field is missing", nil)
			ok = false
		}
	}
	return ok
}

func objectAt(c *issues, path string, v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		c.add(path, "must be an object, got "+typeName(v), v)
	}
	return m, ok
}

// arrayField rejects null and non-array values; absence of data is [].
func arrayField(c *issues, obj map[string]any, base, key string) ([]any, bool) {
	path := joinPath(base, key)
	v, present := obj[key]
	if !present {
		c.add(path, "required array is missing", nil)
		return nil, false
	}
	arr, ok := v.([]any)
	if !ok {
		if v == nil {
			c.add(path, "must be an array, got null (use [] for no data)", nil)
		} else {
			c.add(path, "must be an array, got "+typeName(v), v)
		}
		return nil, false
	}
	return arr, true
}

func nonEmptyString(c *issues, obj map[string]any, base, key string) (string, bool) {
	path := joinPath(base, key)
	v, present := obj[key]
	if !present {
		c.add(path, "required field is missing", nil)
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		c.add(path, "must be a string, got "+typeName(v), v)
		return "", false
	}
	if strings.TrimSpace(s) == "" {
		c.add(path, "must be a non-empty string", v)
		return "", false
	}
	return s, true
}

func stringField(c *issues, obj map[string]any, base, key string) (string, bool) {
	path := joinPath(base, key)
	v, present := obj[key]
	if !present {
		c.add(path, "required field is missing", nil)
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		c.add(path, "must be a string, got "+typeName(v), v)
	}
	return s, ok
}

func optionalNullableString(c *issues, obj map[string]any, base, key string) {
	v, present := obj[key]
	if !present || v == nil {
		return
	}
	if _, ok := v.(string); !ok {
		c.add(joinPath(base, key), "must be a string or null, got "+typeName(v), v)
	}
}

func numberField(c *issues, obj map[string]any, base, key string, min float64) (float64, bool) {
	path := joinPath(base, key)
	v, present := obj[key]
	if !present {
		c.add(path, "required field is missing", nil)
		return 0, false
	}
	n, ok := asNumber(v)
	if !ok {
		c.add(path, "must be a number, got "+typeName(v), v)
		return 0, false
	}
	if n < min {
		c.add(path, fmt.Sprintf("must be >= %g", min), v)
		return n, false
	}
	return n, true
}

func integerField(c *issues, obj map[string]any, base, key string, min int) (int, bool) {
	n, ok := numberField(c, obj, base, key, float64(min))
	if !ok {
		return 0, false
	}
	if n != math.Trunc(n) {
		c.add(joinPath(base, key), "must be an integer", obj[key])
		return 0, false
	}
	return int(n), true
}

func optionalNullableNumber(c *issues, obj map[string]any, base, key string, min float64) {
	v, present := obj[key]
	if !present || v == nil {
		return
	}
	n, ok := asNumber(v)
	if !ok {
		c.add(joinPath(base, key), "must be a number or null, got "+typeName(v), v)
		return
	}
	if n < min {
		c.add(joinPath(base, key), fmt.Sprintf("must be >= %g", min), v)
	}
}

func unitInterval(c *issues, obj map[string]any, base, key string) (float64, bool) {
	path := joinPath(base, key)
	v, present := obj[key]
	if !present {
		c.add(path, "required field is missing", nil)
		return 0, false
	}
	n, ok := asNumber(v)
	if !ok {
		c.add(path, "must be a number, got "+typeName(v), v)
		return 0, false
	}
	if n < 0 || n > 1 {
		c.add(path, "must be normalized to [0,1]", v)
		return n, false
	}
	return n, true
}

func bboxField(c *issues, obj map[string]any, base, key string, nullable bool) {
	path := joinPath(base, key)
	v, present := obj[key]
	if !present {
		if !nullable {
			c.add(path, "required field is missing", nil)
		}
		return
	}
	if v == nil && nullable {
		return
	}
	arr, ok := v.([]any)
	if !ok {
		c.add(path, "must be an array of 4 numbers, got "+typeName(v), v)
		return
	}
	if len(arr) != 4 {
		c.add(path, fmt.Sprintf("must have exactly 4 components, got %d", len(arr)), v)
		return
	}
	for i, e := range arr {
		n, ok := asNumber(e)
		if !ok {
			c.add(indexPath(path, i), "must be a number, got "+typeName(e), e)
			continue
		}
		if n < 0 || n > 1 {
			c.add(indexPath(path, i), "must be normalized to [0,1]", e)
		}
	}
}

func enumField(c *issues, obj map[string]any, base, key string, allowed map[string]struct{}, required bool) {
	path := joinPath(base, key)
	v, present := obj[key]
	if !present {
		if required {
			c.add(path, "required field is missing", nil)
		}
		return
	}
	s, ok := v.(string)
	if !ok {
		c.add(path, "must be a string, got "+typeName(v), v)
		return
	}
	if _, ok := allowed[s]; !ok {
		c.add(path, "must be one of "+joinAllowed(allowed), v)
	}
}

func joinAllowed(allowed map[string]struct{}) string {
	keys := make([]string, 0, len(allowed))
	for k := range allowed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}
