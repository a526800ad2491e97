// Package contracts validates BlueprintParseV1 and EstimateChainV1 payloads
// against their versioned contracts. Validators take decoded JSON (any) and
// always return a ValidationResult; they never panic and perform no I/O.
package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"

	"launchbase/pkg/domain"
)

// Spec describes one named contract and the schema file that identifies it.
type Spec struct {
	Name       string
	Version    string
	SchemaFile string
	// CanonicalHash selects the canonical (whitespace/key-order independent)
	// hash over the raw-byte hash.
	CanonicalHash bool
}

var Specs = []Spec{
	{Name: domain.ContractBlueprintParseV1, Version: "1.0.0", SchemaFile: "blueprint_parse_v1.schema.json", CanonicalHash: true},
	{Name: domain.ContractEstimateChainV1, Version: "1.0.0", SchemaFile: "estimate_chain_v1.schema.json", CanonicalHash: false},
}

func SpecFor(name string) (Spec, bool) {
	for _, s := range Specs {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}

// Validate dispatches to the structural validator for name.
func Validate(name string, input any) ValidationResult {
	switch name {
	case domain.ContractBlueprintParseV1:
		return ValidateBlueprintParseV1(input)
	case domain.ContractEstimateChainV1:
		return ValidateEstimateChainV1(input)
	default:
		return invalid("$", fmt.Sprintf("unknown contract %q", name), name)
	}
}

// ValidateJSON decodes raw (numbers kept exact) and validates it as name.
func ValidateJSON(name string, raw []byte) ValidationResult {
	input, err := DecodeJSON(raw)
	if err != nil {
		return invalid("$", "payload is not valid JSON: "+err.Error(), nil)
	}
	return Validate(name, input)
}

// DecodeJSON decodes a single JSON document into generic values.
func DecodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON document")
	}
	return v, nil
}

// ToGeneric round-trips a typed value through JSON so it can be validated
// exactly as a consumer would see it on the wire.
func ToGeneric(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return DecodeJSON(b)
}

// checkContract validates the contract block and returns its identity.
func checkContract(c *issues, v any, expectedName string) (name, version, hash string) {
	const base = "contract"
	obj, ok := objectAt(c, base, v)
	if !ok {
		return "", "", ""
	}
	if !requireKeys(c, obj, base, "name", "version", "schema_hash", "producer") {
		return "", "", ""
	}
	if s, ok := obj["name"].(string); !ok || s != expectedName {
		c.add("contract.name", fmt.Sprintf("must equal %q", expectedName), obj["name"])
	} else {
		name = s
	}
	if s, ok := obj["version"].(string); !ok || !versionRegex.MatchString(s) {
		c.add("contract.version", `must match ^1\.\d+\.\d+$`, obj["version"])
	} else {
		version = s
	}
	if s, ok := obj["schema_hash"].(string); !ok || len(s) < minSchemaHashLen {
		c.add("contract.schema_hash", fmt.Sprintf("must be a string of at least %d characters", minSchemaHashLen), obj["schema_hash"])
	} else {
		hash = s
	}
	if producer, ok := objectAt(c, "contract.producer", obj["producer"]); ok {
		nonEmptyString(c, producer, "contract.producer", "tool")
		nonEmptyString(c, producer, "contract.producer", "tool_version")
		nonEmptyString(c, producer, "contract.producer", "runtime")
		optionalNullableString(c, producer, "contract.producer", "model_version")
	}
	return name, version, hash
}

// rootObject applies the two short-circuit checks: object, then required keys.
func rootObject(input any, required ...string) (map[string]any, *ValidationResult) {
	root, ok := input.(map[string]any)
	if !ok {
		res := invalid("$", "payload must be a JSON object, got "+typeName(input), input)
		return nil, &res
	}
	c := &issues{}
	if !requireKeys(c, root, "", required...) {
		res := c.result("", "", "")
		return nil, &res
	}
	return root, nil
}
