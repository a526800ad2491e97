package contracts

// HashSource reports the locally computed schema hash for a contract and
// whether the contract is locked by the freeze registry.
type HashSource interface {
	ExpectedSchemaHash(contractName string) (hash string, locked bool, err error)
}

// Validator adds the locked-contract hash check on top of the structural
// validators. A payload for a locked contract must carry the exact schema hash
// this process computed.
type Validator struct {
	Hashes HashSource
}

func NewValidator(h HashSource) *Validator { return &Validator{Hashes: h} }

func (v *Validator) Validate(name string, input any) ValidationResult {
	res := Validate(name, input)
	if !res.Valid || v == nil || v.Hashes == nil {
		return res
	}
	expected, locked, err := v.Hashes.ExpectedSchemaHash(name)
	if err != nil {
		return invalid("contract.schema_hash", "local schema hash unavailable: "+err.Error(), res.SchemaHash)
	}
	if locked && expected != res.SchemaHash {
		return invalid("contract.schema_hash", "does not match the locally computed hash for locked contract "+name+" ("+expected+")", res.SchemaHash)
	}
	return res
}

func (v *Validator) ValidateJSON(name string, raw []byte) ValidationResult {
	input, err := DecodeJSON(raw)
	if err != nil {
		return invalid("$", "payload is not valid JSON: "+err.Error(), nil)
	}
	return v.Validate(name, input)
}
