// Package handshake compares a producer's claimed contract identities against
// the locally loaded registry before any document is processed.
package handshake

import (
	"sort"
	"strings"
	"time"
)

const (
	FieldVersion         = "version"
	FieldSchemaHash      = "schema_hash"
	FieldUnknownContract = "unknown_contract"
)

type ContractClaim struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	SchemaHash string `json:"schema_hash"`
}

type Request struct {
	AgentID      string          `json:"agent_id"`
	AgentVersion string          `json:"agent_version"`
	Contracts    []ContractClaim `json:"contracts"`
}

type Mismatch struct {
	Name     string `json:"name"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Received string `json:"received"`
}

type Result struct {
	OK         bool       `json:"ok"`
	Mismatches []Mismatch `json:"mismatches"`
}

type Response struct {
	OK            bool       `json:"ok"`
	Timestamp     string     `json:"timestamp"`
	Vertex        string     `json:"vertex"`
	VertexVersion string     `json:"vertex_version"`
	Mismatches    []Mismatch `json:"mismatches"`
}

// Expected is one contract as the consumer knows it. SchemaHash is the
// locally computed hash and is only enforced for locked contracts.
type Expected struct {
	Name       string
	Version    string
	SchemaHash string
	// Locked enables the schema hash check. refdata sets it only for a
	// contract marked locked while the whole registry is frozen.
	Locked bool
}

// Registry is the read-only view the handshake needs from the reference
// snapshot.
type Registry interface {
	VertexInfo() (vertex, version string)
	ExpectedContracts() []Expected
}

const (
	expectedRegistered = "registered contract"
	expectedClaimed    = "claimed by caller"
	receivedMissing    = "not claimed"
)

// ValidateHandshake is pure given expected. Locked contracts the caller did not
// claim are reported as unknown_contract from the registry side.
func ValidateHandshake(req Request, expected []Expected) Result {
	byName := make(map[string]Expected, len(expected))
	for _, e := range expected {
		byName[e.Name] = e
	}
	mismatches := []Mismatch{}
	claimed := map[string]struct{}{}
	for _, c := range req.Contracts {
		name := strings.TrimSpace(c.Name)
		claimed[name] = struct{}{}
		e, ok := byName[name]
		if !ok {
			mismatches = append(mismatches, Mismatch{Name: c.Name, Field: FieldUnknownContract, Expected: expectedRegistered, Received: c.Name})
			continue
		}
		if c.Version != e.Version {
			mismatches = append(mismatches, Mismatch{Name: name, Field: FieldVersion, Expected: e.Version, Received: c.Version})
		}
		if e.Locked && c.SchemaHash != e.SchemaHash {
			mismatches = append(mismatches, Mismatch{Name: name, Field: FieldSchemaHash, Expected: e.SchemaHash, Received: c.SchemaHash})
		}
	}
	for _, e := range expected {
		if !e.Locked {
			continue
		}
		if _, ok := claimed[e.Name]; !ok {
			mismatches = append(mismatches, Mismatch{Name: e.Name, Field: FieldUnknownContract, Expected: expectedClaimed, Received: receivedMissing})
		}
	}
	sort.SliceStable(mismatches, func(i, j int) bool {
		a, b := mismatches[i], mismatches[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Received < b.Received
	})
	return Result{OK: len(mismatches) == 0, Mismatches: mismatches}
}

// Respond wraps ValidateHandshake with the registry identity for the wire.
func Respond(req Request, reg Registry, now time.Time) Response {
	res := ValidateHandshake(req, reg.ExpectedContracts())
	vertex, version := reg.VertexInfo()
	return Response{
		OK:            res.OK,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Vertex:        vertex,
		VertexVersion: version,
		Mismatches:    res.Mismatches,
	}
}
