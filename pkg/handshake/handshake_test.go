package handshake

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const hashX = "a3f1c0ffee0000000000000000000000000000000000000000000000000000aa"

func lockedX() []Expected {
	return []Expected{{Name: "X", Version: "1.0.0", SchemaHash: hashX, Locked: true}}
}

func claim(name, version, hash string) Request {
	return Request{AgentID: "agent-1", AgentVersion: "0.3.0", Contracts: []ContractClaim{{Name: name, Version: version, SchemaHash: hash}}}
}

func TestHandshakeExactClaimIsOK(t *testing.T) {
	res := ValidateHandshake(claim("X", "1.0.0", hashX), lockedX())
	if !res.OK || len(res.Mismatches) != 0 {
		t.Fatalf("expected ok, got %+v", res)
	}
	if res.Mismatches == nil {
		t.Fatalf("mismatches must serialize as [] not null")
	}
}

func TestHandshakeSingleFieldChanges(t *testing.T) {
	cases := []struct {
		name  string
		req   Request
		field string
	}{
		{"version", claim("X", "1.1.0", hashX), FieldVersion},
		{"schema_hash", claim("X", "1.0.0", "deadbeefdeadbeefdeadbeef"), FieldSchemaHash},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := ValidateHandshake(tc.req, lockedX())
			if res.OK || len(res.Mismatches) != 1 || res.Mismatches[0].Field != tc.field || res.Mismatches[0].Name != "X" {
				t.Fatalf("expected exactly one %s mismatch, got %+v", tc.field, res.Mismatches)
			}
		})
	}
}

func TestHandshakeOmittedLockedContract(t *testing.T) {
	res := ValidateHandshake(Request{AgentID: "a"}, lockedX())
	want := []Mismatch{{Name: "X", Field: FieldUnknownContract, Expected: expectedClaimed, Received: receivedMissing}}
	if diff := cmp.Diff(want, res.Mismatches); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestHandshakeRenamedClaimReportsBothSides(t *testing.T) {
	res := ValidateHandshake(claim("Y", "1.0.0", hashX), lockedX())
	want := []Mismatch{
		{Name: "X", Field: FieldUnknownContract, Expected: expectedClaimed, Received: receivedMissing},
		{Name: "Y", Field: FieldUnknownContract, Expected: expectedRegistered, Received: "Y"},
	}
	if diff := cmp.Diff(want, res.Mismatches); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestHandshakeUnlockedContractIgnoresHash(t *testing.T) {
	expected := []Expected{{Name: "X", Version: "1.0.0", SchemaHash: hashX}}
	if res := ValidateHandshake(claim("X", "1.0.0", "other"), expected); !res.OK {
		t.Fatalf("unlocked contracts only compare versions, got %+v", res.Mismatches)
	}
	if res := ValidateHandshake(Request{}, expected); !res.OK {
		t.Fatalf("unlocked contracts need not be claimed, got %+v", res.Mismatches)
	}
}

func TestHandshakeMismatchOrderIsDeterministic(t *testing.T) {
	expected := []Expected{
		{Name: "B", Version: "1.0.0", SchemaHash: hashX, Locked: true},
		{Name: "A", Version: "1.0.0", SchemaHash: hashX, Locked: true},
	}
	req := Request{Contracts: []ContractClaim{
		{Name: "Z", Version: "9"},
		{Name: "B", Version: "1.2.0", SchemaHash: "x"},
	}}
	first := ValidateHandshake(req, expected)
	for i := 0; i < 20; i++ {
		if diff := cmp.Diff(first, ValidateHandshake(req, expected)); diff != "" {
			t.Fatalf("non-deterministic result:\n%s", diff)
		}
	}
	var got []string
	for _, m := range first.Mismatches {
		got = append(got, m.Name+"/"+m.Field)
	}
	want := []string{"A/unknown_contract", "B/schema_hash", "B/version", "Z/unknown_contract"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

type fakeRegistry struct{}

func (fakeRegistry) VertexInfo() (string, string)  { return "takeoff", "1.0.0" }
func (fakeRegistry) ExpectedContracts() []Expected { return lockedX() }

func TestRespondCarriesVertex(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	resp := Respond(claim("X", "1.0.0", hashX), fakeRegistry{}, now)
	if !resp.OK || resp.Vertex != "takeoff" || resp.VertexVersion != "1.0.0" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Timestamp != "2026-03-01T11:00:00Z" {
		t.Fatalf("unexpected timestamp %s", resp.Timestamp)
	}
}
