package canonhash

import (
	"strings"
	"testing"
)

func TestSumObjectDeterministicForSameState(t *testing.T) {
	a := map[string]any{
		"b": 2,
		"a": map[string]any{"y": 2, "x": 1},
	}
	b := map[string]any{
		"a": map[string]any{"x": 1, "y": 2},
		"b": 2,
	}

	ha, _, err := SumObject(a)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	hb, _, err := SumObject(b)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected same hash, got %s vs %s", ha, hb)
	}
}

func TestSumObjectChangesWhenStateChanges(t *testing.T) {
	a := map[string]any{"a": 1}
	b := map[string]any{"a": 2}
	ha, _, _ := SumObject(a)
	hb, _, _ := SumObject(b)
	if ha == hb {
		t.Fatalf("expected different hashes")
	}
}

func TestCanonicalizeJSONSortsAndCompacts(t *testing.T) {
	got, err := CanonicalizeJSON([]byte(`{ "b": [1, 2.50, {"d": true, "c": null}],
		"a": "x" }`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := `{"a":"x","b":[1,2.50,{"c":null,"d":true}]}`
	if string(got) != want {
		t.Fatalf("canonical form mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestCanonicalizeJSONEscapesNonASCII(t *testing.T) {
	got, err := CanonicalizeJSON([]byte(`{"label":"Cámara 📷","html":"<a&b>"}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	want := `{"html":"<a&b>","label":"C\u00e1mara \ud83d\udcf7"}`
	if string(got) != want {
		t.Fatalf("canonical form mismatch\n got: %s\nwant: %s", got, want)
	}
	for _, c := range got {
		if c >= 0x80 {
			t.Fatalf("canonical output contains non-ASCII byte %#x", c)
		}
	}
}

func TestSumCanonicalIgnoresWhitespaceAndKeyOrder(t *testing.T) {
	a, err := SumCanonical([]byte(`{"title":"Estimate","type":"object"}`))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	b, err := SumCanonical([]byte("{\n  \"type\": \"object\",\n  \"title\": \"Estimate\"\n}\n"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical canonical hashes, got %s vs %s", a, b)
	}
	if len(a) != 64 || strings.ToLower(a) != a {
		t.Fatalf("expected lowercase sha256 hex, got %q", a)
	}
	if SumBytes([]byte(`{"title":"Estimate","type":"object"}`)) != a {
		t.Fatalf("canonical hash should equal raw hash of already-canonical bytes")
	}
}

func TestCanonicalizeJSONRejectsTrailingData(t *testing.T) {
	if _, err := CanonicalizeJSON([]byte(`{"a":1} {"b":2}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
	if _, err := CanonicalizeJSON([]byte(`{"a":`)); err == nil {
		t.Fatalf("expected syntax error")
	}
}

func TestCanonicalJSONAcceptsStructs(t *testing.T) {
	type pair struct {
		Z string `json:"z"`
		A int    `json:"a"`
	}
	got, err := CanonicalJSON(pair{Z: "é", A: 1})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if string(got) != `{"a":1,"z":"\u00e9"}` {
		t.Fatalf("unexpected canonical struct encoding: %s", got)
	}
}
