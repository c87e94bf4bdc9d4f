package canon

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestSigningBytesSortsNestedKeys(t *testing.T) {
	a := map[string]any{
		"b": 1,
		"a": map[string]any{"z": 1, "y": 2},
		"c": []any{map[string]any{"n": 1, "m": 2}},
	}

	got, err := SigningBytes(a)
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}

	want := `{"a":{"y":2,"z":1},"b":1,"c":[{"m":2,"n":1}]}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestSigningBytesDeterministicAcrossMapOrder(t *testing.T) {
	// Two maps built with different insertion orders must canonicalize
	// identically: map iteration order in Go is randomized, so this
	// exercises the actual contract rather than an accident of one run.
	first := map[string]any{}
	first["z"] = 1
	first["a"] = 2
	first["m"] = 3

	second := map[string]any{}
	second["m"] = 3
	second["a"] = 2
	second["z"] = 1

	b1, err := SigningBytes(first)
	if err != nil {
		t.Fatalf("SigningBytes(first): %v", err)
	}
	b2, err := SigningBytes(second)
	if err != nil {
		t.Fatalf("SigningBytes(second): %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("canonical bytes differ: %s vs %s", b1, b2)
	}
}

func TestSigningBytesPreservesArrayOrder(t *testing.T) {
	v := []any{3, 1, 2}
	got, err := SigningBytes(v)
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}
	if string(got) != "[3,1,2]" {
		t.Fatalf("got %s, want [3,1,2]", got)
	}
}

func TestRequestHashStableAndHex(t *testing.T) {
	v := map[string]any{"x": 1}
	h1, err := RequestHash(v)
	if err != nil {
		t.Fatalf("RequestHash: %v", err)
	}
	h2, err := RequestHash(v)
	if err != nil {
		t.Fatalf("RequestHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64-char hex sha256, got %d chars: %s", len(h1), h1)
	}
}

func TestSigningBytesRoundTripsThroughJSON(t *testing.T) {
	type payload struct {
		Z string `json:"z"`
		A int    `json:"a"`
	}
	got, err := SigningBytes(payload{Z: "hello", A: 7})
	if err != nil {
		t.Fatalf("SigningBytes: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(got, &decoded); err != nil {
		t.Fatalf("decode canonical bytes: %v", err)
	}
	if decoded["z"] != "hello" {
		t.Fatalf("unexpected z: %v", decoded["z"])
	}
}
