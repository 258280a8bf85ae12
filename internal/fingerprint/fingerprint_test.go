package fingerprint

import "testing"

func TestOf_StableUnderKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": "x", "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"a": "x", "c": map[string]any{"y": 2, "z": 1}, "b": 1}

	if Of(a) != Of(b) {
		t.Fatalf("fingerprints differ for maps that differ only in key order")
	}
}

func TestOf_NumberNormalization(t *testing.T) {
	a := map[string]any{"n": 1}
	b := map[string]any{"n": 1.0}

	if Of(a) != Of(b) {
		t.Fatalf("fingerprints differ for equivalent numeric encodings")
	}
}

func TestOf_DifferentContentDiffers(t *testing.T) {
	a := map[string]any{"title": "Buy milk"}
	b := map[string]any{"title": "Buy groceries"}

	if Of(a) == Of(b) {
		t.Fatalf("expected different fingerprints for different content")
	}
}

func TestForwardReverse_IndependentFields(t *testing.T) {
	p := ForwardPayload{Title: "Buy milk", Priority: 2, TaskID: "T1"}
	r := ReverseSubset{Title: "Buy milk", Priority: 2}

	// Forward and reverse fingerprints are computed over different field
	// sets; they must not accidentally collide in a way that would let one
	// suppress writes meant to be governed by the other.
	if Forward(p) == Reverse(r) {
		t.Fatalf("forward and reverse fingerprints unexpectedly equal")
	}
}

func TestOf_Deterministic(t *testing.T) {
	p := ForwardPayload{Title: "x", Labels: []string{"a", "b"}}
	if Forward(p) != Forward(p) {
		t.Fatalf("fingerprint not deterministic across repeated calls")
	}
}
