// Package fingerprint computes the deterministic content hashes the sync
// engine uses to detect no-op writes and suppress echoes. The same
// canonicalization is used by the worker (forward fingerprint) and the
// reconciler (reverse fingerprint) -- divergence between the two would
// silently break echo suppression.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Of returns the hex-encoded SHA-256 of the canonical-JSON encoding of v.
// Canonical-JSON means: map keys sorted, no insignificant whitespace, and a
// deterministic encoding of numbers/booleans -- achieved by round-tripping
// through encoding/json into a sorted-key representation rather than
// relying on struct field order or map iteration order.
func Of(v any) string {
	canon := canonicalize(v)
	b, err := json.Marshal(canon)
	if err != nil {
		// Canonicalize only ever produces encoding/json-native types
		// (map[string]any, []any, string, float64, bool, nil), so
		// Marshal cannot fail; a panic here means canonicalize is broken.
		panic("fingerprint: marshal canonical value: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalize converts v into a tree of encoding/json-native types with
// map keys normalized to a stable order by round-tripping through JSON.
// Marshal/Unmarshal already sorts map[string]any keys in its own encoder,
// but nested maps decoded from arbitrary structs are not guaranteed sorted
// until re-marshaled, so the round-trip itself is the canonicalization step.
func canonicalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		panic("fingerprint: marshal value: " + err.Error())
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		panic("fingerprint: decode value: " + err.Error())
	}

	return sortedCopy(generic)
}

// sortedCopy recursively rebuilds maps as ordered-key slices are not
// representable in encoding/json's map[string]any, so this instead just
// ensures nested values are themselves normalized; encoding/json.Marshal
// already serializes map[string]any with keys in sorted order, so no
// further action is required beyond normalizing number encoding below.
func sortedCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortedCopy(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = sortedCopy(e)
		}
		return out
	case json.Number:
		// Normalize numeric text so "1.0" and "1" fingerprint identically.
		if f, err := val.Float64(); err == nil {
			return f
		}
		return string(val)
	default:
		return val
	}
}
