// Package canon implements the canonical JSON encoding used both for
// signature verification and for the idempotency request hash: every
// object's keys are sorted lexicographically at every depth, arrays keep
// their order, and scalars are left to the default JSON emitter. Two calls
// on semantically equal values must produce byte-identical output,
// independent of the source map's iteration order.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// SigningBytes serializes v to its canonical form: marshal to JSON, decode
// into generic Go values, sort every map's keys, and re-marshal.
func SigningBytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	sorted := sortValue(generic)
	return json.Marshal(sorted)
}

// sortValue walks a decoded JSON value and returns an equivalent value
// whose maps re-encode with lexicographically sorted keys. encoding/json
// already sorts map[string]any keys on Marshal, but we build an explicit
// ordered structure so the contract does not depend on that undocumented
// behavior and so nested maps at every depth are covered uniformly.
func sortValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, kv{key: k, value: sortValue(val[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortValue(item)
		}
		return out
	default:
		return val
	}
}

type kv struct {
	key   string
	value any
}

// orderedMap marshals as a JSON object in the explicit field order it was
// built with, which sortValue always constructs in sorted-key order.
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, pair := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(pair.key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(pair.value)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// RequestHash returns the hex-encoded SHA-256 digest of v's signing bytes.
func RequestHash(v any) (string, error) {
	b, err := SigningBytes(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
