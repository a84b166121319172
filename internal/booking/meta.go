package booking

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
)

// Meta is an insertion-ordered map of provider diagnostics.
// The zero value is an empty, ready to use Meta.
type Meta struct {
	keys   []string
	values map[string]any
}

// MetaFromMap builds a Meta from a plain map. Keys are sorted so the result is deterministic.
func MetaFromMap(m map[string]any) Meta {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out Meta
	for _, k := range keys {
		out.Set(k, m[k])
	}
	return out
}

// MetaOf builds a Meta from alternating key/value arguments. Non-string keys are skipped.
func MetaOf(kv ...any) Meta {
	var out Meta
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out.Set(key, kv[i+1])
	}
	return out
}

// Set stores value under key. Existing keys keep their position.
func (m *Meta) Set(key string, value any) {
	if m.values == nil {
		m.values = make(map[string]any)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value stored under key.
func (m Meta) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// String returns the value under key when it is a string.
func (m Meta) String(key string) string {
	v, _ := m.values[key].(string)
	return v
}

// Len returns the number of keys.
func (m Meta) Len() int {
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m Meta) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Map returns an unordered copy of the contents.
func (m Meta) Map() map[string]any {
	out := make(map[string]any, len(m.keys))
	for _, k := range m.keys {
		out[k] = m.values[k]
	}
	return out
}

// Clone returns an independent copy.
func (m Meta) Clone() Meta {
	var out Meta
	for _, k := range m.keys {
		out.Set(k, m.values[k])
	}
	return out
}

// Merge returns m with other applied on top: keys from other win,
// keys only in m are preserved, and new keys are appended in other's order.
func (m Meta) Merge(other Meta) Meta {
	out := m.Clone()
	for _, k := range other.keys {
		out.Set(k, other.values[k])
	}
	return out
}

// MarshalJSON encodes the object with keys in insertion order.
func (m Meta) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping top-level key order.
func (m *Meta) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = Meta{}
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("meta: expected JSON object")
	}

	var out Meta
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return errors.New("meta: expected string key")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return err
		}
		out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*m = out
	return nil
}
