package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Metadata is the open key/value diagnostic map stored on an enhanced status.
// Updates are merged into it, never assigned over it.
type Metadata map[string]any

// Merge returns a copy of m with patch applied using JSON merge-patch rules:
// nested objects merge recursively, a nil value removes the key, anything else
// replaces the previous value.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m.Clone()
	if out == nil {
		out = Metadata{}
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		pv, pIsMap := asMap(v)
		if !pIsMap {
			out[k] = v
			continue
		}
		cur, curIsMap := asMap(out[k])
		if !curIsMap {
			cur = Metadata{}
		}
		out[k] = map[string]any(cur.Merge(pv))
	}
	return out
}

// Clone deep-copies nested maps; leaf values are shared.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if nested, ok := asMap(v); ok {
			out[k] = map[string]any(nested.Clone())
			continue
		}
		out[k] = v
	}
	return out
}

// Map returns the nested object stored at key, or nil.
func (m Metadata) Map(key string) Metadata {
	v, ok := asMap(m[key])
	if !ok {
		return nil
	}
	return v
}

func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

func asMap(v any) (Metadata, bool) {
	switch t := v.(type) {
	case Metadata:
		return t, true
	case map[string]any:
		return Metadata(t), true
	}
	return nil, false
}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*m = out
	return nil
}
