package bo

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/abboe/broker/pkg/types"
	"github.com/tidwall/gjson"
)

// Metadata is an insertion-ordered string-keyed map. Values are normalized
// to the shapes produced by parsing: string, bool, int64, float64, nil,
// []any and map[string]any.
type Metadata struct {
	keys   []string
	values map[string]any
}

// NewMetadata creates an empty metadata map
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]any)}
}

// ParseMetadata parses a JSON object, keeping key order
func ParseMetadata(data []byte) (*Metadata, error) {
	if !gjson.ValidBytes(data) {
		return nil, types.NewError(types.ErrCodeFraming, "invalid metadata syntax")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, types.NewError(types.ErrCodeFraming, "metadata is not an object")
	}

	m := NewMetadata()
	root.ForEach(func(key, value gjson.Result) bool {
		m.Set(key.String(), fromResult(value))
		return true
	})
	return m, nil
}

func fromResult(r gjson.Result) any {
	switch r.Type {
	case gjson.Null:
		return nil
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.String:
		return r.String()
	case gjson.Number:
		if i, err := strconv.ParseInt(r.Raw, 10, 64); err == nil {
			return i
		}
		return normalize(r.Float())
	}
	if r.IsArray() {
		items := r.Array()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = fromResult(item)
		}
		return out
	}
	out := make(map[string]any)
	r.ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = fromResult(v)
		return true
	})
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return normalize(float64(t))
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	}
	return v
}

// Set stores a value. Existing keys keep their position.
func (m *Metadata) Set(key string, value any) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = normalize(value)
}

// Get returns the raw value for key
func (m *Metadata) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present
func (m *Metadata) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Delete removes key
func (m *Metadata) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order
func (m *Metadata) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of keys
func (m *Metadata) Len() int {
	return len(m.keys)
}

// GetString returns the value of key as a string. Numbers and booleans are
// formatted; missing keys and composite values yield "".
func (m *Metadata) GetString(key string) string {
	switch v := m.values[key].(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// GetInt returns the value of key as an integer
func (m *Metadata) GetInt(key string) (int64, bool) {
	switch v := m.values[key].(type) {
	case int64:
		return v, true
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		return i, err == nil
	}
	return 0, false
}

// GetStrings returns the value of key as a string list. A single string is
// returned as a one element list.
func (m *Metadata) GetStrings(key string) []string {
	switch v := m.values[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// IsList reports whether key holds a list
func (m *Metadata) IsList(key string) bool {
	_, ok := m.values[key].([]any)
	return ok
}

// Clone returns a deep copy
func (m *Metadata) Clone() *Metadata {
	c := &Metadata{
		keys:   make([]string, len(m.keys)),
		values: make(map[string]any, len(m.values)),
	}
	copy(c.keys, m.keys)
	for k, v := range m.values {
		c.values[k] = normalize(v)
	}
	return c
}

// MarshalJSON encodes the metadata as a JSON object in key order
func (m *Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.writeJSON(&buf, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order
func (m *Metadata) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMetadata(data)
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}

// writeJSON writes the object. Entries in override replace (or, when
// missing, are appended after) the stored values; a nil override value
// removes the key from the output.
func (m *Metadata) writeJSON(buf *bytes.Buffer, override map[string]any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)

	first := true
	writeEntry := func(key string, value any) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if err := enc.Encode(key); err != nil {
			return err
		}
		trimNewline(buf)
		buf.WriteByte(':')
		if err := enc.Encode(value); err != nil {
			return err
		}
		trimNewline(buf)
		return nil
	}

	buf.WriteByte('{')
	for _, k := range m.keys {
		v := m.values[k]
		if o, ok := override[k]; ok {
			if o == nil {
				continue
			}
			v = o
		}
		if err := writeEntry(k, v); err != nil {
			return types.WrapError(types.ErrCodeInvalid, "failed to encode metadata key "+k, err)
		}
	}
	for k, v := range override {
		if v == nil || m.Has(k) {
			continue
		}
		if err := writeEntry(k, v); err != nil {
			return types.WrapError(types.ErrCodeInvalid, "failed to encode metadata key "+k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

func trimNewline(buf *bytes.Buffer) {
	if n := buf.Len(); n > 0 && buf.Bytes()[n-1] == '\n' {
		buf.Truncate(n - 1)
	}
}

// String returns the JSON form, for logging
func (m *Metadata) String() string {
	data, err := m.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(data)
}
