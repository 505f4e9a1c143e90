package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// Tag keys used by the primary encoding. Maps carrying exactly these two keys
// are reserved for the codec.
const (
	tagKey   = "__type"
	valueKey = "value"

	tagTime  = "time"
	tagBytes = "bytes"
)

// JSONCodec is the primary serializer: JSON extended with type tags for
// values plain JSON cannot represent faithfully. Time values, raw byte
// strings, and registered struct types survive a round trip with their
// concrete Go types; everything else follows encoding/json semantics
// (numbers decode as float64, objects as map[string]any).
type JSONCodec struct {
	registry *TypeRegistry
}

// NewJSONCodec creates a codec with an empty type registry.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{registry: NewTypeRegistry()}
}

// Register adds a struct type to the codec's registry under the given tag
// name. Payloads containing a value of that type decode back to the concrete
// type instead of a generic map.
func (c *JSONCodec) Register(value any, name string) error {
	return c.registry.Register(value, name)
}

// Encode serializes v to tagged JSON.
func (c *JSONCodec) Encode(v any) ([]byte, error) {
	wrapped, err := c.wrap(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// Decode parses tagged JSON back into a value, reviving tagged nodes.
func (c *JSONCodec) Decode(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return c.revive(raw)
}

func (c *JSONCodec) wrap(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return map[string]any{tagKey: tagTime, valueKey: t.Format(time.RFC3339Nano)}, nil
	case []byte:
		return map[string]any{tagKey: tagBytes, valueKey: base64.StdEncoding.EncodeToString(t)}, nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return v, nil
	}

	if name, ok := c.registry.nameOf(reflect.TypeOf(v)); ok {
		body, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s value: %w", name, err)
		}
		return map[string]any{tagKey: name, valueKey: json.RawMessage(body)}, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			wrapped, err := c.wrap(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = wrapped
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			wrapped, err := c.wrap(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = wrapped
		}
		return out, nil
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, nil
		}
		return c.wrap(rv.Elem().Interface())
	}
	return v, nil
}

func (c *JSONCodec) revive(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if tag, ok := taggedNode(t); ok {
			return c.reviveTagged(tag, t[valueKey])
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			revived, err := c.revive(val)
			if err != nil {
				return nil, err
			}
			out[k] = revived
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			revived, err := c.revive(val)
			if err != nil {
				return nil, err
			}
			out[i] = revived
		}
		return out, nil
	}
	return v, nil
}

func (c *JSONCodec) reviveTagged(tag string, value any) (any, error) {
	switch tag {
	case tagTime:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: time tag carries %T", ErrDecode, value)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return ts, nil
	case tagBytes:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: bytes tag carries %T", ErrDecode, value)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return b, nil
	}

	t, ok := c.registry.typeOf(tag)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type tag %q", ErrDecode, tag)
	}
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(body, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return ptr.Elem().Interface(), nil
}

// taggedNode reports whether m is a codec tag node: exactly the two reserved
// keys with a string tag.
func taggedNode(m map[string]any) (string, bool) {
	if len(m) != 2 {
		return "", false
	}
	tag, ok := m[tagKey].(string)
	if !ok {
		return "", false
	}
	if _, ok := m[valueKey]; !ok {
		return "", false
	}
	return tag, true
}
