package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := NewJSONCodec()

	value := map[string]any{
		"step":   float64(3),
		"source": "loop",
		"writes": map[string]any{
			"node-a": []any{"x", float64(1), true},
		},
		"empty": nil,
	}

	data, err := c.Encode(value)
	assert.NoError(t, err)

	decoded, err := c.Decode(data)
	assert.NoError(t, err)
	assert.Equal(t, value, decoded)
}

func TestJSONCodecTimeAndBytes(t *testing.T) {
	c := NewJSONCodec()

	ts := time.Date(2025, 6, 1, 12, 30, 0, 123456000, time.UTC)
	value := map[string]any{
		"at":  ts,
		"raw": []byte{0x00, 0x80, 0xff},
	}

	data, err := c.Encode(value)
	assert.NoError(t, err)

	decoded, err := c.Decode(data)
	assert.NoError(t, err)

	m, ok := decoded.(map[string]any)
	assert.True(t, ok)
	assert.True(t, ts.Equal(m["at"].(time.Time)))
	assert.Equal(t, []byte{0x00, 0x80, 0xff}, m["raw"])
}

type routeState struct {
	Hops    []string `json:"hops"`
	Retries int      `json:"retries"`
}

func TestJSONCodecRegisteredType(t *testing.T) {
	c := NewJSONCodec()
	assert.NoError(t, c.Register(routeState{}, "routeState"))

	value := routeState{Hops: []string{"a", "b"}, Retries: 2}

	data, err := c.Encode(value)
	assert.NoError(t, err)

	decoded, err := c.Decode(data)
	assert.NoError(t, err)
	assert.Equal(t, value, decoded)

	// Pointers encode like their element value.
	data, err = c.Encode(&value)
	assert.NoError(t, err)
	decoded, err = c.Decode(data)
	assert.NoError(t, err)
	assert.Equal(t, value, decoded)
}

func TestJSONCodecRegisterRejectsNonStruct(t *testing.T) {
	c := NewJSONCodec()
	assert.Error(t, c.Register(42, "int"))
	assert.Error(t, c.Register(routeState{}, ""))

	assert.NoError(t, c.Register(routeState{}, "routeState"))
	assert.Error(t, c.Register(routeState{}, "other"))
}

func TestJSONCodecDecodeFailures(t *testing.T) {
	c := NewJSONCodec()

	_, err := c.Decode(nil)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = c.Decode([]byte("{not json"))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = c.Decode([]byte(`{"__type":"nope","value":{}}`))
	assert.ErrorIs(t, err, ErrDecode)
}
