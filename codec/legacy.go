package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"
)

// Legacy binary framing: a two-byte scheme signature up front and a stop byte
// at the end, wrapping a gob stream.
const (
	legacyMagic   byte = 0x80
	legacyVersion byte = 0x01
	legacyStop    byte = 0x2e
)

// IsLegacy reports whether data carries the legacy binary framing. The check
// is a byte sniff only; a framed payload can still fail to decode.
func IsLegacy(data []byte) bool {
	return len(data) > 3 &&
		data[0] == legacyMagic &&
		data[1] == legacyVersion &&
		data[len(data)-1] == legacyStop
}

var registerLegacyTypes = sync.OnceFunc(func() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
})

// legacyEnvelope is the gob container older deployments wrote.
type legacyEnvelope struct {
	Value any
}

// LegacyCodec reads the framed gob encoding that older deployments produced.
// It is a read path only: new data is never written in this format, and the
// encoder survives solely for migration tooling and compatibility tests.
type LegacyCodec struct{}

// Encode frames a gob-serialized value in the legacy signature. Retained for
// tests and migration tooling; production writes go through the primary
// serializer.
func (LegacyCodec) Encode(v any) ([]byte, error) {
	registerLegacyTypes()
	var buf bytes.Buffer
	buf.WriteByte(legacyMagic)
	buf.WriteByte(legacyVersion)
	if err := gob.NewEncoder(&buf).Encode(legacyEnvelope{Value: v}); err != nil {
		return nil, fmt.Errorf("failed to encode legacy payload: %w", err)
	}
	buf.WriteByte(legacyStop)
	return buf.Bytes(), nil
}

// Decode strips the legacy framing and gob-decodes the body.
func (LegacyCodec) Decode(data []byte) (any, error) {
	registerLegacyTypes()
	if !IsLegacy(data) {
		return nil, fmt.Errorf("%w: missing legacy framing", ErrDecode)
	}
	body := data[2 : len(data)-1]
	var env legacyEnvelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return env.Value, nil
}
