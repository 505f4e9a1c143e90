package codec

// CompatCodec decodes both payload generations: it sniffs the legacy binary
// signature and routes matching payloads to the legacy reader, everything
// else to the primary serializer. The decision is an explicit two-arm
// dispatch on the framing bytes, never a try-and-fall-back, so genuine
// corruption in either format surfaces as a decode failure instead of being
// masked by the other reader.
//
// Encoding always uses the primary serializer; no new data is written in the
// legacy format.
type CompatCodec struct {
	primary Codec
	legacy  LegacyCodec
}

// NewCompatCodec wraps primary with legacy-format dispatch. A nil primary
// defaults to a fresh JSONCodec.
func NewCompatCodec(primary Codec) *CompatCodec {
	if primary == nil {
		primary = NewJSONCodec()
	}
	return &CompatCodec{primary: primary}
}

// Encode serializes with the primary codec.
func (c *CompatCodec) Encode(v any) ([]byte, error) {
	return c.primary.Encode(v)
}

// Decode picks the reader by payload framing.
func (c *CompatCodec) Decode(data []byte) (any, error) {
	if IsLegacy(data) {
		return c.legacy.Decode(data)
	}
	return c.primary.Decode(data)
}
