package codec

import "errors"

// Codec converts in-memory values to and from persisted bytes.
//
// Encode always produces the primary encoding. Decode must accept every
// payload a previous Encode produced; implementations that understand more
// than one historical encoding (see CompatCodec) pick the reader by
// inspecting the payload itself.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// ErrDecode marks payloads that match no supported encoding or fail
// structural decoding. Callers can detect it with errors.Is and must not
// treat such payloads as empty values.
var ErrDecode = errors.New("codec: undecodable payload")
