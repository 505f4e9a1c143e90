package checkpoint

import (
	"fmt"
	"time"

	"github.com/smallnest/checkpointgo/codec"
)

const checkpointTag = "checkpoint"

// DefaultCodec returns the codec savers use when their Options leave it
// unset: legacy-compatible dispatch over a JSON codec that revives
// Checkpoint values by type tag.
func DefaultCodec() codec.Codec {
	jc := codec.NewJSONCodec()
	// Registration of a fresh type in a fresh registry cannot fail.
	_ = jc.Register(Checkpoint{}, checkpointTag)
	return codec.NewCompatCodec(jc)
}

// DecodeCheckpoint decodes a state payload back into a Checkpoint. Payloads
// written by the primary codec revive to the concrete type; legacy payloads
// decode to a generic map and are mapped field by field.
func DecodeCheckpoint(c codec.Codec, payload []byte) (*Checkpoint, error) {
	v, err := c.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint payload: %w", err)
	}
	switch cp := v.(type) {
	case Checkpoint:
		return &cp, nil
	case *Checkpoint:
		return cp, nil
	case map[string]any:
		return checkpointFromMap(cp)
	}
	return nil, fmt.Errorf("%w: checkpoint payload decoded to %T", codec.ErrDecode, v)
}

func checkpointFromMap(m map[string]any) (*Checkpoint, error) {
	cp := &Checkpoint{State: m["state"]}
	if id, ok := m["id"].(string); ok {
		cp.ID = id
	}
	if name, ok := m["node_name"].(string); ok {
		cp.NodeName = name
	}
	switch ts := m["ts"].(type) {
	case time.Time:
		cp.Timestamp = ts
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: bad checkpoint timestamp: %v", codec.ErrDecode, err)
		}
		cp.Timestamp = parsed
	}
	if cp.ID == "" {
		return nil, fmt.Errorf("%w: checkpoint payload has no id", codec.ErrDecode)
	}
	return cp, nil
}

// DecodeMetadata decodes a whole-map metadata payload, as stored by the
// relational backends.
func DecodeMetadata(c codec.Codec, payload []byte) (Metadata, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	v, err := c.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata payload: %w", err)
	}
	switch m := v.(type) {
	case nil:
		return nil, nil
	case Metadata:
		return m, nil
	case map[string]any:
		return Metadata(m), nil
	}
	return nil, fmt.Errorf("%w: metadata payload decoded to %T", codec.ErrDecode, v)
}

// DecodeMetadataValues decodes per-key encoded metadata, as stored by the
// document backends that keep each field separately queryable.
func DecodeMetadataValues(c codec.Codec, raw map[string][]byte) (Metadata, error) {
	if raw == nil {
		return nil, nil
	}
	md := make(Metadata, len(raw))
	for k, payload := range raw {
		v, err := c.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode metadata field %q: %w", k, err)
		}
		md[k] = v
	}
	return md, nil
}
