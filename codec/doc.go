// Package codec defines the encode/decode boundary between in-memory
// checkpoint values and persisted bytes.
//
// The primary encoding is type-tagged JSON (JSONCodec): plain JSON extended
// with tag nodes so time values, raw byte strings, and caller-registered
// struct types round-trip with their concrete Go types. A second, legacy
// binary encoding (LegacyCodec) is supported read-only so checkpoints written
// by older deployments stay readable; CompatCodec dispatches between the two
// by sniffing the payload framing.
//
// Savers hold their codec as an explicit field; there is no shared global
// codec instance.
package codec
