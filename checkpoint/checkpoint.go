package checkpoint

import (
	"time"

	"github.com/google/uuid"
)

// Checkpoint is an immutable snapshot of a thread's state at one step.
//
// The ID is supplied by the caller and doubles as the ordering key: it must
// be unique within the thread and sort lexicographically in creation order.
// NewID mints ids with that property.
type Checkpoint struct {
	ID        string    `json:"id"`
	NodeName  string    `json:"node_name,omitempty"`
	State     any       `json:"state"`
	Timestamp time.Time `json:"ts"`
}

// Metadata carries auxiliary information about the step that produced a
// checkpoint: the step index, the triggering source, per-node writes, and
// whatever else the engine wants to filter history by.
type Metadata map[string]any

// Ref identifies one checkpoint within a thread.
type Ref struct {
	ThreadID     string
	CheckpointID string
}

// Record is a checkpoint read back from a Saver, together with its decoded
// metadata and lineage. Parent is nil for the first checkpoint of a thread.
type Record struct {
	Ref        Ref
	Checkpoint *Checkpoint
	Metadata   Metadata
	Parent     *Ref
}

// NewID returns a UUIDv7 string. UUIDv7 embeds the creation time in its most
// significant bits, so ids minted by NewID sort lexicographically in creation
// order, which is what lets "latest" be computed by a descending sort.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
