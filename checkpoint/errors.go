package checkpoint

import "errors"

// Malformed-input errors, rejected synchronously before any I/O.
var (
	ErrEmptyThreadID     = errors.New("checkpoint: thread id is required")
	ErrEmptyCheckpointID = errors.New("checkpoint: checkpoint id is required")
)

// ValidatePut checks the inputs every Saver.Put must reject before touching
// the backing store.
func ValidatePut(threadID string, cp *Checkpoint) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}
	if cp == nil || cp.ID == "" {
		return ErrEmptyCheckpointID
	}
	return nil
}

// ValidateGet checks the identity passed to Saver.GetLatest.
func ValidateGet(ref Ref) error {
	if ref.ThreadID == "" {
		return ErrEmptyThreadID
	}
	return nil
}
