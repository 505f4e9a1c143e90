package checkpoint

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewIDSortsInCreationOrder(t *testing.T) {
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, NewID())
		time.Sleep(2 * time.Millisecond)
	}
	assert.True(t, slices.IsSorted(ids), "ids should sort in creation order: %v", ids)
}

func TestValidatePut(t *testing.T) {
	assert.ErrorIs(t, ValidatePut("", &Checkpoint{ID: "cp-1"}), ErrEmptyThreadID)
	assert.ErrorIs(t, ValidatePut("thread-1", nil), ErrEmptyCheckpointID)
	assert.ErrorIs(t, ValidatePut("thread-1", &Checkpoint{}), ErrEmptyCheckpointID)
	assert.NoError(t, ValidatePut("thread-1", &Checkpoint{ID: "cp-1"}))
}

func TestValidateGet(t *testing.T) {
	assert.ErrorIs(t, ValidateGet(Ref{}), ErrEmptyThreadID)
	assert.NoError(t, ValidateGet(Ref{ThreadID: "thread-1"}))
}

func TestDecodeCheckpointRoundTrip(t *testing.T) {
	c := DefaultCodec()

	cp := &Checkpoint{
		ID:        NewID(),
		NodeName:  "plan",
		State:     map[string]any{"count": float64(2)},
		Timestamp: time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC),
	}

	payload, err := c.Encode(cp)
	assert.NoError(t, err)

	decoded, err := DecodeCheckpoint(c, payload)
	assert.NoError(t, err)
	assert.Equal(t, cp.ID, decoded.ID)
	assert.Equal(t, cp.NodeName, decoded.NodeName)
	assert.Equal(t, cp.State, decoded.State)
	assert.True(t, cp.Timestamp.Equal(decoded.Timestamp))
}

func TestDecodeCheckpointRejectsGarbage(t *testing.T) {
	c := DefaultCodec()
	_, err := DecodeCheckpoint(c, []byte("\x00\x01garbage"))
	assert.Error(t, err)
}

func TestDecodeMetadataValues(t *testing.T) {
	c := DefaultCodec()

	stepPayload, err := c.Encode(float64(4))
	assert.NoError(t, err)
	sourcePayload, err := c.Encode("loop")
	assert.NoError(t, err)

	md, err := DecodeMetadataValues(c, map[string][]byte{
		"step":   stepPayload,
		"source": sourcePayload,
	})
	assert.NoError(t, err)
	assert.Equal(t, Metadata{"step": float64(4), "source": "loop"}, md)

	md, err = DecodeMetadataValues(c, nil)
	assert.NoError(t, err)
	assert.Nil(t, md)
}

func TestCollectStopsAtError(t *testing.T) {
	seq := func(yield func(*Record, error) bool) {
		if !yield(&Record{Ref: Ref{ThreadID: "a", CheckpointID: "1"}}, nil) {
			return
		}
		yield(nil, assert.AnError)
	}
	recs, err := Collect(seq)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, recs, 1)
}
