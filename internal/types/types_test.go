package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sync-document-engine/internal/oplog"
	"github.com/example/sync-document-engine/internal/value"
)

func TestVectorClockOrdering(t *testing.T) {
	a := VectorClock{"alice": 2, "bob": 1}
	b := VectorClock{"alice": 1, "bob": 1}

	assert.True(t, a.Dominates(b))
	assert.True(t, a.Compare(b))
	assert.False(t, b.Compare(a))
	assert.True(t, a.Dominates(a.Clone()))
	assert.False(t, a.Compare(a.Clone()))

	b.Merge(VectorClock{"carol": 3})
	assert.Equal(t, VectorClock{"alice": 1, "bob": 1, "carol": 3}, b)
	assert.False(t, a.Dominates(b))

	var empty VectorClock
	assert.NotNil(t, empty.Clone())
}

func TestVectorClockReadyAndSeen(t *testing.T) {
	local := VectorClock{"alice": 1}

	assert.True(t, local.Ready("alice", VectorClock{"alice": 2}))
	assert.False(t, local.Ready("alice", VectorClock{"alice": 3}))
	assert.False(t, local.Ready("bob", VectorClock{"alice": 2, "bob": 1}))
	assert.True(t, local.Ready("bob", VectorClock{"alice": 1, "bob": 1}))

	assert.True(t, local.Seen("alice", VectorClock{"alice": 1}))
	assert.False(t, local.Seen("alice", VectorClock{"alice": 2}))
	assert.False(t, local.Seen("bob", VectorClock{}))
}

func sampleChange(t *testing.T) Change {
	t.Helper()
	c := Change{
		ID:       "c-1",
		Document: "doc-1",
		Actor:    "alice",
		Ops: []oplog.Op{
			{Action: oplog.ActionSet, Obj: "_root", Key: value.StringKey("title"), Value: value.String("draft")},
		},
		VectorClock: VectorClock{"alice": 1},
		CreatedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, c.Seal())
	return c
}

func TestSealAndVerify(t *testing.T) {
	c := sampleChange(t)
	assert.NotZero(t, c.Digest)
	assert.Equal(t, uint64(1), c.Seq())
	require.NoError(t, c.Verify())

	c.Ops[0].Value = value.String("tampered")
	assert.ErrorIs(t, c.Verify(), ErrDigestMismatch)
}

func TestDecodeChangeFillsIdentityFromRecord(t *testing.T) {
	c := sampleChange(t)
	record, err := c.ToWALRecord()
	require.NoError(t, err)

	decoded, err := DecodeChange(record)
	require.NoError(t, err)
	assert.Equal(t, c.ID, decoded.ID)
	assert.Equal(t, c.Digest, decoded.Digest)
	assert.Equal(t, c.VectorClock, decoded.VectorClock)

	bare := Change{Ops: c.Ops, Digest: c.Digest}
	payload, err := bare.ToWALRecord()
	require.NoError(t, err)
	record.Payload = payload.Payload

	decoded, err = DecodeChange(record)
	require.NoError(t, err)
	assert.Equal(t, ChangeID("c-1"), decoded.ID)
	assert.Equal(t, DocumentID("doc-1"), decoded.Document)
	assert.Equal(t, ClientID("alice"), decoded.Actor)
	assert.Equal(t, VectorClock{"alice": 1}, decoded.VectorClock)
	assert.True(t, c.CreatedAt.Equal(decoded.CreatedAt))
}

func TestDecodeChangeRejectsCorruptPayload(t *testing.T) {
	c := sampleChange(t)
	c.Digest++
	record, err := c.ToWALRecord()
	require.NoError(t, err)

	_, err = DecodeChange(record)
	assert.ErrorIs(t, err, ErrDigestMismatch)

	record.Payload = []byte("{")
	_, err = DecodeChange(record)
	assert.Error(t, err)
}

func TestWALRecordBinaryRoundTrip(t *testing.T) {
	record, err := sampleChange(t).ToWALRecord()
	require.NoError(t, err)
	record.LSN = 42

	data, err := record.MarshalBinary()
	require.NoError(t, err)

	var decoded WALRecord
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, int64(42), decoded.LSN)
	assert.Equal(t, record.Change, decoded.Change)
	assert.JSONEq(t, string(record.Payload), string(decoded.Payload))
	assert.True(t, record.CreatedAt.Equal(decoded.CreatedAt))

	assert.Error(t, decoded.UnmarshalBinary([]byte("not json")))
}
