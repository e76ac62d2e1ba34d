package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/example/sync-document-engine/internal/oplog"
	"github.com/example/sync-document-engine/internal/patch"
)

// ErrDigestMismatch is returned when a decoded change does not hash to the
// digest it was stored with.
var ErrDigestMismatch = errors.New("change digest mismatch")

// DocumentID identifies a collaborative document.
type DocumentID string

// ClientID represents a connected client or a server-side actor.
type ClientID string

// ChangeID is a globally unique identifier for a change set.
type ChangeID string

// VectorClock keeps logical time for each actor participating in a document.
type VectorClock map[ClientID]uint64

// Bump increments the vector clock for a client.
func (vc VectorClock) Bump(client ClientID) {
	vc[client] = vc[client] + 1
}

// Merge merges another vector clock into the receiver by taking the max value
// for each entry.
func (vc VectorClock) Merge(other VectorClock) {
	for client, value := range other {
		if current, ok := vc[client]; !ok || value > current {
			vc[client] = value
		}
	}
}

// Clone returns an independent copy. Cloning nil yields an empty clock.
func (vc VectorClock) Clone() VectorClock {
	if vc == nil {
		return make(VectorClock)
	}
	return maps.Clone(vc)
}

// Dominates reports whether every entry of other is covered by the receiver.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for client, value := range other {
		if vc[client] < value {
			return false
		}
	}
	return true
}

// Compare returns true if the receiver strictly dominates the other clock.
func (vc VectorClock) Compare(other VectorClock) bool {
	if !vc.Dominates(other) {
		return false
	}
	for client, value := range vc {
		if value > other[client] {
			return true
		}
	}
	return false
}

// Ready reports whether a change from actor stamped with clock is the next
// one the receiver expects: exactly one step ahead for actor and covered for
// everyone else.
func (vc VectorClock) Ready(actor ClientID, clock VectorClock) bool {
	if clock[actor] != vc[actor]+1 {
		return false
	}
	for client, value := range clock {
		if client != actor && vc[client] < value {
			return false
		}
	}
	return true
}

// Seen reports whether the change from actor stamped with clock has already
// been folded into the receiver.
func (vc VectorClock) Seen(actor ClientID, clock VectorClock) bool {
	return clock[actor] > 0 && vc[actor] >= clock[actor]
}

// Change is one committed change set: the operations a local mutation
// emitted together with the patches that describe its effect.
type Change struct {
	ID          ChangeID            `json:"id"`
	Document    DocumentID          `json:"document_id"`
	Actor       ClientID            `json:"actor"`
	Ops         []oplog.Op          `json:"ops"`
	Patches     []*patch.ObjectDiff `json:"patches"`
	VectorClock VectorClock         `json:"vector_clock"`
	Digest      uint64              `json:"digest,string"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Seq is the actor's own position in the vector clock.
func (c Change) Seq() uint64 {
	return c.VectorClock[c.Actor]
}

// Digest content-addresses an operation log.
func Digest(ops []oplog.Op) (uint64, error) {
	data, err := json.Marshal(ops)
	if err != nil {
		return 0, fmt.Errorf("encode ops: %w", err)
	}
	return xxhash.Sum64(data), nil
}

// Seal fills in the digest of the change.
func (c *Change) Seal() error {
	sum, err := Digest(c.Ops)
	if err != nil {
		return err
	}
	c.Digest = sum
	return nil
}

// Verify checks the stored digest against the ops.
func (c Change) Verify() error {
	sum, err := Digest(c.Ops)
	if err != nil {
		return err
	}
	if sum != c.Digest {
		return fmt.Errorf("%w: change %s has %x, ops hash to %x", ErrDigestMismatch, c.ID, c.Digest, sum)
	}
	return nil
}

// ToWALRecord encodes the change as the payload of a WAL record.
func (c Change) ToWALRecord() (WALRecord, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return WALRecord{}, fmt.Errorf("encode change: %w", err)
	}
	return WALRecord{
		Change:      c.ID,
		Document:    c.Document,
		Client:      c.Actor,
		Payload:     payload,
		VectorClock: c.VectorClock.Clone(),
		CreatedAt:   c.CreatedAt,
	}, nil
}

// DecodeChange restores the change carried by a WAL record. Identity fields
// missing from the payload are taken from the record.
func DecodeChange(r WALRecord) (Change, error) {
	var c Change
	if err := json.Unmarshal(r.Payload, &c); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	if c.ID == "" {
		c.ID = r.Change
	}
	if c.Document == "" {
		c.Document = r.Document
	}
	if c.Actor == "" {
		c.Actor = r.Client
	}
	if c.VectorClock == nil {
		c.VectorClock = r.VectorClock.Clone()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.CreatedAt
	}
	if err := c.Verify(); err != nil {
		return Change{}, err
	}
	return c, nil
}

// WALRecord stores a durable representation of a change.
type WALRecord struct {
	LSN         int64       `json:"lsn,omitempty"`
	Change      ChangeID    `json:"change_id"`
	Document    DocumentID  `json:"document_id"`
	Client      ClientID    `json:"client_id"`
	Payload     []byte      `json:"payload"`
	VectorClock VectorClock `json:"vector_clock"`
	CreatedAt   time.Time   `json:"created_at"`
}

type walRecordJSON struct {
	LSN         int64       `json:"lsn,omitempty"`
	Change      ChangeID    `json:"change_id"`
	Document    DocumentID  `json:"document_id"`
	Client      ClientID    `json:"client_id"`
	Payload     string      `json:"payload"`
	VectorClock VectorClock `json:"vector_clock"`
	CreatedAt   time.Time   `json:"created_at"`
}

// MarshalBinary serializes a WALRecord to JSON for storage in a byte-oriented
// WAL or a pub/sub channel.
func (r WALRecord) MarshalBinary() ([]byte, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return json.Marshal(walRecordJSON{
		LSN:         r.LSN,
		Change:      r.Change,
		Document:    r.Document,
		Client:      r.Client,
		Payload:     string(r.Payload),
		VectorClock: r.VectorClock,
		CreatedAt:   r.CreatedAt,
	})
}

// UnmarshalBinary deserializes a WALRecord from the JSON representation.
func (r *WALRecord) UnmarshalBinary(data []byte) error {
	var payload walRecordJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode wal record: %w", err)
	}
	r.LSN = payload.LSN
	r.Change = payload.Change
	r.Document = payload.Document
	r.Client = payload.Client
	r.Payload = []byte(payload.Payload)
	r.VectorClock = payload.VectorClock
	r.CreatedAt = payload.CreatedAt
	return nil
}
