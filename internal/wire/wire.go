// Package wire frames the messages exchanged with websocket clients and
// between instances. Envelopes are plain JSON documents carried as
// google.protobuf.Struct values so every hop speaks protobuf binary.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/sync-document-engine/internal/crdt"
	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/value"
)

// ErrMalformedEnvelope is returned for frames that decode but lack the body
// their kind requires.
var ErrMalformedEnvelope = errors.New("wire: malformed envelope")

// Kind discriminates envelope bodies.
type Kind string

const (
	KindMutation Kind = "mutation"
	KindChange   Kind = "change"
	KindPresence Kind = "presence"
	KindState    Kind = "state"
	KindError    Kind = "error"
)

// Envelope is one frame. Exactly one body matching Kind is set.
type Envelope struct {
	Kind      Kind             `json:"kind"`
	Document  types.DocumentID `json:"document_id"`
	Client    types.ClientID   `json:"client_id,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	// Timestamp is in Unix milliseconds so it survives float64 transport.
	Timestamp int64 `json:"timestamp"`

	Mutations []crdt.Mutation `json:"mutations,omitempty"`
	Change    *types.Change   `json:"change,omitempty"`
	RowIDs    []string        `json:"row_ids,omitempty"`
	Presence  *Presence       `json:"presence,omitempty"`
	State     *State          `json:"state,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Presence is a heartbeat of one client on one document.
type Presence struct {
	Document     types.DocumentID  `json:"document_id"`
	Client       types.ClientID    `json:"client_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Cursor       *value.Key        `json:"cursor,omitempty"`
	Disconnected bool              `json:"disconnected,omitempty"`
	UpdatedAt    int64             `json:"updated_at,omitempty"`
}

// State carries the full materialized view of a document.
type State struct {
	Root        value.Literal     `json:"root"`
	VectorClock types.VectorClock `json:"vector_clock"`
	LastChange  types.ChangeID    `json:"last_change_id,omitempty"`
	LSN         int64             `json:"lsn"`
}

// Error reports a rejected request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Now returns the current time in envelope resolution.
func Now() int64 {
	return time.Now().UTC().UnixMilli()
}

// Validate checks that the body matching Kind is present.
func (e *Envelope) Validate() error {
	if e.Document == "" {
		return fmt.Errorf("%w: missing document id", ErrMalformedEnvelope)
	}
	var ok bool
	switch e.Kind {
	case KindMutation:
		ok = len(e.Mutations) > 0
	case KindChange:
		ok = e.Change != nil
	case KindPresence:
		ok = e.Presence != nil
	case KindState:
		ok = e.State != nil
	case KindError:
		ok = e.Error != nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, e.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: %s without body", ErrMalformedEnvelope, e.Kind)
	}
	return nil
}

// ToStruct converts any JSON-encodable value into a protobuf Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("convert to struct: %w", err)
	}
	return &s, nil
}

// FromStruct decodes a protobuf Struct into v.
func FromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("convert from struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// Encode serializes an envelope to a binary frame.
func Encode(env *Envelope) ([]byte, error) {
	if env.Timestamp == 0 {
		env.Timestamp = Now()
	}
	s, err := ToStruct(env)
	if err != nil {
		return nil, err
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates a binary frame.
func Decode(data []byte) (*Envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	var env Envelope
	if err := FromStruct(&s, &env); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// EncodeJSON serializes an envelope to a text frame.
func EncodeJSON(env *Envelope) ([]byte, error) {
	if env.Timestamp == 0 {
		env.Timestamp = Now()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeJSON parses and validates a text frame.
func DecodeJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
