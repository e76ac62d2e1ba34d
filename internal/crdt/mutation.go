package crdt

import (
	"errors"
	"fmt"

	"github.com/example/sync-document-engine/internal/change"
	"github.com/example/sync-document-engine/internal/value"
)

// ErrInvalidMutation is returned for requests that are missing a field their
// kind requires.
var ErrInvalidMutation = errors.New("crdt: invalid mutation")

// MutationKind names one of the local mutation operations.
type MutationKind string

const (
	MutationSetMapKey      MutationKind = "set_map_key"
	MutationSetListIndex   MutationKind = "set_list_index"
	MutationSplice         MutationKind = "splice"
	MutationAddTableRow    MutationKind = "add_table_row"
	MutationDeleteTableRow MutationKind = "delete_table_row"
	MutationIncrement      MutationKind = "increment"
)

// Mutation is a declarative request for one change.Context operation, as
// received from clients.
type Mutation struct {
	Kind      MutationKind         `json:"kind"`
	Path      []change.PathElement `json:"path,omitempty"`
	Key       value.Key            `json:"key"`
	Deletions int                  `json:"deletions,omitempty"`
	Value     *value.Literal       `json:"value,omitempty"`
	Values    []value.Literal      `json:"values,omitempty"`
	RowID     string               `json:"rowId,omitempty"`
	Delta     int64                `json:"delta,omitempty"`
}

// Apply runs the mutation against ctx. For add_table_row it returns the
// generated row id.
func (m Mutation) Apply(ctx *change.Context) (string, error) {
	switch m.Kind {
	case MutationSetMapKey:
		if m.Key.IsIndex() {
			return "", fmt.Errorf("%w: %s needs a string key", ErrInvalidMutation, m.Kind)
		}
		return "", ctx.SetMapKey(m.Path, m.Key.Name(), m.literal())
	case MutationSetListIndex:
		if !m.Key.IsIndex() {
			return "", fmt.Errorf("%w: %s needs an index key", ErrInvalidMutation, m.Kind)
		}
		return "", ctx.SetListIndex(m.Path, m.Key.Index(), m.literal())
	case MutationSplice:
		if !m.Key.IsIndex() {
			return "", fmt.Errorf("%w: %s needs an index key", ErrInvalidMutation, m.Kind)
		}
		values := make([]value.Value, len(m.Values))
		for i, l := range m.Values {
			values[i] = l.Value
		}
		return "", ctx.Splice(m.Path, m.Key.Index(), m.Deletions, values)
	case MutationAddTableRow:
		row, err := value.AsMap(m.literal())
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrInvalidMutation, m.Kind, err)
		}
		return ctx.AddTableRow(m.Path, row)
	case MutationDeleteTableRow:
		if m.RowID == "" {
			return "", fmt.Errorf("%w: %s needs a row id", ErrInvalidMutation, m.Kind)
		}
		return "", ctx.DeleteTableRow(m.Path, m.RowID)
	case MutationIncrement:
		return "", ctx.Increment(m.Path, m.Key, m.Delta)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
	}
}

func (m Mutation) literal() value.Value {
	if m.Value == nil {
		return nil
	}
	return m.Value.Value
}
