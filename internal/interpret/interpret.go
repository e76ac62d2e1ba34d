// Package interpret folds patches into materialized values.
//
// Apply is deterministic and copy-on-write: objects reachable from the
// previous root are never modified, every object the patch touches is
// replaced by a fresh copy and recorded in the overlay.
package interpret

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/example/sync-document-engine/internal/patch"
	"github.com/example/sync-document-engine/internal/value"
)

// ErrInvalidPatch is returned when a patch does not fit the value it is
// applied to.
var ErrInvalidPatch = errors.New("interpret: invalid patch")

// Apply applies diff to prev and returns the new root. Every object the
// patch touches is written into overlay keyed by its id.
func Apply(diff *patch.ObjectDiff, prev value.Value, overlay map[string]value.Value) (value.Value, error) {
	if diff == nil {
		return nil, fmt.Errorf("%w: no patch", ErrInvalidPatch)
	}
	if overlay == nil {
		return nil, fmt.Errorf("%w: nil overlay", ErrInvalidPatch)
	}
	return applyObject(diff, prev, overlay)
}

func applyObject(diff *patch.ObjectDiff, prev value.Value, overlay map[string]value.Value) (value.Value, error) {
	base, err := baseFor(diff, prev, overlay)
	if err != nil {
		return nil, err
	}
	var out value.Value
	switch diff.Type {
	case patch.TypeMap:
		out, err = applyMap(diff, base.(*value.Map), overlay)
	case patch.TypeTable:
		out, err = applyTable(diff, base.(*value.Table), overlay)
	case patch.TypeList:
		var l *value.List
		l, err = applySequence(diff, base.(*value.List), overlay)
		out = l
	case patch.TypeText:
		var l *value.List
		l, err = applySequence(diff, &base.(*value.Text).List, overlay)
		if l != nil {
			out = &value.Text{List: *l}
		}
	default:
		return nil, fmt.Errorf("%w: unknown object type %q", ErrInvalidPatch, diff.Type)
	}
	if err != nil {
		return nil, err
	}
	overlay[diff.ObjectID] = out
	return out, nil
}

// baseFor picks the value the diff is applied on top of: prev when it is
// the same object, then any version already in the overlay, else a new
// empty object.
func baseFor(diff *patch.ObjectDiff, prev value.Value, overlay map[string]value.Value) (value.Value, error) {
	candidate := prev
	if id, ok := value.ObjectID(prev); !ok || id != diff.ObjectID {
		candidate = overlay[diff.ObjectID]
	}
	if candidate == nil {
		return empty(diff)
	}
	typ, err := patch.TypeOf(candidate)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPatch, diff.ObjectID, err)
	}
	if typ != diff.Type {
		return nil, fmt.Errorf("%w: %s is a %s, patch describes a %s", ErrInvalidPatch, diff.ObjectID, typ, diff.Type)
	}
	return candidate, nil
}

func empty(diff *patch.ObjectDiff) (value.Value, error) {
	switch diff.Type {
	case patch.TypeMap:
		return &value.Map{ObjectID: diff.ObjectID}, nil
	case patch.TypeTable:
		return &value.Table{ObjectID: diff.ObjectID}, nil
	case patch.TypeList:
		return &value.List{ObjectID: diff.ObjectID}, nil
	case patch.TypeText:
		return &value.Text{List: value.List{ObjectID: diff.ObjectID}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown object type %q", ErrInvalidPatch, diff.Type)
	}
}

func applyMap(diff *patch.ObjectDiff, base *value.Map, overlay map[string]value.Value) (*value.Map, error) {
	out := &value.Map{
		ObjectID:  base.ObjectID,
		Values:    maps.Clone(base.Values),
		Conflicts: maps.Clone(base.Conflicts),
	}
	if out.Values == nil {
		out.Values = make(map[string]value.Value)
	}
	if out.Conflicts == nil {
		out.Conflicts = make(map[string]map[string]value.Value)
	}
	for _, key := range diff.Keys() {
		if key.IsIndex() {
			return nil, fmt.Errorf("%w: index key %d on map %s", ErrInvalidPatch, key.Index(), diff.ObjectID)
		}
		name := key.Name()
		contributors := diff.Props[key]
		if len(contributors) == 0 {
			delete(out.Values, name)
			delete(out.Conflicts, name)
			continue
		}
		winner, conflicts, err := applyProperty(contributors, base.Values[name], base.Conflicts[name], overlay)
		if err != nil {
			return nil, fmt.Errorf("map %s key %q: %w", diff.ObjectID, name, err)
		}
		out.Values[name] = winner
		out.Conflicts[name] = conflicts
	}
	return out, nil
}

func applyTable(diff *patch.ObjectDiff, base *value.Table, overlay map[string]value.Value) (*value.Table, error) {
	out := &value.Table{ObjectID: base.ObjectID, Rows: maps.Clone(base.Rows)}
	if out.Rows == nil {
		out.Rows = make(map[string]*value.Map)
	}
	for _, key := range diff.Keys() {
		if key.IsIndex() {
			return nil, fmt.Errorf("%w: index key %d on table %s", ErrInvalidPatch, key.Index(), diff.ObjectID)
		}
		rowID := key.Name()
		contributors := diff.Props[key]
		if len(contributors) == 0 {
			delete(out.Rows, rowID)
			continue
		}
		var prevRow value.Value
		if row, ok := base.Rows[rowID]; ok {
			prevRow = row
		}
		winner, _, err := applyProperty(contributors, prevRow, nil, overlay)
		if err != nil {
			return nil, fmt.Errorf("table %s row %s: %w", diff.ObjectID, rowID, err)
		}
		row, ok := winner.(*value.Map)
		if !ok {
			return nil, fmt.Errorf("%w: table %s row %s is not a map", ErrInvalidPatch, diff.ObjectID, rowID)
		}
		out.Rows[rowID] = row
	}
	return out, nil
}

func applySequence(diff *patch.ObjectDiff, base *value.List, overlay map[string]value.Value) (*value.List, error) {
	values := slices.Clone(base.Values)
	conflicts := make([]map[string]value.Value, len(values))
	copy(conflicts, base.Conflicts)
	// Slots inserted by edits stay nil until a prop fills them.
	filled := make([]bool, len(values))
	for i := range filled {
		filled[i] = true
	}

	for _, edit := range diff.Edits {
		switch edit.Action {
		case patch.EditInsert:
			if edit.Index < 0 || edit.Index > len(values) {
				return nil, fmt.Errorf("%w: insert at %d in %s of length %d", ErrInvalidPatch, edit.Index, diff.ObjectID, len(values))
			}
			values = slices.Insert(values, edit.Index, value.Value(nil))
			conflicts = slices.Insert(conflicts, edit.Index, map[string]value.Value(nil))
			filled = slices.Insert(filled, edit.Index, false)
		case patch.EditRemove:
			if edit.Index < 0 || edit.Index >= len(values) {
				return nil, fmt.Errorf("%w: remove at %d in %s of length %d", ErrInvalidPatch, edit.Index, diff.ObjectID, len(values))
			}
			values = slices.Delete(values, edit.Index, edit.Index+1)
			conflicts = slices.Delete(conflicts, edit.Index, edit.Index+1)
			filled = slices.Delete(filled, edit.Index, edit.Index+1)
		default:
			return nil, fmt.Errorf("%w: unknown edit %q", ErrInvalidPatch, edit.Action)
		}
	}

	for _, key := range diff.Keys() {
		if !key.IsIndex() {
			return nil, fmt.Errorf("%w: key %q on sequence %s", ErrInvalidPatch, key.Name(), diff.ObjectID)
		}
		i := key.Index()
		if i < 0 || i >= len(values) {
			return nil, fmt.Errorf("%w: index %d out of range in %s", ErrInvalidPatch, i, diff.ObjectID)
		}
		contributors := diff.Props[key]
		if len(contributors) == 0 {
			continue
		}
		var prevConflicts map[string]value.Value
		if filled[i] {
			prevConflicts = conflicts[i]
		}
		winner, merged, err := applyProperty(contributors, values[i], prevConflicts, overlay)
		if err != nil {
			return nil, fmt.Errorf("sequence %s index %d: %w", diff.ObjectID, i, err)
		}
		values[i], conflicts[i], filled[i] = winner, merged, true
	}

	for i, ok := range filled {
		if !ok {
			return nil, fmt.Errorf("%w: inserted slot %d in %s has no value", ErrInvalidPatch, i, diff.ObjectID)
		}
	}
	if diff.Type == patch.TypeText {
		for i, v := range values {
			if !value.IsChar(v) {
				return nil, fmt.Errorf("%w: text %s element %d: %v", ErrInvalidPatch, diff.ObjectID, i, value.ErrInvalidText)
			}
		}
	}
	return &value.List{ObjectID: base.ObjectID, Values: values, Conflicts: conflicts}, nil
}

// applyProperty resolves every contributor of one property and picks the
// winner: the contributor that won before if it is still present, else the
// greatest contributor id.
func applyProperty(contributors map[string]patch.Diff, prevWinner value.Value, prevConflicts map[string]value.Value, overlay map[string]value.Value) (value.Value, map[string]value.Value, error) {
	merged := make(map[string]value.Value, len(contributors))
	ids := patch.SortedContributors(contributors)
	for _, id := range ids {
		prev := prevConflicts[id]
		if prev == nil && len(contributors) == 1 {
			prev = prevWinner
		}
		v, err := applyDiff(contributors[id], prev, overlay)
		if err != nil {
			return nil, nil, err
		}
		merged[id] = v
	}

	winner := ids[len(ids)-1]
	for _, id := range patch.SortedContributors(prevConflicts) {
		if _, still := merged[id]; still && sameValue(prevConflicts[id], prevWinner) {
			winner = id
			break
		}
	}
	return merged[winner], merged, nil
}

func applyDiff(d patch.Diff, prev value.Value, overlay map[string]value.Value) (value.Value, error) {
	switch {
	case d.Object != nil:
		return applyObject(d.Object, prev, overlay)
	case d.Value != nil:
		return leaf(d.Value)
	default:
		return nil, fmt.Errorf("%w: empty diff", ErrInvalidPatch)
	}
}

func leaf(v *patch.ValueDiff) (value.Value, error) {
	switch v.Datatype {
	case value.DatatypeNone:
		return v.Value, nil
	case value.DatatypeCounter:
		return value.Counter{Value: v.Value}, nil
	case value.DatatypeTimestamp:
		if f, ok := v.Value.FloatValue(); ok {
			return value.DateFromTimestamp(f), nil
		}
		if n, ok := v.Value.IntValue(); ok {
			return value.DateFromTimestamp(float64(n)), nil
		}
		return nil, fmt.Errorf("%w: timestamp carries %s", ErrInvalidPatch, v.Value.Type())
	default:
		return nil, fmt.Errorf("%w: unknown datatype %q", ErrInvalidPatch, v.Datatype)
	}
}

// sameValue compares composites by identity and leaves by content.
func sameValue(a, b value.Value) bool {
	ida, aok := value.ObjectID(a)
	idb, bok := value.ObjectID(b)
	if aok || bok {
		return aok && bok && ida == idb
	}
	return value.Equal(a, b)
}
