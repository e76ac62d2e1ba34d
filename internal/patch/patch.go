// Package patch describes how a materialized document changes. A patch is a
// tree of ObjectDiff nodes shaped like the part of the object graph a
// mutation touched; every property carries one Diff per contributor so that
// conflicting values survive the merge.
package patch

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/example/sync-document-engine/internal/value"
)

// ObjectType names the kind of composite an ObjectDiff describes.
type ObjectType string

const (
	TypeMap   ObjectType = "map"
	TypeList  ObjectType = "list"
	TypeTable ObjectType = "table"
	TypeText  ObjectType = "text"
)

// EditAction is a list-shape change.
type EditAction string

const (
	EditInsert EditAction = "insert"
	EditRemove EditAction = "remove"
)

// Edit inserts or removes a single list slot.
type Edit struct {
	Action EditAction `json:"action"`
	Index  int        `json:"index"`
}

func Insert(index int) Edit { return Edit{Action: EditInsert, Index: index} }
func Remove(index int) Edit { return Edit{Action: EditRemove, Index: index} }

// ValueDiff is a leaf: a primitive plus an optional datatype tag.
type ValueDiff struct {
	Value    value.Primitive `json:"value"`
	Datatype value.Datatype  `json:"datatype,omitempty"`
}

// Diff is either a nested object or a value leaf. Exactly one field is set.
type Diff struct {
	Object *ObjectDiff
	Value  *ValueDiff
}

// ObjectLeaf wraps o.
func ObjectLeaf(o *ObjectDiff) Diff {
	return Diff{Object: o}
}

// ValueLeaf builds a value leaf.
func ValueLeaf(v value.Primitive, datatype value.Datatype) Diff {
	return Diff{Value: &ValueDiff{Value: v, Datatype: datatype}}
}

// ObjectID returns the id of an object leaf and "" for value leaves.
func (d Diff) ObjectID() string {
	if d.Object == nil {
		return ""
	}
	return d.Object.ObjectID
}

// Equal compares two diffs structurally.
func (d Diff) Equal(other Diff) bool {
	switch {
	case d.Object != nil || other.Object != nil:
		return d.Object != nil && other.Object != nil && d.Object.Equal(other.Object)
	case d.Value != nil || other.Value != nil:
		return d.Value != nil && other.Value != nil && *d.Value == *other.Value
	default:
		return true
	}
}

// Props maps a property key to its contributors.
type Props map[value.Key]map[string]Diff

// ObjectDiff is a patch node for one composite.
type ObjectDiff struct {
	ObjectID string
	Type     ObjectType
	Edits    []Edit
	Props    Props
}

// New returns a node with no edits and no props.
func New(objectID string, typ ObjectType) *ObjectDiff {
	return &ObjectDiff{ObjectID: objectID, Type: typ}
}

// Set installs the contributor map for key, allocating Props if needed.
func (o *ObjectDiff) Set(key value.Key, contributors map[string]Diff) {
	if o.Props == nil {
		o.Props = make(Props)
	}
	o.Props[key] = contributors
}

// Keys returns the property keys in ascending order, indices before names.
func (o *ObjectDiff) Keys() []value.Key {
	keys := make([]value.Key, 0, len(o.Props))
	for k := range o.Props {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// Equal compares id, type, edits and props. A nil slice or map equals an
// empty one.
func (o *ObjectDiff) Equal(other *ObjectDiff) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.ObjectID != other.ObjectID || o.Type != other.Type {
		return false
	}
	if len(o.Edits) != len(other.Edits) || len(o.Props) != len(other.Props) {
		return false
	}
	for i := range o.Edits {
		if o.Edits[i] != other.Edits[i] {
			return false
		}
	}
	for key, contributors := range o.Props {
		theirs, ok := other.Props[key]
		if !ok || len(theirs) != len(contributors) {
			return false
		}
		for id, d := range contributors {
			td, ok := theirs[id]
			if !ok || !d.Equal(td) {
				return false
			}
		}
	}
	return true
}

func (o *ObjectDiff) String() string {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Sprintf("<invalid patch: %v>", err)
	}
	return string(data)
}

// Describe produces a leaf for v without its contents: composites become an
// object leaf with only id and type, dates a float timestamp and counters
// their integer magnitude.
func Describe(v value.Value) (Diff, error) {
	switch t := v.(type) {
	case nil:
		return Diff{}, fmt.Errorf("describe: %w: want a value, got nothing", value.ErrTypeMismatch)
	case value.Primitive:
		return ValueLeaf(t, value.DatatypeNone), nil
	case value.Counter:
		n, ok := t.Int()
		if !ok {
			return Diff{}, fmt.Errorf("describe counter: %w: payload is %s", value.ErrTypeMismatch, t.Value.Type())
		}
		return ValueLeaf(value.Int(n), value.DatatypeCounter), nil
	case value.Date:
		return ValueLeaf(value.Float(t.Timestamp()), value.DatatypeTimestamp), nil
	}
	typ, err := TypeOf(v)
	if err != nil {
		return Diff{}, err
	}
	id, _ := value.ObjectID(v)
	return ObjectLeaf(New(id, typ)), nil
}

// TypeOf maps a composite to its ObjectType.
func TypeOf(v value.Value) (ObjectType, error) {
	switch v.(type) {
	case *value.Map:
		return TypeMap, nil
	case *value.List:
		return TypeList, nil
	case *value.Text:
		return TypeText, nil
	case *value.Table:
		return TypeTable, nil
	}
	if v == nil {
		return "", fmt.Errorf("%w: want a composite, got nothing", value.ErrTypeMismatch)
	}
	return "", fmt.Errorf("%w: want a composite, got %s", value.ErrTypeMismatch, v.Kind())
}

// SortKeys orders keys with indices first (ascending) and names after.
func SortKeys(keys []value.Key) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.IsIndex() != b.IsIndex() {
			return a.IsIndex()
		}
		if a.IsIndex() {
			return a.Index() < b.Index()
		}
		return a.Name() < b.Name()
	})
}

// SortedContributors returns the contributor ids of m in ascending order.
func SortedContributors[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
