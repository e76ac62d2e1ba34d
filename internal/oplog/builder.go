package oplog

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/example/sync-document-engine/internal/patch"
	"github.com/example/sync-document-engine/internal/value"
)

var (
	// ErrExistingObject is returned when a literal already carries an object
	// id, i.e. it is a reference into the document rather than a new value.
	ErrExistingObject = errors.New("oplog: cannot reuse an existing object")
	// ErrExplicitRowID is returned for table rows with a user supplied "id".
	ErrExplicitRowID = errors.New("oplog: table rows must not have an id property")
	// ErrTableRows is returned when a table literal is created with rows.
	ErrTableRows = errors.New("oplog: table literals must be empty, add rows afterwards")
)

// IDGenerator returns a fresh globally unique object id.
type IDGenerator func() string

// Builder accumulates the operations of one change. Nested literals are
// flattened with map keys in ascending order so identical edits produce
// identical logs.
type Builder struct {
	actor string
	newID IDGenerator
	ops   []Op
}

// NewBuilder returns a builder attributing writes to actor. A nil generator
// falls back to random UUIDs.
func NewBuilder(actor string, newID IDGenerator) *Builder {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Builder{actor: actor, newID: newID}
}

func (b *Builder) Actor() string { return b.actor }
func (b *Builder) Len() int      { return len(b.ops) }

// Ops returns a copy of the log.
func (b *Builder) Ops() []Op {
	out := make([]Op, len(b.ops))
	copy(out, b.ops)
	return out
}

func (b *Builder) Append(op Op) {
	b.ops = append(b.ops, op)
}

// Truncate drops every op after the first n.
func (b *Builder) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(b.ops) {
		b.ops = b.ops[:n]
	}
}

// SetValue records the assignment of v to key of object obj, inserting a new
// list slot when insert is set, and returns the patch leaf describing v. On
// error nothing is appended.
func (b *Builder) SetValue(obj string, key value.Key, v value.Value, insert bool) (patch.Diff, error) {
	mark := len(b.ops)
	d, err := b.setValue(obj, key, v, insert)
	if err != nil {
		b.Truncate(mark)
		return patch.Diff{}, err
	}
	return d, nil
}

// MakeRow records a new table row. The row is keyed by its own generated id.
func (b *Builder) MakeRow(table string, row *value.Map) (patch.Diff, error) {
	if row == nil {
		return patch.Diff{}, fmt.Errorf("make row: %w: want a map, got nothing", value.ErrTypeMismatch)
	}
	if row.ObjectID != "" {
		return patch.Diff{}, fmt.Errorf("make row %s: %w", row.ObjectID, ErrExistingObject)
	}
	if _, ok := row.Values["id"]; ok {
		return patch.Diff{}, ErrExplicitRowID
	}
	mark := len(b.ops)
	child := b.newID()
	sub, err := b.makeMap(table, value.StringKey(child), child, row, false)
	if err != nil {
		b.Truncate(mark)
		return patch.Diff{}, err
	}
	return patch.ObjectLeaf(sub), nil
}

// InsertListItems inserts values into the sequence described by sub starting
// at index, recording one insert edit and one prop per element. Bounds are
// the caller's responsibility.
func (b *Builder) InsertListItems(sub *patch.ObjectDiff, index int, values []value.Value) error {
	if sub.Type == patch.TypeText {
		for i, v := range values {
			if !value.IsChar(v) {
				return fmt.Errorf("insert into text %s at %d: %w", sub.ObjectID, index+i, value.ErrInvalidText)
			}
		}
	}
	mark := len(b.ops)
	edits := len(sub.Edits)
	for i, v := range values {
		key := value.IndexKey(index + i)
		d, err := b.setValue(sub.ObjectID, key, v, true)
		if err != nil {
			b.Truncate(mark)
			sub.Edits = sub.Edits[:edits]
			for j := 0; j < i; j++ {
				delete(sub.Props, value.IndexKey(index+j))
			}
			return err
		}
		sub.Edits = append(sub.Edits, patch.Insert(index+i))
		sub.Set(key, map[string]patch.Diff{b.actor: d})
	}
	return nil
}

func (b *Builder) setValue(obj string, key value.Key, v value.Value, insert bool) (patch.Diff, error) {
	switch t := v.(type) {
	case nil:
		return b.setPrimitive(obj, key, value.Null(), value.DatatypeNone, insert), nil
	case value.Primitive:
		return b.setPrimitive(obj, key, t, value.DatatypeNone, insert), nil
	case value.Counter:
		n, ok := t.Int()
		if !ok {
			return patch.Diff{}, fmt.Errorf("set counter %s[%s]: %w: payload is %s", obj, key, value.ErrTypeMismatch, t.Value.Type())
		}
		return b.setPrimitive(obj, key, value.Int(n), value.DatatypeCounter, insert), nil
	case value.Date:
		return b.setPrimitive(obj, key, value.Float(t.Timestamp()), value.DatatypeTimestamp, insert), nil
	case *value.Map:
		if t.ObjectID != "" {
			return patch.Diff{}, fmt.Errorf("set %s[%s] to map %s: %w", obj, key, t.ObjectID, ErrExistingObject)
		}
		sub, err := b.makeMap(obj, key, b.newID(), t, insert)
		if err != nil {
			return patch.Diff{}, err
		}
		return patch.ObjectLeaf(sub), nil
	case *value.List:
		if t.ObjectID != "" {
			return patch.Diff{}, fmt.Errorf("set %s[%s] to list %s: %w", obj, key, t.ObjectID, ErrExistingObject)
		}
		return b.makeSequence(obj, key, ActionMakeList, patch.TypeList, t.Values, insert)
	case *value.Text:
		if t.ObjectID != "" {
			return patch.Diff{}, fmt.Errorf("set %s[%s] to text %s: %w", obj, key, t.ObjectID, ErrExistingObject)
		}
		return b.makeSequence(obj, key, ActionMakeText, patch.TypeText, t.Values, insert)
	case *value.Table:
		if t.ObjectID != "" {
			return patch.Diff{}, fmt.Errorf("set %s[%s] to table %s: %w", obj, key, t.ObjectID, ErrExistingObject)
		}
		if len(t.Rows) > 0 {
			return patch.Diff{}, fmt.Errorf("set %s[%s]: %w", obj, key, ErrTableRows)
		}
		child := b.newID()
		b.Append(Op{Action: ActionMakeTable, Obj: obj, Key: key, Insert: insert, Child: child})
		sub := patch.New(child, patch.TypeTable)
		sub.Props = patch.Props{}
		return patch.ObjectLeaf(sub), nil
	default:
		return patch.Diff{}, fmt.Errorf("set %s[%s]: %w: unsupported kind %s", obj, key, value.ErrTypeMismatch, v.Kind())
	}
}

func (b *Builder) setPrimitive(obj string, key value.Key, p value.Primitive, datatype value.Datatype, insert bool) patch.Diff {
	b.Append(Op{Action: ActionSet, Obj: obj, Key: key, Insert: insert, Value: p, Datatype: datatype})
	return patch.ValueLeaf(p, datatype)
}

func (b *Builder) makeMap(obj string, key value.Key, child string, m *value.Map, insert bool) (*patch.ObjectDiff, error) {
	b.Append(Op{Action: ActionMakeMap, Obj: obj, Key: key, Insert: insert, Child: child})
	sub := patch.New(child, patch.TypeMap)
	sub.Props = patch.Props{}

	names := make([]string, 0, len(m.Values))
	for name := range m.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d, err := b.setValue(child, value.StringKey(name), m.Values[name], false)
		if err != nil {
			return nil, err
		}
		sub.Props[value.StringKey(name)] = map[string]patch.Diff{b.actor: d}
	}
	return sub, nil
}

func (b *Builder) makeSequence(obj string, key value.Key, action Action, typ patch.ObjectType, values []value.Value, insert bool) (patch.Diff, error) {
	if typ == patch.TypeText {
		for i, v := range values {
			if !value.IsChar(v) {
				return patch.Diff{}, fmt.Errorf("text element %d: %w", i, value.ErrInvalidText)
			}
		}
	}
	child := b.newID()
	b.Append(Op{Action: action, Obj: obj, Key: key, Insert: insert, Child: child})
	sub := patch.New(child, typ)
	sub.Edits = []patch.Edit{}
	sub.Props = patch.Props{}
	if err := b.InsertListItems(sub, 0, values); err != nil {
		return patch.Diff{}, err
	}
	return patch.ObjectLeaf(sub), nil
}
