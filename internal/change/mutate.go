package change

import (
	"fmt"
	"math"

	"github.com/example/sync-document-engine/internal/oplog"
	"github.com/example/sync-document-engine/internal/patch"
	"github.com/example/sync-document-engine/internal/value"
)

// SetMapKey assigns v to key of the map at path. Assigning the current
// winning value to a key without conflicts does nothing.
func (c *Context) SetMapKey(path []PathElement, key string, v value.Value) error {
	if v == nil {
		v = value.Null()
	}
	objectID := targetID(path)
	obj, err := c.GetObject(objectID)
	if err != nil {
		return err
	}
	m, err := value.AsMap(obj)
	if err != nil {
		return fmt.Errorf("set %s[%q]: %w", objectID, key, err)
	}
	existing, exists := m.Values[key]
	if _, isCounter := existing.(value.Counter); exists && isCounter {
		return fmt.Errorf("set %s[%q]: %w", objectID, key, ErrCounterOverwrite)
	}
	if exists && len(m.Conflicts[key]) <= 1 && value.Equal(existing, v) {
		c.logger.Debug().Str("object_id", objectID).Str("key", key).Msg("assignment unchanged, skipping")
		return nil
	}

	k := value.StringKey(key)
	return c.applyAt(path, func(sub *patch.ObjectDiff) error {
		d, err := c.log.SetValue(objectID, k, v, false)
		if err != nil {
			return err
		}
		sub.Set(k, map[string]patch.Diff{c.actor: d})
		return nil
	})
}

// SetListIndex overwrites element index of the list or text at path.
// Writing at index == length appends.
func (c *Context) SetListIndex(path []PathElement, index int, v value.Value) error {
	if v == nil {
		v = value.Null()
	}
	objectID := targetID(path)
	seq, isText, err := c.sequence(objectID)
	if err != nil {
		return err
	}
	if index == seq.Len() {
		return c.Splice(path, index, 0, []value.Value{v})
	}
	if index < 0 || index > seq.Len()-1 {
		return fmt.Errorf("set %s[%d] of length %d: %w", objectID, index, seq.Len(), ErrOutOfBounds)
	}
	if _, isCounter := seq.Values[index].(value.Counter); isCounter {
		return fmt.Errorf("set %s[%d]: %w", objectID, index, ErrCounterOverwrite)
	}
	if isText && !value.IsChar(v) {
		return fmt.Errorf("set %s[%d]: %w", objectID, index, value.ErrInvalidText)
	}

	k := value.IndexKey(index)
	return c.applyAt(path, func(sub *patch.ObjectDiff) error {
		d, err := c.log.SetValue(objectID, k, v, false)
		if err != nil {
			return err
		}
		sub.Set(k, map[string]patch.Diff{c.actor: d})
		return nil
	})
}

// Splice deletes deletions elements at start of the list or text at path and
// inserts insertions in their place, in one patch.
func (c *Context) Splice(path []PathElement, start, deletions int, insertions []value.Value) error {
	objectID := targetID(path)
	seq, _, err := c.sequence(objectID)
	if err != nil {
		return err
	}
	if start < 0 || deletions < 0 || start > seq.Len()-deletions {
		return fmt.Errorf("splice %s: %d deletions at %d of length %d: %w", objectID, deletions, start, seq.Len(), ErrOutOfBounds)
	}
	if deletions == 0 && len(insertions) == 0 {
		return nil
	}

	return c.applyAt(path, func(sub *patch.ObjectDiff) error {
		if sub.Edits == nil {
			sub.Edits = []patch.Edit{}
		}
		// Every deletion removes index start; later elements shift down.
		for i := 0; i < deletions; i++ {
			c.log.Append(oplog.Op{Action: oplog.ActionDel, Obj: objectID, Key: value.IndexKey(start)})
			sub.Edits = append(sub.Edits, patch.Remove(start))
		}
		if len(insertions) == 0 {
			return nil
		}
		return c.log.InsertListItems(sub, start, insertions)
	})
}

// AddTableRow adds row to the table at path and returns the generated row id.
func (c *Context) AddTableRow(path []PathElement, row *value.Map) (string, error) {
	objectID := targetID(path)
	obj, err := c.GetObject(objectID)
	if err != nil {
		return "", err
	}
	if _, err := value.AsTable(obj); err != nil {
		return "", fmt.Errorf("add row to %s: %w", objectID, err)
	}

	var rowID string
	err = c.applyAt(path, func(sub *patch.ObjectDiff) error {
		d, err := c.log.MakeRow(objectID, row)
		if err != nil {
			return err
		}
		rowID = d.ObjectID()
		sub.Set(value.StringKey(rowID), map[string]patch.Diff{rowID: d})
		return nil
	})
	if err != nil {
		return "", err
	}
	return rowID, nil
}

// DeleteTableRow removes a row. Deleting a missing row does nothing.
func (c *Context) DeleteTableRow(path []PathElement, rowID string) error {
	objectID := targetID(path)
	obj, err := c.GetObject(objectID)
	if err != nil {
		return err
	}
	table, err := value.AsTable(obj)
	if err != nil {
		return fmt.Errorf("delete row from %s: %w", objectID, err)
	}
	if _, ok := table.Rows[rowID]; !ok {
		c.logger.Debug().Str("object_id", objectID).Str("row_id", rowID).Msg("row not found, skipping delete")
		return nil
	}

	key := value.StringKey(rowID)
	return c.applyAt(path, func(sub *patch.ObjectDiff) error {
		c.log.Append(oplog.Op{Action: oplog.ActionDel, Obj: objectID, Key: key})
		sub.Set(key, map[string]patch.Diff{})
		return nil
	})
}

// Increment adds delta to the counter at key of the object at path. The
// resulting value replaces every contributor of the key.
func (c *Context) Increment(path []PathElement, key value.Key, delta int64) error {
	objectID := targetID(path)
	obj, err := c.GetObject(objectID)
	if err != nil {
		return err
	}
	current, err := propertyWinner(obj, key)
	if err != nil {
		return fmt.Errorf("increment %s[%s]: %w", objectID, key, err)
	}
	counter, ok := current.(value.Counter)
	if !ok {
		return fmt.Errorf("increment %s[%s]: %w: not a counter", objectID, key, ErrUnsupported)
	}
	n, ok := counter.Int()
	if !ok {
		return fmt.Errorf("increment %s[%s]: %w: counter holds %s", objectID, key, ErrUnsupported, counter.Value.Type())
	}
	if delta > 0 && n > math.MaxInt64-delta || delta < 0 && n < math.MinInt64-delta {
		return fmt.Errorf("increment %s[%s]: %w: %d%+d overflows", objectID, key, ErrUnsupported, n, delta)
	}

	return c.applyAt(path, func(sub *patch.ObjectDiff) error {
		c.log.Append(oplog.Op{Action: oplog.ActionInc, Obj: objectID, Key: key, Value: value.Int(delta)})
		sub.Set(key, map[string]patch.Diff{
			c.actor: patch.ValueLeaf(value.Int(n+delta), value.DatatypeCounter),
		})
		return nil
	})
}

func (c *Context) sequence(objectID string) (*value.List, bool, error) {
	obj, err := c.GetObject(objectID)
	if err != nil {
		return nil, false, err
	}
	seq, err := value.AsSequence(obj)
	if err != nil {
		return nil, false, fmt.Errorf("object %s: %w", objectID, err)
	}
	_, isText := obj.(*value.Text)
	return seq, isText, nil
}

func propertyWinner(obj value.Value, key value.Key) (value.Value, error) {
	if key.IsIndex() {
		seq, err := value.AsSequence(obj)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		if key.Index() < 0 || key.Index() >= seq.Len() {
			return nil, ErrOutOfBounds
		}
		return seq.Values[key.Index()], nil
	}
	m, ok := obj.(*value.Map)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no named keys", ErrUnsupported, obj.Kind())
	}
	v, ok := m.Values[key.Name()]
	if !ok {
		return nil, fmt.Errorf("%w: key %q missing", ErrUnsupported, key.Name())
	}
	return v, nil
}
