package change

import (
	"fmt"

	"github.com/example/sync-document-engine/internal/patch"
	"github.com/example/sync-document-engine/internal/value"
)

// subpatch walks path through root and the live graph in lock-step and
// returns the node for the last object on the path. Properties crossed on
// the way are seeded with every current contributor so that a merge keeps
// sibling conflicts.
func (c *Context) subpatch(root *patch.ObjectDiff, path []PathElement) (*patch.ObjectDiff, error) {
	node := root
	obj, err := c.GetObject(value.RootID)
	if err != nil {
		return nil, err
	}
	for _, elem := range path {
		contributors, ok := node.Props[elem.Key]
		if !ok {
			contributors, err = describeProperty(obj, elem.Key)
			if err != nil {
				return nil, err
			}
			node.Set(elem.Key, contributors)
		}

		var contributor string
		var next *patch.ObjectDiff
		for _, id := range patch.SortedContributors(contributors) {
			if d := contributors[id]; d.Object != nil && d.Object.ObjectID == elem.ObjectID {
				contributor, next = id, d.Object
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %s at key %s", ErrPathObjectNotFound, elem.ObjectID, elem.Key)
		}
		if obj, err = propertyValue(obj, elem.Key, contributor); err != nil {
			return nil, err
		}
		node = next
	}
	if node.Props == nil {
		node.Props = patch.Props{}
	}
	return node, nil
}

// describeProperty describes every contributor of key in obj. Table rows are
// keyed by their own id.
func describeProperty(obj value.Value, key value.Key) (map[string]patch.Diff, error) {
	var contributors map[string]value.Value
	switch t := obj.(type) {
	case *value.Map:
		if key.IsIndex() {
			return nil, fmt.Errorf("map %s: %w: index key %d", t.ObjectID, value.ErrTypeMismatch, key.Index())
		}
		contributors = t.Conflicts[key.Name()]
		if len(contributors) == 0 {
			return nil, fmt.Errorf("%w: key %q of %s", ErrObjectNotFound, key.Name(), t.ObjectID)
		}
	case *value.Table:
		if key.IsIndex() {
			return nil, fmt.Errorf("table %s: %w: index key %d", t.ObjectID, value.ErrTypeMismatch, key.Index())
		}
		row, ok := t.Rows[key.Name()]
		if !ok {
			return map[string]patch.Diff{}, nil
		}
		contributors = map[string]value.Value{key.Name(): row}
	case *value.List, *value.Text:
		seq, _ := value.AsSequence(obj)
		if !key.IsIndex() {
			return nil, fmt.Errorf("sequence %s: %w: key %q", seq.ObjectID, value.ErrTypeMismatch, key.Name())
		}
		if key.Index() < 0 || key.Index() >= seq.Len() {
			return nil, fmt.Errorf("sequence %s index %d: %w", seq.ObjectID, key.Index(), ErrOutOfBounds)
		}
		contributors = seq.Conflict(key.Index())
		if len(contributors) == 0 {
			return nil, fmt.Errorf("%w: index %d of %s", ErrObjectNotFound, key.Index(), seq.ObjectID)
		}
	default:
		return nil, fmt.Errorf("describe %s: %w: not a composite", key, value.ErrTypeMismatch)
	}

	out := make(map[string]patch.Diff, len(contributors))
	for id, v := range contributors {
		d, err := patch.Describe(v)
		if err != nil {
			return nil, fmt.Errorf("describe %s contributor %s: %w", key, id, err)
		}
		out[id] = d
	}
	return out, nil
}

// propertyValue returns the value contributor wrote at key of obj.
func propertyValue(obj value.Value, key value.Key, contributor string) (value.Value, error) {
	var v value.Value
	switch t := obj.(type) {
	case *value.Map:
		v = t.Conflicts[key.Name()][contributor]
	case *value.Table:
		if row, ok := t.Rows[key.Name()]; ok {
			v = row
		}
	case *value.List, *value.Text:
		seq, _ := value.AsSequence(obj)
		v = seq.Conflict(key.Index())[contributor]
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s written by %s", ErrObjectNotFound, key, contributor)
	}
	return v, nil
}
