package value

// Index walks root and returns every composite reachable from it keyed by
// object id, including values that only survive in conflict sets. Literals
// without an id are skipped together with their children.
func Index(root Value) map[string]Value {
	out := make(map[string]Value)
	index(root, out)
	return out
}

func index(v Value, out map[string]Value) {
	id, ok := ObjectID(v)
	if !ok || id == "" {
		return
	}
	if _, seen := out[id]; seen {
		return
	}
	out[id] = v
	switch t := v.(type) {
	case *Map:
		for _, child := range t.Values {
			index(child, out)
		}
		for _, contributors := range t.Conflicts {
			for _, child := range contributors {
				index(child, out)
			}
		}
	case *List:
		indexSequence(t, out)
	case *Text:
		indexSequence(&t.List, out)
	case *Table:
		for _, row := range t.Rows {
			index(row, out)
		}
	}
}

func indexSequence(l *List, out map[string]Value) {
	for _, child := range l.Values {
		index(child, out)
	}
	for _, contributors := range l.Conflicts {
		for _, child := range contributors {
			index(child, out)
		}
	}
}
