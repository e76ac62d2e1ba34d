package value

// Equal reports whether a and b hold the same content. Composite identities
// are only compared when both sides have one, so a literal equals the stored
// object it was written as. Conflict sets do not take part in the comparison.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Primitive:
		return x == b.(Primitive)
	case Counter:
		return x.Value == b.(Counter).Value
	case Date:
		return x.Timestamp() == b.(Date).Timestamp()
	case *Map:
		y := b.(*Map)
		if !sameIdentity(x.ObjectID, y.ObjectID) || len(x.Values) != len(y.Values) {
			return false
		}
		for k, v := range x.Values {
			w, ok := y.Values[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case *List:
		y := b.(*List)
		return sameIdentity(x.ObjectID, y.ObjectID) && equalSlices(x.Values, y.Values)
	case *Text:
		y := b.(*Text)
		return sameIdentity(x.ObjectID, y.ObjectID) && equalSlices(x.Values, y.Values)
	case *Table:
		y := b.(*Table)
		if !sameIdentity(x.ObjectID, y.ObjectID) || len(x.Rows) != len(y.Rows) {
			return false
		}
		for id, row := range x.Rows {
			other, ok := y.Rows[id]
			if !ok || !Equal(row, other) {
				return false
			}
		}
		return true
	}
	return false
}

func sameIdentity(a, b string) bool {
	return a == "" || b == "" || a == b
}

func equalSlices(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
