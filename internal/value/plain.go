package value

import "time"

// Plain converts v into maps, slices and scalars that encoding/json renders
// the way a reader would expect: text becomes a string, dates RFC 3339 and
// counters their magnitude. Conflicts and object ids are dropped.
func Plain(v Value) any {
	switch t := v.(type) {
	case nil:
		return nil
	case Primitive:
		return t.Interface()
	case Counter:
		return t.Value.Interface()
	case Date:
		return t.Time.UTC().Format(time.RFC3339Nano)
	case *Map:
		out := make(map[string]any, len(t.Values))
		for k, child := range t.Values {
			out[k] = Plain(child)
		}
		return out
	case *List:
		out := make([]any, len(t.Values))
		for i, child := range t.Values {
			out[i] = Plain(child)
		}
		return out
	case *Text:
		return t.String()
	case *Table:
		out := make(map[string]any, len(t.Rows))
		for id, row := range t.Rows {
			out[id] = Plain(row)
		}
		return out
	default:
		return nil
	}
}
