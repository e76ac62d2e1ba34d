package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MarshalJSON encodes null, bools and strings as themselves. Integers are
// wrapped as {"int":"n"} / {"uint":"n"} so they survive float64-only
// transports, and floats as {"float":f}.
func (p Primitive) MarshalJSON() ([]byte, error) {
	switch p.typ {
	case TypeNull:
		return []byte("null"), nil
	case TypeBool:
		return json.Marshal(p.b)
	case TypeString:
		return json.Marshal(p.s)
	case TypeInt:
		return json.Marshal(map[string]string{"int": strconv.FormatInt(p.i, 10)})
	case TypeUint:
		return json.Marshal(map[string]string{"uint": strconv.FormatUint(p.u, 10)})
	case TypeFloat:
		return json.Marshal(map[string]float64{"float": p.f})
	default:
		return nil, fmt.Errorf("encode primitive: unknown type %d", p.typ)
	}
}

func (p *Primitive) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*p = Null()
		return nil
	case data[0] == 't' || data[0] == 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*p = Bool(b)
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = String(s)
		return nil
	case data[0] == '{':
		var tagged struct {
			Int   *string  `json:"int"`
			Uint  *string  `json:"uint"`
			Float *float64 `json:"float"`
		}
		if err := json.Unmarshal(data, &tagged); err != nil {
			return err
		}
		switch {
		case tagged.Int != nil:
			n, err := strconv.ParseInt(*tagged.Int, 10, 64)
			if err != nil {
				return fmt.Errorf("decode int primitive: %w", err)
			}
			*p = Int(n)
		case tagged.Uint != nil:
			n, err := strconv.ParseUint(*tagged.Uint, 10, 64)
			if err != nil {
				return fmt.Errorf("decode uint primitive: %w", err)
			}
			*p = Uint(n)
		case tagged.Float != nil:
			*p = Float(*tagged.Float)
		default:
			return fmt.Errorf("decode primitive: unrecognised object %s", data)
		}
		return nil
	default:
		// Bare JSON numbers are accepted from hand-written clients.
		var num json.Number
		if err := json.Unmarshal(data, &num); err != nil {
			return fmt.Errorf("decode primitive: %w", err)
		}
		if n, err := num.Int64(); err == nil {
			*p = Int(n)
			return nil
		}
		f, err := num.Float64()
		if err != nil {
			return fmt.Errorf("decode primitive: %w", err)
		}
		*p = Float(f)
		return nil
	}
}

// Literal carries any Value through encoding/json using a tagged layout.
type Literal struct {
	Value Value
}

// L wraps v for encoding.
func L(v Value) Literal { return Literal{Value: v} }

type taggedValue struct {
	Type          string                        `json:"type"`
	ObjectID      string                        `json:"objectId,omitempty"`
	Scalar        *Primitive                    `json:"value,omitempty"`
	Time          *time.Time                    `json:"time,omitempty"`
	Fields        map[string]Literal            `json:"fields,omitempty"`
	Conflicts     map[string]map[string]Literal `json:"conflicts,omitempty"`
	Elems         []Literal                     `json:"elems,omitempty"`
	ElemConflicts []map[string]Literal          `json:"elemConflicts,omitempty"`
	Rows          map[string]Literal            `json:"rows,omitempty"`
}

func (l Literal) MarshalJSON() ([]byte, error) {
	if l.Value == nil {
		return []byte("null"), nil
	}
	t := taggedValue{Type: l.Value.Kind().String()}
	switch v := l.Value.(type) {
	case Primitive:
		t.Scalar = &v
	case Counter:
		t.Scalar = &v.Value
	case Date:
		ts := v.Time.UTC()
		t.Time = &ts
	case *Map:
		t.ObjectID = v.ObjectID
		t.Fields = wrapMap(v.Values)
		if len(v.Conflicts) > 0 {
			t.Conflicts = make(map[string]map[string]Literal, len(v.Conflicts))
			for k, c := range v.Conflicts {
				t.Conflicts[k] = wrapMap(c)
			}
		}
	case *List:
		t.ObjectID = v.ObjectID
		t.Elems, t.ElemConflicts = wrapSequence(v)
	case *Text:
		t.ObjectID = v.ObjectID
		t.Elems, t.ElemConflicts = wrapSequence(&v.List)
	case *Table:
		t.ObjectID = v.ObjectID
		t.Rows = make(map[string]Literal, len(v.Rows))
		for id, row := range v.Rows {
			t.Rows[id] = L(row)
		}
	default:
		return nil, fmt.Errorf("encode value: unsupported kind %s", l.Value.Kind())
	}
	return json.Marshal(t)
}

func (l *Literal) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		l.Value = nil
		return nil
	}
	var t taggedValue
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	switch t.Type {
	case KindPrimitive.String():
		if t.Scalar == nil {
			l.Value = Null()
		} else {
			l.Value = *t.Scalar
		}
	case KindCounter.String():
		if t.Scalar == nil {
			l.Value = NewCounter(0)
		} else {
			l.Value = Counter{Value: *t.Scalar}
		}
	case KindDate.String():
		if t.Time == nil {
			return fmt.Errorf("decode value: date without time")
		}
		l.Value = NewDate(*t.Time)
	case KindMap.String():
		m := &Map{ObjectID: t.ObjectID, Values: unwrapMap(t.Fields)}
		if len(t.Conflicts) > 0 {
			m.Conflicts = make(map[string]map[string]Value, len(t.Conflicts))
			for k, c := range t.Conflicts {
				m.Conflicts[k] = unwrapMap(c)
			}
		}
		l.Value = m
	case KindList.String():
		l.Value = unwrapSequence(t)
	case KindText.String():
		l.Value = &Text{List: *unwrapSequence(t)}
	case KindTable.String():
		tbl := &Table{ObjectID: t.ObjectID, Rows: make(map[string]*Map, len(t.Rows))}
		for id, row := range t.Rows {
			m, err := AsMap(row.Value)
			if err != nil {
				return fmt.Errorf("decode table row %s: %w", id, err)
			}
			tbl.Rows[id] = m
		}
		l.Value = tbl
	default:
		return fmt.Errorf("decode value: unknown type %q", t.Type)
	}
	return nil
}

// Marshal encodes v in the tagged layout.
func Marshal(v Value) ([]byte, error) {
	return json.Marshal(L(v))
}

// Unmarshal decodes a value produced by Marshal.
func Unmarshal(data []byte) (Value, error) {
	var l Literal
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return l.Value, nil
}

func wrapMap(values map[string]Value) map[string]Literal {
	out := make(map[string]Literal, len(values))
	for k, v := range values {
		out[k] = L(v)
	}
	return out
}

func unwrapMap(values map[string]Literal) map[string]Value {
	out := make(map[string]Value, len(values))
	for k, v := range values {
		out[k] = v.Value
	}
	return out
}

func wrapSequence(l *List) ([]Literal, []map[string]Literal) {
	elems := make([]Literal, len(l.Values))
	for i, v := range l.Values {
		elems[i] = L(v)
	}
	var conflicts []map[string]Literal
	if len(l.Conflicts) > 0 {
		conflicts = make([]map[string]Literal, len(l.Conflicts))
		for i, c := range l.Conflicts {
			conflicts[i] = wrapMap(c)
		}
	}
	return elems, conflicts
}

func unwrapSequence(t taggedValue) *List {
	l := &List{ObjectID: t.ObjectID, Values: make([]Value, len(t.Elems))}
	for i, e := range t.Elems {
		l.Values[i] = e.Value
	}
	if len(t.ElemConflicts) > 0 {
		l.Conflicts = make([]map[string]Value, len(t.ElemConflicts))
		for i, c := range t.ElemConflicts {
			l.Conflicts[i] = unwrapMap(c)
		}
	}
	return l
}
