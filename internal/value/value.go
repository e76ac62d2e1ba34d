package value

import (
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// RootID is the fixed identity of the top-level map of every document.
const RootID = "00000000-0000-0000-0000-000000000000"

var (
	// ErrTypeMismatch is returned when a value does not have the shape the
	// caller asked for.
	ErrTypeMismatch = errors.New("value: unexpected value type")
	// ErrInvalidText is returned when a text element is not a single character.
	ErrInvalidText = errors.New("value: text elements must be single characters")
)

// Kind discriminates the variants of Value.
type Kind uint8

const (
	KindPrimitive Kind = iota
	KindMap
	KindList
	KindTable
	KindText
	KindCounter
	KindDate
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	case KindTable:
		return "table"
	case KindText:
		return "text"
	case KindCounter:
		return "counter"
	case KindDate:
		return "date"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is the closed set of things a document can hold. The implementations
// are Primitive, *Map, *List, *Table, *Text, Counter and Date.
type Value interface {
	Kind() Kind
	sealed()
}

// Datatype tags a number that carries a meaning beyond its magnitude.
type Datatype string

const (
	DatatypeNone      Datatype = ""
	DatatypeCounter   Datatype = "counter"
	DatatypeTimestamp Datatype = "timestamp"
)

// Map holds the winning value of every key together with the conflict set
// the winner was chosen from.
type Map struct {
	ObjectID  string
	Values    map[string]Value
	Conflicts map[string]map[string]Value
}

// NewMap builds a map literal. Literals have no object id until they are
// written into a document.
func NewMap(values map[string]Value) *Map {
	if values == nil {
		values = make(map[string]Value)
	}
	return &Map{Values: values}
}

func (*Map) Kind() Kind { return KindMap }
func (*Map) sealed()    {}

// Get returns the winning value for key.
func (m *Map) Get(key string) (Value, bool) {
	v, ok := m.Values[key]
	return v, ok
}

// Conflict returns the contributors for key, or nil.
func (m *Map) Conflict(key string) map[string]Value {
	return m.Conflicts[key]
}

// List is an ordered sequence with a conflict set per index. Conflicts is
// either empty or has the same length as Values.
type List struct {
	ObjectID  string
	Values    []Value
	Conflicts []map[string]Value
}

// NewList builds a list literal.
func NewList(values ...Value) *List {
	return &List{Values: values}
}

func (*List) Kind() Kind { return KindList }
func (*List) sealed()    {}

// Len returns the number of elements.
func (l *List) Len() int { return len(l.Values) }

// Conflict returns the contributors for index i, or nil.
func (l *List) Conflict(i int) map[string]Value {
	if i < 0 || i >= len(l.Conflicts) {
		return nil
	}
	return l.Conflicts[i]
}

// Text is a list whose elements are single-character strings.
type Text struct {
	List
}

// NewText builds a text literal from s, one element per rune.
func NewText(s string) *Text {
	t := &Text{}
	for _, r := range s {
		t.Values = append(t.Values, String(string(r)))
	}
	return t
}

func (*Text) Kind() Kind { return KindText }
func (*Text) sealed()    {}

// String joins the characters of the text.
func (t *Text) String() string {
	buf := make([]byte, 0, len(t.Values))
	for _, v := range t.Values {
		if p, ok := v.(Primitive); ok {
			s, _ := p.StringValue()
			buf = append(buf, s...)
		}
	}
	return string(buf)
}

// Table maps generated row ids to rows.
type Table struct {
	ObjectID string
	Rows     map[string]*Map
}

// NewTable builds an empty table literal.
func NewTable() *Table {
	return &Table{Rows: make(map[string]*Map)}
}

func (*Table) Kind() Kind { return KindTable }
func (*Table) sealed()    {}

// Counter is a number that can only change through increments.
type Counter struct {
	Value Primitive
}

// NewCounter returns an integer counter.
func NewCounter(n int64) Counter {
	return Counter{Value: Int(n)}
}

func (Counter) Kind() Kind { return KindCounter }
func (Counter) sealed()    {}

// Int returns the counter magnitude. Float counters are truncated. Payloads
// that are not numbers or do not fit an int64 report false.
func (c Counter) Int() (int64, bool) {
	switch c.Value.Type() {
	case TypeInt:
		n, _ := c.Value.IntValue()
		return n, true
	case TypeUint:
		n, _ := c.Value.UintValue()
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case TypeFloat:
		f, _ := c.Value.FloatValue()
		t := math.Trunc(f)
		if math.IsNaN(t) || t < -(1<<63) || t >= 1<<63 {
			return 0, false
		}
		return int64(t), true
	default:
		return 0, false
	}
}

// Date is a point in time stored as a timestamp.
type Date struct {
	Time time.Time
}

// NewDate wraps t.
func NewDate(t time.Time) Date {
	return Date{Time: t}
}

func (Date) Kind() Kind { return KindDate }
func (Date) sealed()    {}

// Timestamp returns seconds since the Unix epoch. Dates are kept to the
// microsecond; finer precision does not survive encoding.
func (d Date) Timestamp() float64 {
	return float64(d.Time.Round(time.Microsecond).UnixMicro()) / 1e6
}

// DateFromTimestamp is the inverse of Date.Timestamp.
func DateFromTimestamp(ts float64) Date {
	return Date{Time: time.UnixMicro(int64(math.Round(ts * 1e6))).UTC()}
}

// ObjectID returns the identity of a composite value and false for leaves.
func ObjectID(v Value) (string, bool) {
	switch t := v.(type) {
	case *Map:
		return t.ObjectID, true
	case *List:
		return t.ObjectID, true
	case *Text:
		return t.ObjectID, true
	case *Table:
		return t.ObjectID, true
	default:
		return "", false
	}
}

// IsComposite reports whether v is a map, list, text or table.
func IsComposite(v Value) bool {
	_, ok := ObjectID(v)
	return ok
}

// IsChar reports whether v is a string primitive of exactly one character.
func IsChar(v Value) bool {
	p, ok := v.(Primitive)
	if !ok {
		return false
	}
	s, ok := p.StringValue()
	return ok && utf8.RuneCountInString(s) == 1
}

func AsMap(v Value) (*Map, error) {
	m, ok := v.(*Map)
	if !ok {
		return nil, mismatch(KindMap, v)
	}
	return m, nil
}

func AsList(v Value) (*List, error) {
	l, ok := v.(*List)
	if !ok {
		return nil, mismatch(KindList, v)
	}
	return l, nil
}

func AsText(v Value) (*Text, error) {
	t, ok := v.(*Text)
	if !ok {
		return nil, mismatch(KindText, v)
	}
	return t, nil
}

func AsTable(v Value) (*Table, error) {
	t, ok := v.(*Table)
	if !ok {
		return nil, mismatch(KindTable, v)
	}
	return t, nil
}

func AsCounter(v Value) (Counter, error) {
	c, ok := v.(Counter)
	if !ok {
		return Counter{}, mismatch(KindCounter, v)
	}
	return c, nil
}

// AsSequence returns the list backing either a *List or a *Text.
func AsSequence(v Value) (*List, error) {
	switch t := v.(type) {
	case *List:
		return t, nil
	case *Text:
		return &t.List, nil
	default:
		return nil, mismatch(KindList, v)
	}
}

func mismatch(want Kind, got Value) error {
	if got == nil {
		return fmt.Errorf("%w: want %s, got nothing", ErrTypeMismatch, want)
	}
	return fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, want, got.Kind())
}
