package value

import (
	"fmt"
	"strconv"
)

// PrimitiveType discriminates the payload of a Primitive.
type PrimitiveType uint8

const (
	TypeNull PrimitiveType = iota
	TypeBool
	TypeString
	TypeInt
	TypeUint
	TypeFloat
)

func (t PrimitiveType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeUint:
		return "uint"
	case TypeFloat:
		return "float64"
	default:
		return fmt.Sprintf("primitive(%d)", uint8(t))
	}
}

// Primitive is a scalar leaf. The zero value is null. Primitives are
// comparable with ==.
type Primitive struct {
	typ PrimitiveType
	b   bool
	s   string
	i   int64
	u   uint64
	f   float64
}

func Null() Primitive                   { return Primitive{} }
func Bool(b bool) Primitive             { return Primitive{typ: TypeBool, b: b} }
func String(s string) Primitive         { return Primitive{typ: TypeString, s: s} }
func Int(i int64) Primitive             { return Primitive{typ: TypeInt, i: i} }
func Uint(u uint64) Primitive           { return Primitive{typ: TypeUint, u: u} }
func Float(f float64) Primitive         { return Primitive{typ: TypeFloat, f: f} }
func (Primitive) Kind() Kind            { return KindPrimitive }
func (Primitive) sealed()               {}
func (p Primitive) Type() PrimitiveType { return p.typ }
func (p Primitive) IsNull() bool        { return p.typ == TypeNull }

func (p Primitive) BoolValue() (bool, bool) {
	return p.b, p.typ == TypeBool
}

func (p Primitive) StringValue() (string, bool) {
	return p.s, p.typ == TypeString
}

func (p Primitive) IntValue() (int64, bool) {
	return p.i, p.typ == TypeInt
}

func (p Primitive) UintValue() (uint64, bool) {
	return p.u, p.typ == TypeUint
}

func (p Primitive) FloatValue() (float64, bool) {
	return p.f, p.typ == TypeFloat
}

// Interface returns the payload as a plain Go value.
func (p Primitive) Interface() any {
	switch p.typ {
	case TypeBool:
		return p.b
	case TypeString:
		return p.s
	case TypeInt:
		return p.i
	case TypeUint:
		return p.u
	case TypeFloat:
		return p.f
	default:
		return nil
	}
}

func (p Primitive) String() string {
	switch p.typ {
	case TypeNull:
		return "null"
	case TypeBool:
		return strconv.FormatBool(p.b)
	case TypeString:
		return strconv.Quote(p.s)
	case TypeInt:
		return strconv.FormatInt(p.i, 10)
	case TypeUint:
		return strconv.FormatUint(p.u, 10)
	case TypeFloat:
		return strconv.FormatFloat(p.f, 'g', -1, 64)
	default:
		return p.typ.String()
	}
}
