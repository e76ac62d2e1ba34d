// Package oplog lowers local mutations into primitive operations.
package oplog

import (
	"fmt"

	"github.com/example/sync-document-engine/internal/value"
)

// Action is the kind of a primitive operation.
type Action string

const (
	ActionSet       Action = "set"
	ActionDel       Action = "del"
	ActionInc       Action = "inc"
	ActionMakeMap   Action = "makeMap"
	ActionMakeList  Action = "makeList"
	ActionMakeText  Action = "makeText"
	ActionMakeTable Action = "makeTable"
)

// Op is one entry of the operation log. Ops are comparable with ==.
type Op struct {
	Action   Action          `json:"action"`
	Obj      string          `json:"obj"`
	Key      value.Key       `json:"key"`
	Insert   bool            `json:"insert,omitempty"`
	Value    value.Primitive `json:"value"`
	Datatype value.Datatype  `json:"datatype,omitempty"`
	Child    string          `json:"child,omitempty"`
}

// IsMake reports whether the op creates a composite.
func (o Op) IsMake() bool {
	switch o.Action {
	case ActionMakeMap, ActionMakeList, ActionMakeText, ActionMakeTable:
		return true
	}
	return false
}

func (o Op) String() string {
	s := fmt.Sprintf("%s %s[%s]", o.Action, o.Obj, o.Key)
	if o.Insert {
		s += " insert"
	}
	switch {
	case o.IsMake():
		s += " -> " + o.Child
	case o.Action != ActionDel:
		s += " = " + o.Value.String()
		if o.Datatype != value.DatatypeNone {
			s += " (" + string(o.Datatype) + ")"
		}
	}
	return s
}
