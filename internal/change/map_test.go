package change

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sync-document-engine/internal/interpret"
	"github.com/example/sync-document-engine/internal/oplog"
	"github.com/example/sync-document-engine/internal/patch"
	"github.com/example/sync-document-engine/internal/value"
)

func TestSetMapKeyPrimitive(t *testing.T) {
	ctx, spy := newTestContext(doc(nil, nil))

	require.NoError(t, ctx.SetMapKey(nil, "sparrows", value.Int(5)))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionSet, Obj: value.RootID, Key: value.StringKey("sparrows"), Value: value.Int(5)},
	}, ctx.Ops())
	assert.Equal(t, 1, spy.calls)
	requirePatch(t, rootPatch(patch.Props{
		value.StringKey("sparrows"): by(actor, num(5)),
	}), spy.last)

	root, err := ctx.Root()
	require.NoError(t, err)
	assert.Equal(t, value.Int(5), root.Values["sparrows"])
	assert.Len(t, ctx.Patches(), 1)
	assert.True(t, ctx.Changed())
}

func TestSetMapKeyUnchangedValueIsNoop(t *testing.T) {
	ctx, spy := newTestContext(doc(map[string]value.Value{"goldfinches": value.Int(3)}, nil))

	require.NoError(t, ctx.SetMapKey(nil, "goldfinches", value.Int(3)))

	assert.Empty(t, ctx.Ops())
	assert.Zero(t, spy.calls)
	assert.Nil(t, spy.last)
	assert.False(t, ctx.Changed())
}

func TestSetMapKeyEqualCompositeIsNoop(t *testing.T) {
	birds := object("birds-1", map[string]value.Value{"wrens": value.Int(1)}, nil)
	ctx, spy := newTestContext(doc(map[string]value.Value{"birds": birds}, nil))

	literal := value.NewMap(map[string]value.Value{"wrens": value.Int(1)})
	require.NoError(t, ctx.SetMapKey(nil, "birds", literal))

	assert.Empty(t, ctx.Ops())
	assert.Zero(t, spy.calls)
}

func TestSetMapKeyResolvesConflict(t *testing.T) {
	ctx, spy := newTestContext(doc(
		map[string]value.Value{"goldfinches": value.Int(5)},
		map[string]map[string]value.Value{
			"goldfinches": {"actor1": value.Int(3), "actor2": value.Int(5)},
		},
	))

	require.NoError(t, ctx.SetMapKey(nil, "goldfinches", value.Int(3)))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionSet, Obj: value.RootID, Key: value.StringKey("goldfinches"), Value: value.Int(3)},
	}, ctx.Ops())
	assert.Equal(t, 1, spy.calls)
	requirePatch(t, rootPatch(patch.Props{
		value.StringKey("goldfinches"): by(actor, num(3)),
	}), spy.last)

	root, err := ctx.Root()
	require.NoError(t, err)
	assert.Equal(t, value.Int(3), root.Values["goldfinches"])
	assert.Equal(t, map[string]value.Value{actor: value.Int(3)}, root.Conflicts["goldfinches"])
}

func TestSetMapKeyCreatesNestedMap(t *testing.T) {
	ctx, spy := newTestContext(doc(nil, nil))

	require.NoError(t, ctx.SetMapKey(nil, "birds", value.NewMap(map[string]value.Value{"goldfinches": value.Int(3)})))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionMakeMap, Obj: value.RootID, Key: value.StringKey("birds"), Child: "obj-1"},
		{Action: oplog.ActionSet, Obj: "obj-1", Key: value.StringKey("goldfinches"), Value: value.Int(3)},
	}, ctx.Ops())
	assert.Equal(t, 1, spy.calls)
	requirePatch(t, rootPatch(patch.Props{
		value.StringKey("birds"): by(actor, patch.ObjectLeaf(&patch.ObjectDiff{
			ObjectID: "obj-1",
			Type:     patch.TypeMap,
			Props:    patch.Props{value.StringKey("goldfinches"): by(actor, num(3))},
		})),
	}), spy.last)

	nested, err := ctx.GetObject("obj-1")
	require.NoError(t, err)
	assert.True(t, value.Equal(value.NewMap(map[string]value.Value{"goldfinches": value.Int(3)}), nested))
}

func TestSetMapKeyLowersKeysInSortedOrder(t *testing.T) {
	ctx, _ := newTestContext(doc(nil, nil))

	bird := value.NewMap(map[string]value.Value{
		"latin":   value.String("carduelis"),
		"english": value.String("goldfinch"),
	})
	require.NoError(t, ctx.SetMapKey(nil, "bird", bird))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionMakeMap, Obj: value.RootID, Key: value.StringKey("bird"), Child: "obj-1"},
		{Action: oplog.ActionSet, Obj: "obj-1", Key: value.StringKey("english"), Value: value.String("goldfinch")},
		{Action: oplog.ActionSet, Obj: "obj-1", Key: value.StringKey("latin"), Value: value.String("carduelis")},
	}, ctx.Ops())
}

func TestSetMapKeyInsideNestedMap(t *testing.T) {
	child := object("birds-1", nil, nil)
	ctx, spy := newTestContext(doc(map[string]value.Value{"birds": child}, nil))

	require.NoError(t, ctx.SetMapKey([]PathElement{Step("birds", "birds-1")}, "goldfinches", value.Int(3)))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionSet, Obj: "birds-1", Key: value.StringKey("goldfinches"), Value: value.Int(3)},
	}, ctx.Ops())
	assert.Equal(t, 1, spy.calls)
	requirePatch(t, rootPatch(patch.Props{
		value.StringKey("birds"): by("actor1", patch.ObjectLeaf(&patch.ObjectDiff{
			ObjectID: "birds-1",
			Type:     patch.TypeMap,
			Props:    patch.Props{value.StringKey("goldfinches"): by(actor, num(3))},
		})),
	}), spy.last)

	updated, err := ctx.GetObject("birds-1")
	require.NoError(t, err)
	assert.Equal(t, value.Int(3), updated.(*value.Map).Values["goldfinches"])

	// The cache the context was built from is left untouched.
	assert.Empty(t, child.Values)
}

func TestSetMapKeyInsideConflictedMap(t *testing.T) {
	child1 := object("birds-1", nil, nil)
	child2 := object("birds-2", nil, nil)
	ctx, spy := newTestContext(doc(
		map[string]value.Value{"birds": child2},
		map[string]map[string]value.Value{"birds": {"actor1": child1, "actor2": child2}},
	))

	require.NoError(t, ctx.SetMapKey([]PathElement{Step("birds", "birds-2")}, "goldfinches", value.Int(3)))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionSet, Obj: "birds-2", Key: value.StringKey("goldfinches"), Value: value.Int(3)},
	}, ctx.Ops())
	assert.Equal(t, 1, spy.calls)
	requirePatch(t, rootPatch(patch.Props{
		value.StringKey("birds"): {
			"actor1": patch.ObjectLeaf(patch.New("birds-1", patch.TypeMap)),
			"actor2": patch.ObjectLeaf(&patch.ObjectDiff{
				ObjectID: "birds-2",
				Type:     patch.TypeMap,
				Props:    patch.Props{value.StringKey("goldfinches"): by(actor, num(3))},
			}),
		},
	}), spy.last)

	root, err := ctx.Root()
	require.NoError(t, err)
	winner := root.Values["birds"].(*value.Map)
	assert.Equal(t, "birds-2", winner.ObjectID)
	assert.Equal(t, value.Int(3), winner.Values["goldfinches"])
	assert.Len(t, root.Conflicts["birds"], 2)
}

func TestSetMapKeyKeepsConflictValuesOfEveryKind(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	child := object("values-1", nil, nil)
	ctx, spy := newTestContext(doc(
		map[string]value.Value{"values": child},
		map[string]map[string]value.Value{"values": {
			"actor1": value.NewDate(now),
			"actor2": value.NewCounter(0),
			"actor3": value.Int(42),
			"actor4": value.Null(),
			"actor5": child,
		}},
	))

	require.NoError(t, ctx.SetMapKey([]PathElement{Step("values", "values-1")}, "goldfinches", value.Int(3)))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionSet, Obj: "values-1", Key: value.StringKey("goldfinches"), Value: value.Int(3)},
	}, ctx.Ops())
	assert.Equal(t, 1, spy.calls)
	requirePatch(t, rootPatch(patch.Props{
		value.StringKey("values"): {
			"actor1": patch.ValueLeaf(value.Float(value.NewDate(now).Timestamp()), value.DatatypeTimestamp),
			"actor2": patch.ValueLeaf(value.Int(0), value.DatatypeCounter),
			"actor3": num(42),
			"actor4": patch.ValueLeaf(value.Null(), value.DatatypeNone),
			"actor5": patch.ObjectLeaf(&patch.ObjectDiff{
				ObjectID: "values-1",
				Type:     patch.TypeMap,
				Props:    patch.Props{value.StringKey("goldfinches"): by(actor, num(3))},
			}),
		},
	}), spy.last)
}

func TestSetMapKeyCreatesNestedList(t *testing.T) {
	ctx, spy := newTestContext(doc(nil, nil))

	require.NoError(t, ctx.SetMapKey(nil, "birds", value.NewList(value.String("sparrow"), value.String("goldfinch"))))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionMakeList, Obj: value.RootID, Key: value.StringKey("birds"), Child: "obj-1"},
		{Action: oplog.ActionSet, Obj: "obj-1", Key: value.IndexKey(0), Insert: true, Value: value.String("sparrow")},
		{Action: oplog.ActionSet, Obj: "obj-1", Key: value.IndexKey(1), Insert: true, Value: value.String("goldfinch")},
	}, ctx.Ops())
	assert.Equal(t, 1, spy.calls)
	requirePatch(t, rootPatch(patch.Props{
		value.StringKey("birds"): by(actor, patch.ObjectLeaf(&patch.ObjectDiff{
			ObjectID: "obj-1",
			Type:     patch.TypeList,
			Edits:    []patch.Edit{patch.Insert(0), patch.Insert(1)},
			Props: patch.Props{
				value.IndexKey(0): by(actor, str("sparrow")),
				value.IndexKey(1): by(actor, str("goldfinch")),
			},
		})),
	}), spy.last)
}

func TestSetMapKeyCreatesNestedText(t *testing.T) {
	ctx, spy := newTestContext(doc(nil, nil))

	require.NoError(t, ctx.SetMapKey(nil, "text", value.NewText("hi")))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionMakeText, Obj: value.RootID, Key: value.StringKey("text"), Child: "obj-1"},
		{Action: oplog.ActionSet, Obj: "obj-1", Key: value.IndexKey(0), Insert: true, Value: value.String("h")},
		{Action: oplog.ActionSet, Obj: "obj-1", Key: value.IndexKey(1), Insert: true, Value: value.String("i")},
	}, ctx.Ops())
	requirePatch(t, rootPatch(patch.Props{
		value.StringKey("text"): by(actor, patch.ObjectLeaf(&patch.ObjectDiff{
			ObjectID: "obj-1",
			Type:     patch.TypeText,
			Edits:    []patch.Edit{patch.Insert(0), patch.Insert(1)},
			Props: patch.Props{
				value.IndexKey(0): by(actor, str("h")),
				value.IndexKey(1): by(actor, str("i")),
			},
		})),
	}), spy.last)

	text, err := ctx.GetObject("obj-1")
	require.NoError(t, err)
	assert.Equal(t, "hi", text.(*value.Text).String())
}

func TestSetMapKeyCreatesNestedTable(t *testing.T) {
	ctx, spy := newTestContext(doc(nil, nil))

	require.NoError(t, ctx.SetMapKey(nil, "books", value.NewTable()))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionMakeTable, Obj: value.RootID, Key: value.StringKey("books"), Child: "obj-1"},
	}, ctx.Ops())
	requirePatch(t, rootPatch(patch.Props{
		value.StringKey("books"): by(actor, patch.ObjectLeaf(&patch.ObjectDiff{
			ObjectID: "obj-1", Type: patch.TypeTable, Props: patch.Props{},
		})),
	}), spy.last)
}

func TestSetMapKeyDate(t *testing.T) {
	now := time.Date(2023, 11, 5, 8, 0, 0, 0, time.UTC)
	ts := value.NewDate(now).Timestamp()
	ctx, spy := newTestContext(doc(nil, nil))

	require.NoError(t, ctx.SetMapKey(nil, "now", value.NewDate(now)))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionSet, Obj: value.RootID, Key: value.StringKey("now"), Value: value.Float(ts), Datatype: value.DatatypeTimestamp},
	}, ctx.Ops())
	requirePatch(t, rootPatch(patch.Props{
		value.StringKey("now"): by(actor, patch.ValueLeaf(value.Float(ts), value.DatatypeTimestamp)),
	}), spy.last)

	root, err := ctx.Root()
	require.NoError(t, err)
	assert.True(t, now.Equal(root.Values["now"].(value.Date).Time))
}

func TestSetMapKeySameSubMicrosecondDateIsNoop(t *testing.T) {
	at := value.NewDate(time.Date(2023, 11, 5, 8, 0, 0, 123_456_789, time.UTC))
	ctx, spy := newTestContext(doc(nil, nil))

	require.NoError(t, ctx.SetMapKey(nil, "at", at))
	require.NoError(t, ctx.SetMapKey(nil, "at", at))

	assert.Len(t, ctx.Ops(), 1)
	assert.Equal(t, 1, spy.calls)
}

func TestSetMapKeyCounter(t *testing.T) {
	ctx, spy := newTestContext(doc(nil, nil))

	require.NoError(t, ctx.SetMapKey(nil, "counter", value.NewCounter(3)))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionSet, Obj: value.RootID, Key: value.StringKey("counter"), Value: value.Int(3), Datatype: value.DatatypeCounter},
	}, ctx.Ops())
	requirePatch(t, rootPatch(patch.Props{
		value.StringKey("counter"): by(actor, patch.ValueLeaf(value.Int(3), value.DatatypeCounter)),
	}), spy.last)
}

func TestSetMapKeyRejectsCounterOverwrite(t *testing.T) {
	ctx, spy := newTestContext(doc(map[string]value.Value{"visits": value.NewCounter(4)}, nil))

	err := ctx.SetMapKey(nil, "visits", value.Int(10))

	require.ErrorIs(t, err, ErrCounterOverwrite)
	assert.Empty(t, ctx.Ops())
	assert.Zero(t, spy.calls)
}

func TestSetMapKeyRejectsExistingObject(t *testing.T) {
	ctx, spy := newTestContext(doc(nil, nil))

	err := ctx.SetMapKey(nil, "birds", object("elsewhere", nil, nil))

	require.ErrorIs(t, err, ErrExistingObject)
	assert.Empty(t, ctx.Ops())
	assert.Zero(t, spy.calls)
}

func TestSetMapKeyRollsBackOnLoweringError(t *testing.T) {
	ctx, spy := newTestContext(doc(nil, nil))

	bad := value.NewMap(map[string]value.Value{
		"a":     value.Int(1),
		"count": value.Counter{Value: value.String("many")},
	})
	err := ctx.SetMapKey(nil, "stats", bad)

	require.ErrorIs(t, err, value.ErrTypeMismatch)
	assert.Empty(t, ctx.Ops())
	assert.Zero(t, spy.calls)
	assert.Empty(t, ctx.Patches())
}

func TestSetMapKeyRollsBackWhenCollaboratorFails(t *testing.T) {
	ctx, spy := newTestContext(doc(nil, nil))
	spy.err = errors.New("merge refused")

	err := ctx.SetMapKey(nil, "sparrows", value.Int(5))

	require.Error(t, err)
	assert.Equal(t, 1, spy.calls)
	assert.Empty(t, ctx.Ops())
	assert.Empty(t, ctx.Updated())
}

func TestSetMapKeyUnknownPath(t *testing.T) {
	child := object("birds-1", nil, nil)
	ctx, spy := newTestContext(doc(map[string]value.Value{"birds": child}, nil))

	err := ctx.SetMapKey([]PathElement{Step("birds", "stale-id")}, "wrens", value.Int(1))
	assert.ErrorIs(t, err, ErrObjectNotFound)

	// The object exists but is not reachable under that key.
	other := object("birds-2", nil, nil)
	ctx, spy = newTestContext(doc(map[string]value.Value{"birds": child, "other": other}, nil))
	err = ctx.SetMapKey([]PathElement{Step("birds", "birds-2")}, "wrens", value.Int(1))
	assert.ErrorIs(t, err, ErrPathObjectNotFound)
	assert.Empty(t, ctx.Ops())
	assert.Zero(t, spy.calls)
}

func TestSetMapKeyOnNonMap(t *testing.T) {
	birds := list("birds-1", "swallow")
	ctx, _ := newTestContext(doc(map[string]value.Value{"birds": birds}, nil))

	err := ctx.SetMapKey([]PathElement{Step("birds", "birds-1")}, "wrens", value.Int(1))
	assert.ErrorIs(t, err, value.ErrTypeMismatch)
}

func TestMutationsAccumulateInOneChange(t *testing.T) {
	ctx, spy := newTestContext(doc(nil, nil))

	require.NoError(t, ctx.SetMapKey(nil, "birds", value.NewMap(nil)))
	require.NoError(t, ctx.SetMapKey([]PathElement{Step("birds", "obj-1")}, "wrens", value.Int(2)))
	require.NoError(t, ctx.SetMapKey([]PathElement{Step("birds", "obj-1")}, "robins", value.Int(1)))

	assert.Equal(t, 3, spy.calls)
	assert.Len(t, ctx.Ops(), 3)
	assert.Len(t, ctx.Patches(), 3)

	root, err := ctx.Root()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"birds": map[string]any{"wrens": int64(2), "robins": int64(1)},
	}, value.Plain(root))
}

func TestWithUpdatedContinuesFromOverlay(t *testing.T) {
	cached := doc(map[string]value.Value{"sparrows": value.Int(1)}, nil)
	pending := doc(map[string]value.Value{"sparrows": value.Int(2)}, nil)
	overlay := map[string]value.Value{value.RootID: pending}

	ctx := New(actor, value.Index(cached),
		WithUpdated(overlay),
		WithApplyPatch(interpret.Apply),
		WithIDGenerator(sequentialIDs("obj")),
	)
	delete(overlay, value.RootID)

	root, err := ctx.Root()
	require.NoError(t, err)
	assert.Equal(t, value.Int(2), root.Values["sparrows"], "overlay shadows the cache and is copied")

	require.NoError(t, ctx.SetMapKey(nil, "sparrows", value.Int(2)))
	assert.False(t, ctx.Changed(), "value already pending in the overlay")
}
