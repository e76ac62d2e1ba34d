package change

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sync-document-engine/internal/oplog"
	"github.com/example/sync-document-engine/internal/patch"
	"github.com/example/sync-document-engine/internal/value"
)

func birdsContext(t *testing.T) (*Context, *applySpy, []PathElement) {
	t.Helper()
	birds := list("birds-1", "swallow", "magpie")
	ctx, spy := newTestContext(doc(map[string]value.Value{"birds": birds}, nil))
	return ctx, spy, []PathElement{Step("birds", "birds-1")}
}

func birdsPatch(sub *patch.ObjectDiff) *patch.ObjectDiff {
	sub.ObjectID, sub.Type = "birds-1", patch.TypeList
	return rootPatch(patch.Props{value.StringKey("birds"): by("actor1", patch.ObjectLeaf(sub))})
}

func plainBirds(t *testing.T, ctx *Context) any {
	t.Helper()
	birds, err := ctx.GetObject("birds-1")
	require.NoError(t, err)
	return value.Plain(birds)
}

func TestSetListIndexOverwritesElement(t *testing.T) {
	ctx, spy, path := birdsContext(t)

	require.NoError(t, ctx.SetListIndex(path, 0, value.String("starling")))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionSet, Obj: "birds-1", Key: value.IndexKey(0), Value: value.String("starling")},
	}, ctx.Ops())
	assert.Equal(t, 1, spy.calls)
	requirePatch(t, birdsPatch(&patch.ObjectDiff{
		Props: patch.Props{value.IndexKey(0): by(actor, str("starling"))},
	}), spy.last)
	assert.Equal(t, []any{"starling", "magpie"}, plainBirds(t, ctx))
}

func TestSetListIndexCreatesNestedObject(t *testing.T) {
	ctx, spy, path := birdsContext(t)

	bird := value.NewMap(map[string]value.Value{
		"english": value.String("goldfinch"),
		"latin":   value.String("carduelis"),
	})
	require.NoError(t, ctx.SetListIndex(path, 1, bird))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionMakeMap, Obj: "birds-1", Key: value.IndexKey(1), Child: "obj-1"},
		{Action: oplog.ActionSet, Obj: "obj-1", Key: value.StringKey("english"), Value: value.String("goldfinch")},
		{Action: oplog.ActionSet, Obj: "obj-1", Key: value.StringKey("latin"), Value: value.String("carduelis")},
	}, ctx.Ops())
	assert.Equal(t, 1, spy.calls)
	requirePatch(t, birdsPatch(&patch.ObjectDiff{
		Props: patch.Props{value.IndexKey(1): by(actor, patch.ObjectLeaf(&patch.ObjectDiff{
			ObjectID: "obj-1",
			Type:     patch.TypeMap,
			Props: patch.Props{
				value.StringKey("english"): by(actor, str("goldfinch")),
				value.StringKey("latin"):   by(actor, str("carduelis")),
			},
		}))},
	}), spy.last)
}

func TestSetListIndexAtLengthAppends(t *testing.T) {
	viaIndex, indexSpy, path := birdsContext(t)
	viaSplice, spliceSpy, _ := birdsContext(t)

	require.NoError(t, viaIndex.SetListIndex(path, 2, value.String("wren")))
	require.NoError(t, viaSplice.Splice(path, 2, 0, []value.Value{value.String("wren")}))

	assert.Equal(t, viaSplice.Ops(), viaIndex.Ops())
	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionSet, Obj: "birds-1", Key: value.IndexKey(2), Insert: true, Value: value.String("wren")},
	}, viaIndex.Ops())
	requirePatch(t, spliceSpy.last, indexSpy.last)
	assert.Equal(t, []any{"swallow", "magpie", "wren"}, plainBirds(t, viaIndex))
}

func TestSetListIndexRejects(t *testing.T) {
	counters := &value.List{
		ObjectID:  "counts-1",
		Values:    []value.Value{value.NewCounter(1)},
		Conflicts: []map[string]value.Value{{"actor1": value.NewCounter(1)}},
	}
	ctx, spy := newTestContext(doc(map[string]value.Value{"counts": counters}, nil))
	path := []PathElement{Step("counts", "counts-1")}

	assert.ErrorIs(t, ctx.SetListIndex(path, 0, value.Int(7)), ErrCounterOverwrite)
	assert.ErrorIs(t, ctx.SetListIndex(path, 5, value.Int(7)), ErrOutOfBounds)
	assert.ErrorIs(t, ctx.SetListIndex(path, -1, value.Int(7)), ErrOutOfBounds)
	assert.ErrorIs(t, ctx.SetListIndex(nil, 0, value.Int(7)), value.ErrTypeMismatch)
	assert.Empty(t, ctx.Ops())
	assert.Zero(t, spy.calls)
}

func TestSpliceInsertsNestedObject(t *testing.T) {
	ctx, spy, path := birdsContext(t)

	bird := value.NewMap(map[string]value.Value{
		"english": value.String("goldfinch"),
		"latin":   value.String("carduelis"),
	})
	require.NoError(t, ctx.Splice(path, 2, 0, []value.Value{bird}))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionMakeMap, Obj: "birds-1", Key: value.IndexKey(2), Insert: true, Child: "obj-1"},
		{Action: oplog.ActionSet, Obj: "obj-1", Key: value.StringKey("english"), Value: value.String("goldfinch")},
		{Action: oplog.ActionSet, Obj: "obj-1", Key: value.StringKey("latin"), Value: value.String("carduelis")},
	}, ctx.Ops())
	assert.Equal(t, 1, spy.calls)
	requirePatch(t, birdsPatch(&patch.ObjectDiff{
		Edits: []patch.Edit{patch.Insert(2)},
		Props: patch.Props{value.IndexKey(2): by(actor, patch.ObjectLeaf(&patch.ObjectDiff{
			ObjectID: "obj-1",
			Type:     patch.TypeMap,
			Props: patch.Props{
				value.StringKey("english"): by(actor, str("goldfinch")),
				value.StringKey("latin"):   by(actor, str("carduelis")),
			},
		}))},
	}), spy.last)
}

func TestSpliceDeletesRepeatedlyAtStart(t *testing.T) {
	ctx, spy, path := birdsContext(t)

	require.NoError(t, ctx.Splice(path, 0, 2, nil))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionDel, Obj: "birds-1", Key: value.IndexKey(0)},
		{Action: oplog.ActionDel, Obj: "birds-1", Key: value.IndexKey(0)},
	}, ctx.Ops())
	assert.Equal(t, 1, spy.calls)
	requirePatch(t, birdsPatch(&patch.ObjectDiff{
		Edits: []patch.Edit{patch.Remove(0), patch.Remove(0)},
		Props: patch.Props{},
	}), spy.last)
	assert.Equal(t, []any{}, plainBirds(t, ctx))
}

func TestSpliceDeleteAndInsertInOneCall(t *testing.T) {
	ctx, spy, path := birdsContext(t)

	require.NoError(t, ctx.Splice(path, 0, 1, []value.Value{value.String("starling"), value.String("goldfinch")}))

	assert.Equal(t, []oplog.Op{
		{Action: oplog.ActionDel, Obj: "birds-1", Key: value.IndexKey(0)},
		{Action: oplog.ActionSet, Obj: "birds-1", Key: value.IndexKey(0), Insert: true, Value: value.String("starling")},
		{Action: oplog.ActionSet, Obj: "birds-1", Key: value.IndexKey(1), Insert: true, Value: value.String("goldfinch")},
	}, ctx.Ops())
	assert.Equal(t, 1, spy.calls)
	requirePatch(t, birdsPatch(&patch.ObjectDiff{
		Edits: []patch.Edit{patch.Remove(0), patch.Insert(0), patch.Insert(1)},
		Props: patch.Props{
			value.IndexKey(0): by(actor, str("starling")),
			value.IndexKey(1): by(actor, str("goldfinch")),
		},
	}), spy.last)
	assert.Equal(t, []any{"starling", "goldfinch", "magpie"}, plainBirds(t, ctx))
}

func TestSpliceBounds(t *testing.T) {
	ctx, spy, path := birdsContext(t)

	assert.ErrorIs(t, ctx.Splice(path, -1, 0, []value.Value{value.String("x")}), ErrOutOfBounds)
	assert.ErrorIs(t, ctx.Splice(path, 0, -1, nil), ErrOutOfBounds)
	assert.ErrorIs(t, ctx.Splice(path, 1, 2, nil), ErrOutOfBounds)
	assert.ErrorIs(t, ctx.Splice(path, 3, 0, []value.Value{value.String("x")}), ErrOutOfBounds)
	assert.Empty(t, ctx.Ops())
	assert.Zero(t, spy.calls)

	require.NoError(t, ctx.Splice(path, 1, 0, nil))
	assert.Empty(t, ctx.Ops())
	assert.Zero(t, spy.calls)
}

func TestSpliceText(t *testing.T) {
	text := &value.Text{List: *list("text-1", "h", "i")}
	ctx, spy := newTestContext(doc(map[string]value.Value{"text": text}, nil))
	path := []PathElement{Step("text", "text-1")}

	require.NoError(t, ctx.Splice(path, 2, 0, []value.Value{value.String("!")}))
	err := ctx.Splice(path, 0, 0, []value.Value{value.String("no")})
	require.ErrorIs(t, err, value.ErrInvalidText)
	require.ErrorIs(t, ctx.SetListIndex(path, 0, value.Int(1)), value.ErrInvalidText)

	assert.Len(t, ctx.Ops(), 1)
	assert.Equal(t, 1, spy.calls)
	updated, err := ctx.GetObject("text-1")
	require.NoError(t, err)
	assert.Equal(t, "hi!", updated.(*value.Text).String())
}
