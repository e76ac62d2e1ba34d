package crdt

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sync-document-engine/internal/change"
	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/value"
)

const doc types.DocumentID = "doc-1"

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newEngine(prefix string) *Engine {
	return NewEngine("site-a", zerolog.Nop(), WithIDGenerator(sequentialIDs(prefix)))
}

func set(key string, v value.Value) Mutation {
	lit := value.L(v)
	return Mutation{Kind: MutationSetMapKey, Key: value.StringKey(key), Value: &lit}
}

func TestMutateCommitsChange(t *testing.T) {
	engine := newEngine("obj")

	res, err := engine.Mutate(context.Background(), doc, "alice",
		set("title", value.String("groceries")),
		set("items", value.NewList(value.String("milk"))),
	)
	require.NoError(t, err)

	c := res.Change
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, doc, c.Document)
	assert.Equal(t, types.ClientID("alice"), c.Actor)
	assert.Equal(t, uint64(1), c.Seq())
	assert.Len(t, c.Patches, 2)
	assert.Len(t, c.Ops, 3)
	require.NoError(t, c.Verify())

	view := engine.View(doc)
	assert.Equal(t, value.String("groceries"), view.Values["title"])
	items, err := value.AsList(view.Values["items"])
	require.NoError(t, err)
	assert.Equal(t, "obj-1", items.ObjectID)
	assert.Equal(t, []value.Value{value.String("milk")}, items.Values)
	assert.Equal(t, types.VectorClock{"alice": 1}, engine.VectorClock(doc))
	assert.Equal(t, c.ID, engine.LastChange(doc))
}

func TestMutateIsAtomic(t *testing.T) {
	engine := newEngine("obj")
	ctx := context.Background()

	_, err := engine.Mutate(ctx, doc, "alice", set("title", value.String("a")))
	require.NoError(t, err)

	_, err = engine.Mutate(ctx, doc, "alice",
		set("title", value.String("b")),
		Mutation{Kind: MutationIncrement, Key: value.StringKey("missing"), Delta: 1},
	)
	require.ErrorIs(t, err, change.ErrUnsupported)

	assert.Equal(t, value.String("a"), engine.View(doc).Values["title"])
	assert.Equal(t, types.VectorClock{"alice": 1}, engine.VectorClock(doc))
}

func TestMutateWithoutEffectKeepsClock(t *testing.T) {
	engine := newEngine("obj")
	ctx := context.Background()

	_, err := engine.Mutate(ctx, doc, "alice", set("title", value.String("a")))
	require.NoError(t, err)

	res, err := engine.Mutate(ctx, doc, "alice", set("title", value.String("a")))
	require.NoError(t, err)
	assert.Empty(t, res.Change.Ops)
	assert.Equal(t, types.VectorClock{"alice": 1}, engine.VectorClock(doc))
}

func TestMutateTableRowsAndCounters(t *testing.T) {
	engine := newEngine("obj")
	ctx := context.Background()

	_, err := engine.Mutate(ctx, doc, "alice",
		set("books", value.NewTable()),
		set("likes", value.NewCounter(1)),
	)
	require.NoError(t, err)

	row := value.L(value.NewMap(map[string]value.Value{"title": value.String("Dune")}))
	res, err := engine.Mutate(ctx, doc, "alice",
		Mutation{Kind: MutationAddTableRow, Path: []change.PathElement{change.Step("books", "obj-1")}, Value: &row},
		Mutation{Kind: MutationIncrement, Key: value.StringKey("likes"), Delta: 4},
	)
	require.NoError(t, err)
	require.Equal(t, []string{"obj-2"}, res.RowIDs)

	view := engine.View(doc)
	books, err := value.AsTable(view.Values["books"])
	require.NoError(t, err)
	require.Contains(t, books.Rows, "obj-2")
	assert.Equal(t, value.String("Dune"), books.Rows["obj-2"].Values["title"])
	assert.Equal(t, value.NewCounter(5), view.Values["likes"])

	_, err = engine.Mutate(ctx, doc, "alice",
		Mutation{Kind: MutationDeleteTableRow, Path: []change.PathElement{change.Step("books", "obj-1")}, RowID: "obj-2"},
	)
	require.NoError(t, err)
	books, err = value.AsTable(engine.View(doc).Values["books"])
	require.NoError(t, err)
	assert.Empty(t, books.Rows)
}

func TestMutationRejectsMalformedRequests(t *testing.T) {
	engine := newEngine("obj")
	ctx := context.Background()

	_, err := engine.Mutate(ctx, doc, "alice", Mutation{Kind: "rename"})
	assert.ErrorIs(t, err, ErrInvalidMutation)

	_, err = engine.Mutate(ctx, doc, "alice", Mutation{Kind: MutationSetListIndex, Key: value.StringKey("x")})
	assert.ErrorIs(t, err, ErrInvalidMutation)

	_, err = engine.Mutate(ctx, doc, "alice", Mutation{Kind: MutationDeleteTableRow})
	assert.ErrorIs(t, err, ErrInvalidMutation)
}

func TestApplyChangeReproducesView(t *testing.T) {
	ctx := context.Background()
	local := newEngine("obj")
	remote := NewEngine("site-b", zerolog.Nop())

	res, err := local.Mutate(ctx, doc, "alice",
		set("config", value.NewMap(map[string]value.Value{"theme": value.String("dark")})),
		set("tags", value.NewText("hi")),
	)
	require.NoError(t, err)

	applied, err := remote.ApplyChange(ctx, res.Change)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, value.Equal(local.View(doc), remote.View(doc)))
	assert.Equal(t, local.VectorClock(doc), remote.VectorClock(doc))

	applied, err = remote.ApplyChange(ctx, res.Change)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApplyWALRoundTripsAndSkipsOldRecords(t *testing.T) {
	ctx := context.Background()
	local := newEngine("obj")
	replica := NewEngine("site-b", zerolog.Nop())

	res, err := local.Mutate(ctx, doc, "alice", set("n", value.Int(7)))
	require.NoError(t, err)

	record, err := res.Change.ToWALRecord()
	require.NoError(t, err)
	record.LSN = 3

	data, err := record.MarshalBinary()
	require.NoError(t, err)
	var decoded types.WALRecord
	require.NoError(t, decoded.UnmarshalBinary(data))

	require.NoError(t, replica.ApplyWAL(decoded))
	assert.Equal(t, value.Int(7), replica.View(doc).Values["n"])
	assert.Equal(t, int64(3), replica.LastLSN(doc))

	res, err = local.Mutate(ctx, doc, "alice", set("n", value.Int(8)))
	require.NoError(t, err)
	stale, err := res.Change.ToWALRecord()
	require.NoError(t, err)
	stale.LSN = 2
	require.NoError(t, replica.ApplyWAL(stale))
	assert.Equal(t, value.Int(7), replica.View(doc).Values["n"])
}

func TestApplyWALRejectsTamperedPayload(t *testing.T) {
	local := newEngine("obj")
	res, err := local.Mutate(context.Background(), doc, "alice", set("n", value.Int(1)))
	require.NoError(t, err)

	c := res.Change
	c.Digest++
	record, err := c.ToWALRecord()
	require.NoError(t, err)

	err = NewEngine("site-b", zerolog.Nop()).ApplyWAL(record)
	assert.ErrorIs(t, err, types.ErrDigestMismatch)
}

func TestRestoreReplacesView(t *testing.T) {
	engine := newEngine("obj")
	root := &value.Map{ObjectID: value.RootID, Values: map[string]value.Value{
		"list": &value.List{ObjectID: "list-1", Values: []value.Value{value.Int(1)}},
	}}

	require.NoError(t, engine.Restore(doc, root, types.VectorClock{"bob": 4}, "change-9", 12))
	assert.Equal(t, int64(12), engine.LastLSN(doc))
	assert.Equal(t, types.VectorClock{"bob": 4}, engine.VectorClock(doc))
	assert.Equal(t, types.ChangeID("change-9"), engine.LastChange(doc))

	_, err := engine.Mutate(context.Background(), doc, "alice", Mutation{
		Kind:   MutationSplice,
		Path:   []change.PathElement{change.Step("list", "list-1")},
		Key:    value.IndexKey(1),
		Values: []value.Literal{value.L(value.Int(2))},
	})
	require.NoError(t, err)
	list, err := value.AsList(engine.View(doc).Values["list"])
	require.NoError(t, err)
	assert.Equal(t, []value.Value{value.Int(1), value.Int(2)}, list.Values)

	assert.Error(t, engine.Restore(doc, value.NewMap(nil), nil, "", 0))
}

func TestViewIsIndependentCopy(t *testing.T) {
	engine := newEngine("obj")
	_, err := engine.Mutate(context.Background(), doc, "alice", set("a", value.Int(1)))
	require.NoError(t, err)

	view := engine.View(doc)
	view.Values["a"] = value.Int(99)

	assert.Equal(t, value.Int(1), engine.View(doc).Values["a"])
}

func TestApplyChangeWaitsForExclusive(t *testing.T) {
	ctx := context.Background()
	remote, err := NewEngine("site-b", zerolog.Nop()).Mutate(ctx, doc, "bob", set("a", value.Int(1)))
	require.NoError(t, err)

	engine := newEngine("obj")
	applied := make(chan bool, 1)
	err = engine.Exclusive(doc, func() error {
		go func() {
			ok, _ := engine.ApplyChange(ctx, remote.Change)
			applied <- ok
		}()
		time.Sleep(20 * time.Millisecond)
		assert.Empty(t, engine.View(doc).Values)
		return nil
	})
	require.NoError(t, err)

	assert.True(t, <-applied)
	assert.Equal(t, value.Int(1), engine.View(doc).Values["a"])
	assert.Equal(t, []types.DocumentID{doc}, engine.Documents())
}

func TestExclusiveReturnsCallbackError(t *testing.T) {
	engine := newEngine("obj")
	boom := errors.New("boom")
	assert.ErrorIs(t, engine.Exclusive(doc, func() error { return boom }), boom)

	_, err := engine.Mutate(context.Background(), doc, "alice", set("a", value.Int(1)))
	require.NoError(t, err)
}
