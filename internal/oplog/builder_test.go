package oplog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sync-document-engine/internal/patch"
	"github.com/example/sync-document-engine/internal/value"
)

func counterIDs() IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func TestSetValueIsDeterministic(t *testing.T) {
	literal := value.NewMap(map[string]value.Value{
		"zeta":  value.NewList(value.Int(1)),
		"alpha": value.NewMap(map[string]value.Value{"y": value.Bool(true), "x": value.Null()}),
		"mid":   value.NewText("ok"),
	})

	first := NewBuilder("a", counterIDs())
	second := NewBuilder("a", counterIDs())
	d1, err := first.SetValue(value.RootID, value.StringKey("k"), literal, false)
	require.NoError(t, err)
	d2, err := second.SetValue(value.RootID, value.StringKey("k"), literal, false)
	require.NoError(t, err)

	assert.Equal(t, first.Ops(), second.Ops())
	assert.True(t, d1.Equal(d2))

	var order []string
	for _, op := range first.Ops() {
		order = append(order, op.String())
	}
	assert.Equal(t, []string{
		"makeMap " + value.RootID + "[k] -> id-1",
		"makeMap id-1[alpha] -> id-2",
		"set id-2[x] = null",
		"set id-2[y] = true",
		"makeText id-1[mid] -> id-3",
		"set id-3[0] insert = \"o\"",
		"set id-3[1] insert = \"k\"",
		"makeList id-1[zeta] -> id-4",
		"set id-4[0] insert = 1",
	}, order)
}

func TestSetValueRejectsTableWithRows(t *testing.T) {
	b := NewBuilder("a", counterIDs())
	table := value.NewTable()
	table.Rows["r"] = value.NewMap(nil)

	_, err := b.SetValue(value.RootID, value.StringKey("t"), value.NewMap(map[string]value.Value{"t": table}), false)
	assert.ErrorIs(t, err, ErrTableRows)
	assert.Zero(t, b.Len())
}

func TestSetValueRejectsInvalidText(t *testing.T) {
	b := NewBuilder("a", counterIDs())
	text := &value.Text{List: value.List{Values: []value.Value{value.String("ab")}}}

	_, err := b.SetValue(value.RootID, value.StringKey("t"), text, false)
	assert.ErrorIs(t, err, value.ErrInvalidText)
	assert.Zero(t, b.Len())
}

func TestInsertListItemsRollsBackPartialWork(t *testing.T) {
	b := NewBuilder("a", counterIDs())
	sub := patch.New("list", patch.TypeList)

	err := b.InsertListItems(sub, 0, []value.Value{
		value.Int(1),
		value.Counter{Value: value.String("bad")},
	})
	require.ErrorIs(t, err, value.ErrTypeMismatch)
	assert.Zero(t, b.Len())
	assert.Empty(t, sub.Edits)
	assert.Empty(t, sub.Props)
}

func TestMakeRow(t *testing.T) {
	b := NewBuilder("a", counterIDs())

	d, err := b.MakeRow("table", value.NewMap(map[string]value.Value{"title": value.String("Emma")}))
	require.NoError(t, err)
	assert.Equal(t, "id-1", d.ObjectID())
	assert.Equal(t, []Op{
		{Action: ActionMakeMap, Obj: "table", Key: value.StringKey("id-1"), Child: "id-1"},
		{Action: ActionSet, Obj: "id-1", Key: value.StringKey("title"), Value: value.String("Emma")},
	}, b.Ops())

	_, err = b.MakeRow("table", value.NewMap(map[string]value.Value{"id": value.Int(1)}))
	assert.ErrorIs(t, err, ErrExplicitRowID)
	_, err = b.MakeRow("table", &value.Map{ObjectID: "taken"})
	assert.ErrorIs(t, err, ErrExistingObject)
	assert.Equal(t, 2, b.Len())
}

func TestDefaultGeneratorProducesUUIDs(t *testing.T) {
	b := NewBuilder("a", nil)
	d, err := b.SetValue(value.RootID, value.StringKey("m"), value.NewMap(nil), false)
	require.NoError(t, err)
	assert.Len(t, d.ObjectID(), 36)
}
