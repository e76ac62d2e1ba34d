package change

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/sync-document-engine/internal/interpret"
	"github.com/example/sync-document-engine/internal/oplog"
	"github.com/example/sync-document-engine/internal/patch"
	"github.com/example/sync-document-engine/internal/value"
)

const actor = "9c2a43f0-local-actor"

// applySpy records every collaborator call and delegates to the interpreter.
type applySpy struct {
	calls int
	last  *patch.ObjectDiff
	prev  value.Value
	err   error
}

func (s *applySpy) apply(diff *patch.ObjectDiff, prev value.Value, overlay map[string]value.Value) (value.Value, error) {
	s.calls++
	s.last = diff
	s.prev = prev
	if s.err != nil {
		return nil, s.err
	}
	return interpret.Apply(diff, prev, overlay)
}

func sequentialIDs(prefix string) oplog.IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestContext(root *value.Map) (*Context, *applySpy) {
	spy := &applySpy{}
	ctx := New(actor, value.Index(root),
		WithApplyPatch(spy.apply),
		WithIDGenerator(sequentialIDs("obj")),
	)
	return ctx, spy
}

// doc builds a root map. Every key gets a single-contributor conflict set
// unless conflicts overrides it.
func doc(values map[string]value.Value, conflicts map[string]map[string]value.Value) *value.Map {
	return object(value.RootID, values, conflicts)
}

func object(id string, values map[string]value.Value, conflicts map[string]map[string]value.Value) *value.Map {
	if values == nil {
		values = map[string]value.Value{}
	}
	all := map[string]map[string]value.Value{}
	for k, v := range values {
		all[k] = map[string]value.Value{"actor1": v}
	}
	for k, c := range conflicts {
		all[k] = c
	}
	return &value.Map{ObjectID: id, Values: values, Conflicts: all}
}

func list(id string, elems ...string) *value.List {
	l := &value.List{ObjectID: id}
	for _, e := range elems {
		l.Values = append(l.Values, value.String(e))
		l.Conflicts = append(l.Conflicts, map[string]value.Value{"actor1": value.String(e)})
	}
	return l
}

func rootPatch(props patch.Props) *patch.ObjectDiff {
	return &patch.ObjectDiff{ObjectID: value.RootID, Type: patch.TypeMap, Props: props}
}

func by(contributor string, d patch.Diff) map[string]patch.Diff {
	return map[string]patch.Diff{contributor: d}
}

func str(s string) patch.Diff { return patch.ValueLeaf(value.String(s), value.DatatypeNone) }
func num(n int64) patch.Diff  { return patch.ValueLeaf(value.Int(n), value.DatatypeNone) }

func requirePatch(t *testing.T, want, got *patch.ObjectDiff) {
	t.Helper()
	require.Truef(t, want.Equal(got), "patch mismatch\nwant: %s\ngot:  %s", want, got)
}
