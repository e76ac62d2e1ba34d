package service

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
	"github.com/example/sync-document-engine/internal/crdt"
	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/value"
	"github.com/example/sync-document-engine/internal/wire"
)

type memoryLog struct {
	changes []types.Change
	err     error
}

func (l *memoryLog) AppendChange(_ context.Context, c types.Change) (int64, error) {
	if l.err != nil {
		return 0, l.err
	}
	l.changes = append(l.changes, c)
	return int64(len(l.changes)) * 10, nil
}

// racingLog lets a change from another instance reach the engine while an
// append is in flight, then fails the append.
type racingLog struct {
	engine  *crdt.Engine
	remote  types.Change
	applied chan error
}

func (l *racingLog) AppendChange(ctx context.Context, _ types.Change) (int64, error) {
	go func() {
		_, err := l.engine.ApplyChange(ctx, l.remote)
		l.applied <- err
	}()
	time.Sleep(20 * time.Millisecond)
	return 0, errors.New("connection refused")
}

type recordingPublisher struct {
	envelopes []*wire.Envelope
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, env *wire.Envelope) error {
	p.envelopes = append(p.envelopes, env)
	return p.err
}

func request(mutations ...crdt.Mutation) *wire.Envelope {
	return &wire.Envelope{Kind: wire.KindMutation, Document: "doc-1", Client: "alice", RequestID: "req-1", Mutations: mutations}
}

func set(key string, v value.Value) crdt.Mutation {
	lit := value.L(v)
	return crdt.Mutation{Kind: crdt.MutationSetMapKey, Key: value.StringKey(key), Value: &lit}
}

func newService(log *memoryLog, pub *recordingPublisher) (*Service, *crdt.Engine) {
	engine := crdt.NewEngine("site-a", zerolog.Nop())
	return New(engine, log, pub, zerolog.Nop()), engine
}

func TestApplyCommitsPersistsAndPublishes(t *testing.T) {
	log := &memoryLog{}
	pub := &recordingPublisher{}
	svc, engine := newService(log, pub)

	reply, fanout := svc.Apply(context.Background(), request(set("title", value.String("draft"))))

	require.Equal(t, wire.KindChange, reply.Kind)
	assert.Equal(t, "req-1", reply.RequestID)
	require.NotNil(t, reply.Change)
	assert.NotEmpty(t, reply.Change.Ops)

	require.NotNil(t, fanout)
	assert.Empty(t, fanout.RequestID)
	assert.Equal(t, reply.Change.ID, fanout.Change.ID)

	require.Len(t, log.changes, 1)
	assert.Equal(t, reply.Change.ID, log.changes[0].ID)
	assert.Equal(t, int64(10), engine.LastLSN("doc-1"))
	require.Len(t, pub.envelopes, 1)
	assert.Same(t, fanout, pub.envelopes[0])
}

func TestApplyReportsRejectedMutations(t *testing.T) {
	log := &memoryLog{}
	svc, engine := newService(log, &recordingPublisher{})

	reply, fanout := svc.Apply(context.Background(), request(
		set("title", value.String("draft")),
		crdt.Mutation{Kind: crdt.MutationIncrement, Key: value.StringKey("missing"), Delta: 1},
	))

	assert.Nil(t, fanout)
	require.Equal(t, wire.KindError, reply.Kind)
	assert.Equal(t, "req-1", reply.RequestID)
	assert.Equal(t, CodeInvalidMutation, reply.Error.Code)
	assert.Empty(t, log.changes)
	assert.Empty(t, engine.VectorClock("doc-1"))
}

func TestApplyRollsBackWhenAppendFails(t *testing.T) {
	log := &memoryLog{}
	svc, engine := newService(log, &recordingPublisher{})
	ctx := context.Background()

	_, _ = svc.Apply(ctx, request(set("title", value.String("draft"))))
	log.err = errors.New("connection refused")

	reply, fanout := svc.Apply(ctx, request(set("title", value.String("final"))))

	assert.Nil(t, fanout)
	require.Equal(t, wire.KindError, reply.Kind)
	assert.Equal(t, CodeUnavailable, reply.Error.Code)
	assert.Equal(t, value.String("draft"), engine.View("doc-1").Values["title"])
	assert.Equal(t, types.VectorClock{"alice": 1}, engine.VectorClock("doc-1"))
	assert.Equal(t, int64(10), engine.LastLSN("doc-1"))
}

func TestRollbackKeepsRelayedChange(t *testing.T) {
	ctx := context.Background()
	remote, err := crdt.NewEngine("site-b", zerolog.Nop()).Mutate(ctx, "doc-1", "bob", set("comment", value.String("hello")))
	require.NoError(t, err)

	engine := crdt.NewEngine("site-a", zerolog.Nop())
	log := &racingLog{engine: engine, remote: remote.Change, applied: make(chan error, 1)}
	svc := New(engine, log, nil, zerolog.Nop())

	reply, fanout := svc.Apply(ctx, request(set("title", value.String("final"))))
	assert.Nil(t, fanout)
	require.Equal(t, wire.KindError, reply.Kind)
	assert.Equal(t, CodeUnavailable, reply.Error.Code)

	require.NoError(t, <-log.applied)
	view := engine.View("doc-1")
	assert.Equal(t, value.String("hello"), view.Values["comment"])
	assert.NotContains(t, view.Values, "title")
	assert.Equal(t, types.VectorClock{"bob": 1}, engine.VectorClock("doc-1"))
	assert.Equal(t, remote.Change.ID, engine.LastChange("doc-1"))
}

func TestApplyAcksNoOpWithoutBroadcast(t *testing.T) {
	log := &memoryLog{}
	pub := &recordingPublisher{}
	svc, _ := newService(log, pub)
	ctx := context.Background()

	_, _ = svc.Apply(ctx, request(set("title", value.String("draft"))))
	reply, fanout := svc.Apply(ctx, request(set("title", value.String("draft"))))

	assert.Nil(t, fanout)
	require.Equal(t, wire.KindChange, reply.Kind)
	assert.Empty(t, reply.Change.Ops)
	assert.Len(t, log.changes, 1)
	assert.Len(t, pub.envelopes, 1)
}

func TestApplyToleratesPublishFailure(t *testing.T) {
	svc, _ := newService(&memoryLog{}, &recordingPublisher{err: errors.New("redis down")})

	reply, fanout := svc.Apply(context.Background(), request(set("title", value.String("draft"))))
	assert.Equal(t, wire.KindChange, reply.Kind)
	assert.NotNil(t, fanout)
}

func TestStateEnvelopeCarriesView(t *testing.T) {
	svc, engine := newService(&memoryLog{}, &recordingPublisher{})
	reply, _ := svc.Apply(context.Background(), request(set("title", value.String("draft"))))

	env := svc.State("doc-1")
	require.NoError(t, env.Validate())
	assert.Equal(t, reply.Change.ID, env.State.LastChange)
	assert.Equal(t, engine.VectorClock("doc-1"), env.State.VectorClock)
	assert.True(t, value.Equal(engine.View("doc-1"), env.State.Root.Value))
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("mutation 0: %w", crdt.ErrInvalidMutation), CodeInvalidMutation},
		{change.ErrOutOfBounds, CodeInvalidMutation},
		{change.ErrPathObjectNotFound, CodeNotFound},
		{fmt.Errorf("%w: %w", errNotDurable, errors.New("boom")), CodeUnavailable},
		{context.DeadlineExceeded, CodeUnavailable},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), tt.err.Error())
	}
}
