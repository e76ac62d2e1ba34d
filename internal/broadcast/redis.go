package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/sync-document-engine/internal/crdt"
	syncstate "github.com/example/sync-document-engine/internal/sync"
	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/wire"
	"github.com/example/sync-document-engine/internal/ws"
)

const (
	defaultTopicPrefix = "doc:"
	defaultDedupeTTL   = 2 * time.Minute
	defaultMaxTries    = 8
	maxBackoffDelay    = 30 * time.Second
)

var errIncompletePayload = errors.New("incomplete payload")

type redisMessage struct {
	Origin     string `json:"origin"`
	DocumentID string `json:"document_id"`
	ChangeID   string `json:"change_id"`
	ClientID   string `json:"client_id,omitempty"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Option customises a RedisBroadcaster.
type Option func(*RedisBroadcaster)

// WithTopicPrefix overrides the channel prefix documents are published under.
func WithTopicPrefix(prefix string) Option {
	return func(b *RedisBroadcaster) {
		if prefix != "" {
			b.topicPrefix = prefix
		}
	}
}

// WithMaxTries bounds publish attempts.
func WithMaxTries(n uint) Option {
	return func(b *RedisBroadcaster) {
		if n > 0 {
			b.maxTries = n
		}
	}
}

// RedisBroadcaster publishes committed changes to Redis and folds changes
// committed on other instances into the local engine before fanning them out
// to local websocket clients.
type RedisBroadcaster struct {
	client   *redis.Client
	registry *ws.ConnectionRegistry
	engine   *crdt.Engine
	logger   zerolog.Logger

	siteID      string
	topicPrefix string
	dedupeTTL   time.Duration
	maxTries    uint

	tracker *syncstate.VectorClockTracker
	buffer  *syncstate.OperationReorderBuffer

	seenMu sync.Mutex
	seen   map[string]time.Time

	latency *prometheus.HistogramVec
}

// NewRedisBroadcaster constructs a broadcaster backed by Redis Pub/Sub.
func NewRedisBroadcaster(client *redis.Client, registry *ws.ConnectionRegistry, engine *crdt.Engine, logger zerolog.Logger, opts ...Option) *RedisBroadcaster {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_send_seconds",
		Help:      "Observed latency between enqueue and delivery to websocket clients.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"document_id"})

	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	tracker := syncstate.NewVectorClockTracker()
	b := &RedisBroadcaster{
		client:      client,
		registry:    registry,
		engine:      engine,
		logger:      logger,
		siteID:      engine.SiteID(),
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		maxTries:    defaultMaxTries,
		tracker:     tracker,
		buffer:      syncstate.NewOperationReorderBuffer(tracker, logger),
		seen:        make(map[string]time.Time),
		latency:     histogram,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends a committed change envelope to the document topic, retrying
// transient Redis failures with exponential backoff.
func (b *RedisBroadcaster) Publish(ctx context.Context, env *wire.Envelope) error {
	if b == nil || b.client == nil {
		return errors.New("nil broadcaster")
	}

	encoded, err := b.encode(env)
	if err != nil {
		return err
	}

	topic := b.topic(env.Document)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = maxBackoffDelay

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := b.client.Publish(ctx, topic, encoded).Err()
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return struct{}{}, backoff.Permanent(err)
		}
		b.logger.Warn().Err(err).Str("topic", topic).Msg("redis publish failed; retrying")
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(b.maxTries))
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroadcaster) encode(env *wire.Envelope) ([]byte, error) {
	if env.Kind != wire.KindChange || env.Change == nil {
		return nil, fmt.Errorf("%w: only change envelopes are broadcast", wire.ErrMalformedEnvelope)
	}
	payload, err := wire.Encode(env)
	if err != nil {
		return nil, err
	}

	msg := redisMessage{
		Origin:     b.siteID,
		DocumentID: string(env.Document),
		ChangeID:   string(env.Change.ID),
		ClientID:   string(env.Change.Actor),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode redis payload: %w", err)
	}
	return encoded, nil
}

// Start begins consuming redis pub/sub messages and dispatching them to
// websocket clients registered locally.
func (b *RedisBroadcaster) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *RedisBroadcaster) run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = maxBackoffDelay
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, fmt.Sprintf("%s*", b.topicPrefix))
		err := b.consume(ctx, pubsub)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(policy.NextBackOff()):
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(ctx, msg.Payload); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process broadcast message")
			}
		}
	}
}

func (b *RedisBroadcaster) process(ctx context.Context, raw string) error {
	var payload redisMessage
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.DocumentID == "" || payload.ChangeID == "" {
		return errIncompletePayload
	}

	// Local commits were applied and fanned out before publishing.
	if payload.Origin == b.siteID {
		return nil
	}
	if b.isDuplicate(payload.DocumentID, payload.ChangeID) {
		return nil
	}

	env, err := wire.Decode(payload.Payload)
	if err != nil {
		return err
	}
	if env.Kind != wire.KindChange {
		return fmt.Errorf("%w: unexpected %s on change topic", wire.ErrMalformedEnvelope, env.Kind)
	}

	if payload.EnqueuedAt > 0 {
		b.latency.WithLabelValues(payload.DocumentID).Observe(time.Since(time.Unix(0, payload.EnqueuedAt)).Seconds())
	}
	return b.relay(ctx, *env.Change)
}

// relay folds a remote change into the engine in causal order and forwards
// every change it releases to local clients.
func (b *RedisBroadcaster) relay(ctx context.Context, c types.Change) error {
	b.tracker.MergeRemote(c.Document, b.engine.VectorClock(c.Document))

	err := b.buffer.HandleChange(c, func(ready types.Change) error {
		applied, err := b.engine.ApplyChange(ctx, ready)
		if err != nil {
			return fmt.Errorf("apply change %s: %w", ready.ID, err)
		}
		if !applied {
			return nil
		}
		b.registry.BroadcastEnvelopeByClientID(ready.Document, &wire.Envelope{
			Kind:     wire.KindChange,
			Document: ready.Document,
			Client:   ready.Actor,
			Change:   &ready,
		}, ready.Actor)
		return nil
	})
	if errors.Is(err, syncstate.ErrCausalityGap) {
		return nil
	}
	return err
}

// Pending returns the number of relayed changes waiting on predecessors.
func (b *RedisBroadcaster) Pending(docID types.DocumentID) int {
	return b.buffer.Pending(docID)
}

func (b *RedisBroadcaster) topic(docID types.DocumentID) string {
	return fmt.Sprintf("%s%s", b.topicPrefix, docID)
}

func (b *RedisBroadcaster) isDuplicate(docID, changeID string) bool {
	key := docID + ":" + changeID

	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	if ts, ok := b.seen[key]; ok {
		if time.Since(ts) < b.dedupeTTL {
			return true
		}
	}

	b.seen[key] = time.Now()
	cutoff := time.Now().Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}
