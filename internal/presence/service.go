// Package presence tracks which clients are on a document. Heartbeats are
// kept in Redis with a TTL and relayed to every instance over pub/sub.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/wire"
	"github.com/example/sync-document-engine/internal/ws"
)

const (
	defaultTTL    = 45 * time.Second
	defaultPrefix = "presence:doc:"
	scanBatchSize = 100
)

var errMissingIdentity = errors.New("presence update missing identifiers")

var presenceUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "presence",
	Name:      "updates_total",
	Help:      "Presence updates handled, by source.",
}, []string{"source"})

func init() {
	prometheus.MustRegister(presenceUpdates)
}

// Option customizes a Service.
type Option func(*Service)

// WithTTL sets how long a heartbeat keeps a client present.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithOrigin names this instance in published updates.
func WithOrigin(origin string) Option {
	return func(s *Service) {
		if origin != "" {
			s.origin = origin
		}
	}
}

// WithPrefix sets the Redis key and channel prefix.
func WithPrefix(prefix string) Option {
	return func(s *Service) {
		if prefix != "" {
			s.keys = keyspace(prefix)
		}
	}
}

// Service records heartbeats, announces joins and leaves, and keeps a local
// roster of the clients on each document.
type Service struct {
	store    Store
	registry *ws.ConnectionRegistry
	logger   zerolog.Logger
	origin   string
	ttl      time.Duration
	keys     keyspace
	roster   *roster
}

// NewService builds a presence service on top of a Redis client.
func NewService(store Store, registry *ws.ConnectionRegistry, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		registry: registry,
		logger:   logger,
		origin:   uuid.NewString(),
		ttl:      defaultTTL,
		keys:     keyspace(defaultPrefix),
		roster:   newRoster(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the pub/sub listener and the expiry sweep until ctx ends.
func (s *Service) Start(ctx context.Context) {
	go s.listen(ctx)
	go s.sweep(ctx)
}

// HandlePing stores a heartbeat from conn and announces it.
func (s *Service) HandlePing(ctx context.Context, conn *ws.Connection, update *wire.Presence) error {
	if update == nil {
		return fmt.Errorf("%w: empty presence frame", wire.ErrMalformedEnvelope)
	}
	update.Document = conn.DocumentID()
	update.Client = conn.ClientID()
	if update.Metadata == nil {
		update.Metadata = conn.Metadata()
	}
	update.Disconnected = false
	update.UpdatedAt = wire.Now()

	if err := s.persist(ctx, *update); err != nil {
		return err
	}
	presenceUpdates.WithLabelValues("heartbeat").Inc()
	s.announce(ctx, *update, conn)
	return nil
}

// Clear drops the heartbeat of a client and tells everyone it left.
func (s *Service) Clear(ctx context.Context, doc types.DocumentID, client types.ClientID) {
	if doc == "" || client == "" {
		return
	}
	key := s.keys.heartbeat(doc, client)
	if err := s.store.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
	}
	presenceUpdates.WithLabelValues("disconnect").Inc()
	s.announce(ctx, departure(doc, client), nil)
}

// SendRoster tells a new client who else is on its document.
func (s *Service) SendRoster(ctx context.Context, conn *ws.Connection) error {
	present, err := s.Roster(ctx, conn.DocumentID())
	if err != nil {
		return err
	}
	for _, p := range present {
		if p.Client == conn.ClientID() {
			continue
		}
		if err := conn.SendEnvelope(envelope(p)); err != nil {
			return fmt.Errorf("send roster entry: %w", err)
		}
	}
	return nil
}

// Roster reads the live heartbeats of a document from Redis, ordered by
// client id, and refreshes the local roster with them.
func (s *Service) Roster(ctx context.Context, doc types.DocumentID) ([]wire.Presence, error) {
	present, err := load(ctx, s.store, s.keys, doc, func(err error) {
		s.logger.Warn().Err(err).Str("document", string(doc)).Msg("skipping unreadable presence entry")
	})
	if err != nil {
		return nil, err
	}
	s.roster.merge(doc, present)
	return present, nil
}

// Local returns the clients this instance believes are on doc.
func (s *Service) Local(doc types.DocumentID) []wire.Presence {
	return s.roster.list(doc)
}

// WrapHooks chains presence handling after the hooks in base.
func (s *Service) WrapHooks(base ws.Hooks) ws.Hooks {
	next := base
	base.OnPresence = func(ctx context.Context, conn *ws.Connection, update *wire.Presence, env *wire.Envelope) error {
		if next.OnPresence != nil {
			if err := next.OnPresence(ctx, conn, update, env); err != nil {
				return err
			}
		}
		return s.HandlePing(ctx, conn, update)
	}
	base.OnConnect = func(ctx context.Context, conn *ws.Connection) error {
		if next.OnConnect != nil {
			if err := next.OnConnect(ctx, conn); err != nil {
				return err
			}
		}
		return s.SendRoster(ctx, conn)
	}
	base.OnDisconnect = func(conn *ws.Connection) {
		if next.OnDisconnect != nil {
			next.OnDisconnect(conn)
		}
		s.Clear(context.Background(), conn.DocumentID(), conn.ClientID())
	}
	return base
}

func (s *Service) persist(ctx context.Context, update wire.Presence) error {
	payload, err := encodeStored(update)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, s.keys.heartbeat(update.Document, update.Client), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("store presence: %w", err)
	}
	return nil
}

// announce records update locally, publishes it to the other instances and
// forwards it to local clients other than skip.
func (s *Service) announce(ctx context.Context, update wire.Presence, skip *ws.Connection) {
	s.roster.apply(update)
	payload, err := encodeMessage(s.origin, update)
	if err == nil {
		err = s.store.Publish(ctx, s.keys.channel(update.Document), payload).Err()
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("document", string(update.Document)).Msg("failed to publish presence update")
	}
	s.registry.BroadcastEnvelope(update.Document, envelope(update), skip)
}

func (s *Service) listen(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	for ctx.Err() == nil {
		err := s.consume(ctx, s.store.PSubscribe(ctx, s.keys.pattern()))
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Msg("presence subscription interrupted; retrying")
		}
		select {
		case <-ctx.Done():
		case <-time.After(policy.NextBackOff()):
		}
	}
}

func (s *Service) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()
	ch := pubsub.Channel(redis.WithChannelSize(128))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("presence channel closed")
			}
			if err := s.receive(msg.Channel, []byte(msg.Payload)); err != nil {
				s.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping presence message")
			}
		}
	}
}

// receive handles an update published by any instance, this one included.
// Updates from this instance were already delivered to local clients.
func (s *Service) receive(channel string, payload []byte) error {
	msg, err := decodeMessage(payload)
	if err != nil {
		return err
	}
	if msg.Origin == s.origin {
		return nil
	}
	update := msg.Presence
	if update.Document == "" {
		update.Document = s.keys.document(channel)
	}
	if update.Document == "" || update.Client == "" {
		return errMissingIdentity
	}
	presenceUpdates.WithLabelValues("remote").Inc()
	s.roster.apply(update)
	s.registry.BroadcastEnvelope(update.Document, envelope(update), nil)
	return nil
}

func (s *Service) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pruneExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// pruneExpired announces the departure of clients whose heartbeat key has
// expired.
func (s *Service) pruneExpired(ctx context.Context) {
	for doc, clients := range s.roster.members() {
		for _, client := range clients {
			n, err := s.store.Exists(ctx, s.keys.heartbeat(doc, client)).Result()
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to check presence ttl")
				continue
			}
			if n > 0 {
				continue
			}
			s.logger.Debug().Str("document", string(doc)).Str("client", string(client)).Msg("presence expired")
			presenceUpdates.WithLabelValues("expired").Inc()
			s.announce(ctx, departure(doc, client), nil)
		}
	}
}

func departure(doc types.DocumentID, client types.ClientID) wire.Presence {
	return wire.Presence{Document: doc, Client: client, Disconnected: true, UpdatedAt: wire.Now()}
}

func envelope(update wire.Presence) *wire.Envelope {
	return &wire.Envelope{
		Kind:      wire.KindPresence,
		Document:  update.Document,
		Client:    update.Client,
		Timestamp: wire.Now(),
		Presence:  &update,
	}
}
