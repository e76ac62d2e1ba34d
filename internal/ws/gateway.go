package ws

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/sync-document-engine/internal/observability"
	"github.com/example/sync-document-engine/internal/types"
)

const (
	ioBufferSize              = 1024
	defaultHeartbeatInterval  = 30 * time.Second
	defaultHeartbeatTolerance = 2
	defaultSendBuffer         = 64
	defaultWriteTimeout       = 5 * time.Second
)

var (
	errMissingDocument = errors.New("missing document_id")
	errMissingClient   = errors.New("missing client identity")
)

// Authenticator resolves who is connecting before the upgrade.
type Authenticator interface {
	Authenticate(r *http.Request) (ClientIdentity, error)
}

// AuthFunc adapts a plain function to Authenticator.
type AuthFunc func(r *http.Request) (ClientIdentity, error)

// Authenticate implements Authenticator.
func (f AuthFunc) Authenticate(r *http.Request) (ClientIdentity, error) {
	return f(r)
}

// QueryAuth takes the client from the client_id query parameter and keeps
// every other parameter except document_id as metadata.
var QueryAuth = AuthFunc(func(r *http.Request) (ClientIdentity, error) {
	q := r.URL.Query()
	client := q.Get("client_id")
	if client == "" {
		return ClientIdentity{}, errMissingClient
	}
	meta := make(map[string]string, len(q))
	for key := range q {
		switch key {
		case "client_id", "document_id":
		default:
			meta[key] = q.Get(key)
		}
	}
	return ClientIdentity{ClientID: types.ClientID(client), Metadata: meta}, nil
})

// GatewayConfig tunes heartbeats and per-connection buffering. Zero values
// pick the defaults.
type GatewayConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance int
	SendBuffer         int
	WriteTimeout       time.Duration
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTolerance <= 0 {
		c.HeartbeatTolerance = defaultHeartbeatTolerance
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

func (c GatewayConfig) connectionOptions() connectionOptions {
	return connectionOptions{
		heartbeatInterval:  c.HeartbeatInterval,
		heartbeatTolerance: c.HeartbeatTolerance,
		sendBufferSize:     c.SendBuffer,
		writeTimeout:       c.WriteTimeout,
	}
}

// Gateway is the http.Handler that turns document sessions into
// registered WebSocket connections.
type Gateway struct {
	auth     Authenticator
	registry *ConnectionRegistry
	logger   zerolog.Logger
	hooks    Hooks
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway validates its collaborators and fills in config defaults.
func NewGateway(auth Authenticator, registry *ConnectionRegistry, logger zerolog.Logger, hooks Hooks, cfg GatewayConfig) (*Gateway, error) {
	switch {
	case auth == nil:
		return nil, errors.New("new gateway: authenticator is required")
	case registry == nil:
		return nil, errors.New("new gateway: connection registry is required")
	}
	g := &Gateway{
		auth:     auth,
		registry: registry,
		logger:   logger,
		hooks:    hooks,
		cfg:      cfg.withDefaults(),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  ioBufferSize,
		WriteBufferSize: ioBufferSize,
		CheckOrigin:     g.allowOrigin,
	}
	return g, nil
}

// Registry returns the registry connections are tracked in.
func (g *Gateway) Registry() *ConnectionRegistry { return g.registry }

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	identity, status, err := g.identify(r)
	if err != nil {
		g.logger.Debug().Err(err).Int("status", status).Msg("rejected websocket session")
		http.Error(w, err.Error(), status)
		return
	}
	if err := g.accept(w, r, identity); err != nil {
		g.logger.Error().Err(err).Str("document", string(identity.DocumentID)).Msg("websocket upgrade failed")
	}
}

// identify authenticates r and pins the session to one document. The
// authenticator may bind the document itself; otherwise the query decides.
func (g *Gateway) identify(r *http.Request) (ClientIdentity, int, error) {
	identity, err := g.auth.Authenticate(r)
	if err != nil {
		return ClientIdentity{}, http.StatusUnauthorized, fmt.Errorf("authenticate: %w", err)
	}
	if identity.ClientID == "" {
		return ClientIdentity{}, http.StatusUnauthorized, errMissingClient
	}
	if identity.DocumentID == "" {
		identity.DocumentID = types.DocumentID(r.URL.Query().Get("document_id"))
	}
	if identity.DocumentID == "" {
		return ClientIdentity{}, http.StatusBadRequest, errMissingDocument
	}
	return identity, http.StatusOK, nil
}

func (g *Gateway) accept(w http.ResponseWriter, r *http.Request, identity ClientIdentity) error {
	doc := identity.DocumentID
	started := time.Now()
	_, span := tracer.Start(r.Context(), "ws.Accept")
	defer span.End()
	span.SetAttributes(
		attribute.String("document.id", string(doc)),
		attribute.String("client.id", string(identity.ClientID)),
	)

	// On failure Upgrade has already answered the client.
	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.Fail(span, err)
		return fmt.Errorf("upgrade: %w", err)
	}
	gatewayUpgradeLatency.WithLabelValues(string(doc)).Observe(time.Since(started).Seconds())

	logger := g.logger.With().
		Str("document", string(doc)).
		Str("client", string(identity.ClientID)).
		Logger()
	var conn *Connection
	conn = newConnection(socket, identity, doc, g.registry, logger, g.cfg.connectionOptions(), func() {
		g.registry.Unregister(doc, conn)
	})
	g.registry.Register(doc, conn)
	logger.Info().Msg("client connected")

	go conn.Run(g.hooks)
	return nil
}

func (g *Gateway) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(g.cfg.AllowedOrigins, origin)
}
