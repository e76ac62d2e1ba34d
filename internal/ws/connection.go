package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/wire"
)

const (
	maxFrameSize = 1 << 20
	// Close reasons must fit a control frame.
	maxCloseReason = 123
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errWrongDocument  = errors.New("frame addressed to another document")
	errMissedPongs    = errors.New("missed heartbeats")
)

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

type outbound struct {
	messageType int
	data        []byte
}

// Connection is one upgraded client session, bound to a single document for
// its whole life.
type Connection struct {
	socket   *websocket.Conn
	identity ClientIdentity
	document types.DocumentID
	registry *ConnectionRegistry
	logger   zerolog.Logger
	opts     connectionOptions
	onClose  func()

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	queue  chan outbound

	lastPong atomic.Int64
	// text flips once the client sends a text frame. Replies follow it.
	text atomic.Bool
}

func newConnection(socket *websocket.Conn, id ClientIdentity, doc types.DocumentID, registry *ConnectionRegistry, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		socket:   socket,
		identity: id,
		document: doc,
		registry: registry,
		logger:   logger,
		opts:     opts,
		onClose:  onClose,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan outbound, opts.sendBufferSize),
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// DocumentID returns the document this session is bound to.
func (c *Connection) DocumentID() types.DocumentID { return c.document }

// ClientID returns the authenticated client.
func (c *Connection) ClientID() types.ClientID { return c.identity.ClientID }

// Metadata returns what the authenticator attached to the session.
func (c *Connection) Metadata() map[string]string { return c.identity.Metadata }

// Context ends when the session closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Registry returns the registry the session is tracked in.
func (c *Connection) Registry() *ConnectionRegistry { return c.registry }

// SendEnvelope queues env in the format the client speaks.
func (c *Connection) SendEnvelope(env *wire.Envelope) error {
	return c.sendFrame(newFrame(env))
}

func (c *Connection) sendFrame(f *frame) error {
	messageType, data, err := f.encode(c.text.Load())
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.kind, err)
	}
	return c.enqueue(outbound{messageType: messageType, data: data})
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (c *Connection) enqueue(msg outbound) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	select {
	case c.queue <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	c.logger.Warn().Int("buffer", cap(c.queue)).Msg("client too slow, closing")
	c.closeWith(websocket.CloseTryAgainLater, "backpressure")
	return errSendBufferFull
}

// Run serves the session until either side closes it. OnDisconnect fires
// after every pump has stopped.
func (c *Connection) Run(hooks Hooks) {
	var pumps sync.WaitGroup
	for _, pump := range []func(){c.writePump, c.heartbeat} {
		pumps.Add(1)
		go func() {
			defer pumps.Done()
			pump()
		}()
	}

	if hooks.OnConnect != nil {
		if err := hooks.OnConnect(c.ctx, c); err != nil {
			c.logger.Warn().Err(err).Msg("connect hook rejected client")
			c.closeWith(websocket.ClosePolicyViolation, err.Error())
		}
	}
	if err := c.readPump(hooks); err != nil {
		c.logger.Debug().Err(err).Msg("read pump stopped")
	}
	c.Close()
	pumps.Wait()

	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(c)
	}
}

// Close ends the session. Later calls do nothing.
func (c *Connection) Close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.socket.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readPump(hooks Hooks) error {
	c.socket.SetReadLimit(maxFrameSize)
	c.socket.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	for {
		messageType, data, err := c.socket.ReadMessage()
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		if err != nil {
			return err
		}

		var env *wire.Envelope
		switch messageType {
		case websocket.TextMessage:
			c.text.Store(true)
			env, err = wire.DecodeJSON(data)
		case websocket.BinaryMessage:
			env, err = wire.Decode(data)
		default:
			continue
		}
		if err == nil {
			err = c.dispatch(env, hooks)
		}
		if err != nil {
			gatewayFramesRejected.WithLabelValues(string(c.document)).Inc()
			c.closeWith(websocket.ClosePolicyViolation, err.Error())
			return err
		}
	}
}

// dispatch routes a decoded client frame. The session, not the frame,
// decides who the sender is.
func (c *Connection) dispatch(env *wire.Envelope, hooks Hooks) error {
	if env.Document != c.document {
		return fmt.Errorf("%w: %s", errWrongDocument, env.Document)
	}
	env.Client = c.identity.ClientID
	gatewayFramesReceived.WithLabelValues(string(env.Kind)).Inc()

	switch env.Kind {
	case wire.KindMutation:
		if hooks.OnMutation == nil {
			return nil
		}
		return hooks.OnMutation(c.ctx, c, env)
	case wire.KindPresence:
		env.Presence.Document = c.document
		env.Presence.Client = c.identity.ClientID
		if hooks.OnPresence == nil {
			return nil
		}
		return hooks.OnPresence(c.ctx, c, env.Presence, env)
	default:
		return fmt.Errorf("%w: clients may not send %s frames", wire.ErrMalformedEnvelope, env.Kind)
	}
}

func (c *Connection) writePump() {
	depth := gatewaySendQueueDepth.WithLabelValues(string(c.document))
	for {
		var msg outbound
		select {
		case <-c.ctx.Done():
			return
		case msg = <-c.queue:
		}
		depth.Set(float64(len(c.queue)))
		_ = c.socket.SetWriteDeadline(c.deadline())
		if err := c.socket.WriteMessage(msg.messageType, msg.data); err != nil {
			c.logger.Debug().Err(err).Msg("write failed")
			c.closeWith(websocket.CloseInternalServerErr, "write error")
			return
		}
	}
}

func (c *Connection) heartbeat() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.ping(); err != nil {
			c.logger.Debug().Err(err).Msg("heartbeat failed")
			c.closeWith(websocket.CloseGoingAway, err.Error())
			return
		}
	}
}

// ping sends one heartbeat and fails once the client has stayed silent for
// heartbeatTolerance intervals.
func (c *Connection) ping() error {
	if err := c.socket.WriteControl(websocket.PingMessage, nil, c.deadline()); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if c.opts.heartbeatTolerance <= 0 {
		return nil
	}
	silent := time.Since(time.Unix(0, c.lastPong.Load()))
	if silent > c.opts.heartbeatInterval*time.Duration(c.opts.heartbeatTolerance) {
		return errMissedPongs
	}
	return nil
}

func (c *Connection) deadline() time.Time {
	if c.opts.writeTimeout > 0 {
		return time.Now().Add(c.opts.writeTimeout)
	}
	return time.Now().Add(time.Second)
}

// closeWith tells the client why before closing the session.
func (c *Connection) closeWith(code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = c.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), c.deadline())
	c.Close()
}
