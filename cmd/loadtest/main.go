package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/sync-document-engine/internal/crdt"
	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/value"
	"github.com/example/sync-document-engine/internal/wire"
)

const counterKey = "hits"

type recorder struct {
	mu      sync.Mutex
	samples map[string][]time.Duration
}

func (r *recorder) observe(kind string, d time.Duration) {
	r.mu.Lock()
	r.samples[kind] = append(r.samples[kind], d)
	r.mu.Unlock()
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket address to target")
	document := flag.String("document", "doc-loadtest", "document id used by all clients")
	clients := flag.Int("clients", 100, "number of concurrent websocket clients")
	messages := flag.Int("messages", 20, "increments sent by each client")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between increments")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("document", *document).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	base, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	dial := func(clientID string) (*websocket.Conn, error) {
		u := *base
		q := u.Query()
		q.Set("document_id", *document)
		q.Set("client_id", clientID)
		u.RawQuery = q.Encode()
		conn, _, err := dialer.DialContext(ctx, u.String(), nil)
		return conn, err
	}

	start, err := counterValue(dial, "loadtest-setup", true)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare counter")
	}

	latencies := &recorder{samples: make(map[string][]time.Duration)}
	var wg sync.WaitGroup
	var ready sync.WaitGroup
	ready.Add(*clients)

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			clientID := fmt.Sprintf("client-%d", id)
			conn, err := dial(clientID)
			if err != nil {
				ready.Done()
				logger.Error().Err(err).Str("client", clientID).Msg("dial failed")
				return
			}
			defer conn.Close()

			pending := &inflight{sent: make(map[string]time.Time)}
			readerDone := make(chan struct{})
			go func() {
				defer close(readerDone)
				readerLoop(conn, clientID, pending, latencies, logger)
			}()

			ready.Done()
			ready.Wait()

			ticker := time.NewTicker(*interval)
			defer ticker.Stop()
			for j := 0; j < *messages; j++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := sendIncrement(conn, types.DocumentID(*document), pending); err != nil {
						logger.Error().Err(err).Str("client", clientID).Msg("failed to send increment")
						return
					}
				}
			}

			// Give the last acks time to arrive.
			deadline := time.After(5 * time.Second)
			for pending.len() > 0 {
				select {
				case <-deadline:
					return
				case <-time.After(10 * time.Millisecond):
				}
			}
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
			select {
			case <-readerDone:
			case <-time.After(time.Second):
			}
		}(i)
	}

	wg.Wait()
	report(latencies, logger)

	end, err := counterValue(dial, "loadtest-verify", false)
	if err != nil {
		logger.Error().Err(err).Msg("failed to read final counter")
		return
	}
	want := start + int64(*clients**messages)
	fmt.Fprintf(os.Stdout, "Counter: %d -> %d (expected %d)\n", start, end, want)
	if end != want {
		logger.Warn().Int64("missing", want-end).Msg("counter does not account for every increment")
	}
}

type inflight struct {
	mu   sync.Mutex
	sent map[string]time.Time
}

func (p *inflight) add(id string) {
	p.mu.Lock()
	p.sent[id] = time.Now()
	p.mu.Unlock()
}

func (p *inflight) take(id string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts, ok := p.sent[id]
	delete(p.sent, id)
	return ts, ok
}

func (p *inflight) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func sendIncrement(conn *websocket.Conn, documentID types.DocumentID, pending *inflight) error {
	env := &wire.Envelope{
		Kind:      wire.KindMutation,
		Document:  documentID,
		RequestID: uuid.NewString(),
		Mutations: []crdt.Mutation{{Kind: crdt.MutationIncrement, Key: value.StringKey(counterKey), Delta: 1}},
	}
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	pending.add(env.RequestID)
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func readerLoop(conn *websocket.Conn, clientID string, pending *inflight, latencies *recorder, logger zerolog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Str("client", clientID).Msg("read error")
			}
			return
		}

		env, err := wire.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to decode envelope")
			continue
		}
		switch env.Kind {
		case wire.KindChange:
			if sentAt, ok := pending.take(env.RequestID); ok && env.RequestID != "" {
				latencies.observe("ack", time.Since(sentAt))
				continue
			}
			if env.Change != nil && !env.Change.CreatedAt.IsZero() {
				latencies.observe("echo", time.Since(env.Change.CreatedAt))
			}
		case wire.KindError:
			pending.take(env.RequestID)
			logger.Warn().Str("client", clientID).Str("code", env.Error.Code).Msg(env.Error.Message)
		}
	}
}

// counterValue reads the counter from the initial state envelope, creating it
// first when create is set and it does not exist yet.
func counterValue(dial func(string) (*websocket.Conn, error), clientID string, create bool) (int64, error) {
	conn, err := dial(clientID)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	state, err := readKind(conn, wire.KindState)
	if err != nil {
		return 0, err
	}
	root, err := value.AsMap(state.State.Root.Value)
	if err != nil {
		return 0, err
	}
	if v, ok := root.Get(counterKey); ok {
		c, err := value.AsCounter(v)
		if err != nil {
			return 0, fmt.Errorf("%s is not a counter: %w", counterKey, err)
		}
		n, _ := c.Int()
		return n, nil
	}
	if !create {
		return 0, nil
	}

	lit := value.L(value.NewCounter(0))
	data, err := wire.Encode(&wire.Envelope{
		Kind:      wire.KindMutation,
		Document:  state.Document,
		RequestID: "setup",
		Mutations: []crdt.Mutation{{Kind: crdt.MutationSetMapKey, Key: value.StringKey(counterKey), Value: &lit}},
	})
	if err != nil {
		return 0, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, err
	}
	reply, err := readKind(conn, wire.KindChange, wire.KindError)
	if err != nil {
		return 0, err
	}
	if reply.Kind == wire.KindError {
		return 0, fmt.Errorf("create counter: %s", reply.Error.Message)
	}
	return 0, nil
}

func readKind(conn *websocket.Conn, kinds ...wire.Kind) (*wire.Envelope, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		env, err := wire.Decode(data)
		if err != nil {
			return nil, err
		}
		for _, k := range kinds {
			if env.Kind == k {
				return env, nil
			}
		}
	}
}

func report(r *recorder, logger zerolog.Logger) {
	r.mu.Lock()
	byKind := r.samples
	r.mu.Unlock()

	if len(byKind) == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	for _, kind := range []string{"ack", "echo"} {
		durs := byKind[kind]
		if len(durs) == 0 {
			continue
		}
		sort.Slice(durs, func(i, j int) bool { return durs[i] < durs[j] })

		var total time.Duration
		var under50ms int
		for _, d := range durs {
			total += d
			if d < 50*time.Millisecond {
				under50ms++
			}
		}
		avg := time.Duration(int64(math.Round(float64(total) / float64(len(durs)))))
		p99 := durs[int(math.Ceil(float64(len(durs))*0.99))-1]
		pct := (float64(under50ms) / float64(len(durs))) * 100

		fmt.Fprintf(os.Stdout, "[%s] Samples: %d\nAvg latency: %s\nP99 latency: %s\nMax latency: %s\n<50ms: %.2f%%\n",
			kind, len(durs), avg, p99, durs[len(durs)-1], pct)
		if pct < 95 {
			logger.Warn().Str("kind", kind).Msg("less than 95% of samples met the 50ms target")
		}
	}
}
