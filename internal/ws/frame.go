package ws

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/sync-document-engine/internal/wire"
)

// frame holds one outbound envelope and encodes it at most once per wire
// format, however many connections it is fanned out to.
type frame struct {
	kind   wire.Kind
	binary func() ([]byte, error)
	json   func() ([]byte, error)
}

func newFrame(env *wire.Envelope) *frame {
	if env.Timestamp == 0 {
		env.Timestamp = wire.Now()
	}
	return &frame{
		kind:   env.Kind,
		binary: sync.OnceValues(func() ([]byte, error) { return wire.Encode(env) }),
		json:   sync.OnceValues(func() ([]byte, error) { return wire.EncodeJSON(env) }),
	}
}

// encode picks the format a client speaks.
func (f *frame) encode(text bool) (messageType int, data []byte, err error) {
	if text {
		data, err = f.json()
		return websocket.TextMessage, data, err
	}
	data, err = f.binary()
	return websocket.BinaryMessage, data, err
}
