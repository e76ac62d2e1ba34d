package ws

import (
	"context"

	"github.com/example/sync-document-engine/internal/types"
	"github.com/example/sync-document-engine/internal/wire"
)

// ClientIdentity is what an Authenticator knows about a session.
// DocumentID may be left empty for the gateway to fill from the request.
type ClientIdentity struct {
	ClientID   types.ClientID
	DocumentID types.DocumentID
	Metadata   map[string]string
}

// Hooks connect a session to the services behind it. They run on the
// connection's read loop; an error closes the session with a policy
// violation.
type Hooks struct {
	OnMutation   MutationHook
	OnPresence   PresenceHook
	OnConnect    ConnectHook
	OnDisconnect DisconnectHook
}

type (
	MutationHook   func(ctx context.Context, conn *Connection, envelope *wire.Envelope) error
	PresenceHook   func(ctx context.Context, conn *Connection, update *wire.Presence, envelope *wire.Envelope) error
	ConnectHook    func(ctx context.Context, conn *Connection) error
	DisconnectHook func(conn *Connection)
)
