package dispatch

import (
	"context"

	"github.com/wren-im/go-wren/identity"
	"github.com/wren-im/go-wren/wire"
)

// Transport delivers one envelope. The concrete client lives outside the
// core; a MismatchError return drives the client-adjustment retry, any other
// error is surfaced opaque.
type Transport interface {
	Send(ctx context.Context, envelope *wire.Envelope) (*SendResponse, error)
}

// ClientRegistry is the external device cache. Deleted clients reported by
// the backend are purged through it before a resend.
type ClientRegistry interface {
	RemoveClients(deleted map[identity.UserID][]identity.ClientID) error
}
