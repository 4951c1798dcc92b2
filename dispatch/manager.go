package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/wren-im/go-wren/clock"
	"github.com/wren-im/go-wren/config"
	"github.com/wren-im/go-wren/crypto"
	"github.com/wren-im/go-wren/identity"
	"github.com/wren-im/go-wren/ids"
	"github.com/wren-im/go-wren/session"
	"github.com/wren-im/go-wren/status"
	"github.com/wren-im/go-wren/wire"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Dispatcher composes session establishment, envelope encoding and failure
// classification into one send pipeline. It holds no per-message state, sends
// for unrelated messages may run concurrently; retries for the same message
// are strictly sequential within one Send call.
type Dispatcher struct {
	config      *config.Config
	log         *zap.SugaredLogger
	clock       clock.Clock
	establisher *session.Establisher
	crypto      session.Crypto
	codec       *wire.Codec
	transport   Transport
	registry    ClientRegistry
	tracker     *status.Tracker
}

func NewDispatcher(c *config.Config, cl clock.Clock, establisher *session.Establisher, cr session.Crypto, codec *wire.Codec, transport Transport, registry ClientRegistry, tracker *status.Tracker) *Dispatcher {
	return &Dispatcher{
		config:      c,
		log:         c.Logger("dispatch/manager"),
		clock:       cl,
		establisher: establisher,
		crypto:      cr,
		codec:       codec,
		transport:   transport,
		registry:    registry,
		tracker:     tracker,
	}
}

// Tracker returns the read-only view of in-flight sends and transfers.
func (d *Dispatcher) Tracker() status.Observer {
	return d.tracker
}

// Send encrypts body for every client of every recipient and delivers the
// resulting envelope. A ClientsMismatchFailure triggers exactly
// MaxClientMismatchRetries automatic adjust-and-resend rounds, a further
// mismatch is surfaced to the caller. The tracker entry is cleared on every
// exit path, including cancellation, so no ghost sending state survives.
func (d *Dispatcher) Send(ctx context.Context, conversationID, messageID ids.ID, body []byte, sender identity.ClientID, recipients []identity.Recipient) (sent *MessageSent, err error) {
	key := status.NewKey(conversationID, messageID)
	d.tracker.MarkMessageSending(key)
	defer d.tracker.ClearMessageSending(key)

	current := cloneRecipients(recipients)
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sent, failure, err := d.attempt(ctx, messageID, body, sender, current)
		if err != nil {
			return nil, err
		}
		if failure == nil {
			if len(sent.FailedToConfirm) > 0 || len(sent.Missing) > 0 {
				d.log.Debugf("message %x sent with %d unconfirmed and %d missing recipients", messageID, len(sent.FailedToConfirm), len(sent.Missing))
			}
			return sent, nil
		}

		mismatch, ok := failure.(*ClientsMismatchFailure)
		if !ok || attempt >= d.config.MaxClientMismatchRetries {
			return nil, failure
		}

		d.log.Debugf("clients have changed for message %x, adjusting recipients and resending", messageID)
		if len(mismatch.Deleted) != 0 && d.registry != nil {
			if err := d.registry.RemoveClients(mismatch.Deleted); err != nil {
				return nil, fmt.Errorf("dispatch: error purging deleted clients: %w", err)
			}
		}
		current = adjustRecipients(current, mismatch)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, messageID ids.ID, body []byte, sender identity.ClientID, recipients []identity.Recipient) (*MessageSent, SendFailure, error) {
	unestablished, err := d.establisher.Prepare(recipients)
	if err != nil {
		return nil, nil, err
	}
	targets := recipients
	if !unestablished.Empty() {
		// devices with no bundles left cannot receive this pass
		d.log.Debugf("skipping %d unreachable clients %s", unestablished.Len(), unestablished)
		targets = withoutMissing(recipients, unestablished)
	}
	if len(targets) == 0 {
		d.log.Debugf("no reachable clients for message %x, skipping send", messageID)
		return &MessageSent{
			Time:            d.clock.Now(),
			FailedToConfirm: []identity.UserID{},
			Missing:         unestablished.Users(),
		}, nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	envelope, err := d.buildEnvelope(messageID, body, sender, targets)
	if err != nil {
		return nil, nil, err
	}

	resp, err := d.transport.Send(ctx, envelope)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, FromTransportError(err), nil
	}
	if resp == nil {
		return nil, &UnknownFailure{Cause: errors.New("dispatch: transport returned no response")}, nil
	}
	return FromSuccessResponse(resp, d.clock), nil, nil
}

func (d *Dispatcher) buildEnvelope(messageID ids.ID, body []byte, sender identity.ClientID, recipients []identity.Recipient) (*wire.Envelope, error) {
	deviceCount := 0
	for _, r := range recipients {
		deviceCount += len(r.Clients)
	}

	var content wire.Content
	var dataBlob *wire.Blob
	if d.codec.Mode(deviceCount, len(body)) == wire.ModeExternal {
		blob, ext, err := d.codec.EncryptExternal(messageID, body, crypto.NewSymmetricKey())
		if err != nil {
			return nil, err
		}
		dataBlob = &blob
		content = ext
	} else {
		content = &wire.Readable{MessageID: messageID, Body: body}
	}

	encoded, err := d.codec.Encode(content)
	if err != nil {
		return nil, err
	}

	entries := make([]wire.RecipientEntry, 0, len(recipients))
	for _, r := range recipients {
		payloads := make([]wire.ClientPayload, 0, len(r.Clients))
		for _, c := range r.Clients {
			ciphertext, err := d.crypto.Encrypt(encoded, identity.NewSession(r.ID, c))
			if err != nil {
				return nil, fmt.Errorf("dispatch: error encrypting for %s/%s: %w", r.ID, c, err)
			}
			payloads = append(payloads, wire.ClientPayload{Client: c, Payload: wire.NewBlob(ciphertext)})
		}
		entries = append(entries, wire.RecipientEntry{User: r.ID, Payloads: payloads})
	}

	return &wire.Envelope{Sender: sender, Recipients: entries, Blob: dataBlob}, nil
}

func cloneRecipients(recipients []identity.Recipient) []identity.Recipient {
	out := make([]identity.Recipient, 0, len(recipients))
	for _, r := range recipients {
		clients := make([]identity.ClientID, len(r.Clients))
		copy(clients, r.Clients)
		out = append(out, identity.Recipient{ID: r.ID, Clients: clients})
	}
	return out
}

// withoutMissing drops the still-unestablished clients from a recipient set,
// removing recipients left with no clients at all.
func withoutMissing(recipients []identity.Recipient, missing *session.UsersWithoutSessions) []identity.Recipient {
	out := make([]identity.Recipient, 0, len(recipients))
	for _, r := range recipients {
		skip := make(map[identity.ClientID]bool)
		for _, c := range missing.Clients(r.ID) {
			skip[c] = true
		}
		clients := make([]identity.ClientID, 0, len(r.Clients))
		for _, c := range r.Clients {
			if !skip[c] {
				clients = append(clients, c)
			}
		}
		if len(clients) != 0 {
			out = append(out, identity.Recipient{ID: r.ID, Clients: clients})
		}
	}
	return out
}

// adjustRecipients applies a mismatch report: redundant and deleted clients
// leave the set, missing clients join it.
func adjustRecipients(recipients []identity.Recipient, mismatch *ClientsMismatchFailure) []identity.Recipient {
	drop := make(map[identity.UserID]map[identity.ClientID]bool)
	for user, clients := range mismatch.Redundant {
		for _, c := range clients {
			if drop[user] == nil {
				drop[user] = make(map[identity.ClientID]bool)
			}
			drop[user][c] = true
		}
	}
	for user, clients := range mismatch.Deleted {
		for _, c := range clients {
			if drop[user] == nil {
				drop[user] = make(map[identity.ClientID]bool)
			}
			drop[user][c] = true
		}
	}

	out := make([]identity.Recipient, 0, len(recipients))
	seen := make(map[identity.UserID]int)
	for _, r := range recipients {
		clients := make([]identity.ClientID, 0, len(r.Clients))
		for _, c := range r.Clients {
			if !drop[r.ID][c] {
				clients = append(clients, c)
			}
		}
		for _, c := range mismatch.Missing[r.ID] {
			if !contains(clients, c) {
				clients = append(clients, c)
			}
		}
		if len(clients) != 0 {
			seen[r.ID] = len(out)
			out = append(out, identity.Recipient{ID: r.ID, Clients: clients})
		}
	}
	newUsers := maps.Keys(mismatch.Missing)
	slices.SortFunc(newUsers, func(a, b identity.UserID) bool {
		return a.String() < b.String()
	})
	for _, user := range newUsers {
		if _, ok := seen[user]; ok {
			continue
		}
		added := make([]identity.ClientID, len(mismatch.Missing[user]))
		copy(added, mismatch.Missing[user])
		if len(added) != 0 {
			out = append(out, identity.Recipient{ID: user, Clients: added})
		}
	}
	return out
}

func contains(clients []identity.ClientID, c identity.ClientID) bool {
	for _, existing := range clients {
		if existing == c {
			return true
		}
	}
	return false
}
