package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wren-im/go-wren/clock"
	"github.com/wren-im/go-wren/config"
	"github.com/wren-im/go-wren/identity"
	"github.com/wren-im/go-wren/ids"
	"github.com/wren-im/go-wren/prekey"
	"github.com/wren-im/go-wren/session"
	"github.com/wren-im/go-wren/status"
	"github.com/wren-im/go-wren/wire"
)

type fakeCrypto struct {
	mu       sync.Mutex
	sessions map[string]bool
}

func newFakeCrypto(existing ...identity.Session) *fakeCrypto {
	sessions := make(map[string]bool)
	for _, s := range existing {
		sessions[s.String()] = true
	}
	return &fakeCrypto{sessions: sessions}
}

func (f *fakeCrypto) SessionExists(id identity.Session) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id.String()], nil
}

func (f *fakeCrypto) CreateSession(bundle *prekey.Bundle, id identity.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id.String()] = true
	return nil
}

func (f *fakeCrypto) Encrypt(plaintext []byte, id identity.Session) ([]byte, error) {
	return append([]byte(fmt.Sprintf("enc[%s]:", id)), plaintext...), nil
}

type establishingRepository struct {
	crypto    *fakeCrypto
	remainder *session.UsersWithoutSessions
}

func (r *establishingRepository) EstablishSessions(missing *session.UsersWithoutSessions) (*session.UsersWithoutSessions, error) {
	left := session.NewUsersWithoutSessions()
	for _, user := range missing.Users() {
		for _, c := range missing.Clients(user) {
			if r.remainder != nil && containsClient(r.remainder.Clients(user), c) {
				left.Add(user, c)
				continue
			}
			if err := r.crypto.CreateSession(&prekey.Bundle{BaseKey: make([]byte, 32)}, identity.NewSession(user, c)); err != nil {
				return nil, err
			}
		}
	}
	return left, nil
}

func containsClient(clients []identity.ClientID, c identity.ClientID) bool {
	for _, existing := range clients {
		if existing == c {
			return true
		}
	}
	return false
}

type sendResult struct {
	resp *SendResponse
	err  error
}

type scriptedTransport struct {
	mu        sync.Mutex
	envelopes []*wire.Envelope
	results   []sendResult
	observer  func(ctx context.Context, e *wire.Envelope)
}

func (s *scriptedTransport) Send(ctx context.Context, envelope *wire.Envelope) (*SendResponse, error) {
	s.mu.Lock()
	s.envelopes = append(s.envelopes, envelope)
	var result sendResult
	if len(s.results) == 0 {
		result = sendResult{resp: &SendResponse{}}
	} else {
		result = s.results[0]
		s.results = s.results[1:]
	}
	s.mu.Unlock()
	if s.observer != nil {
		s.observer(ctx, envelope)
	}
	return result.resp, result.err
}

type fakeRegistry struct {
	removed []map[identity.UserID][]identity.ClientID
}

func (f *fakeRegistry) RemoveClients(deleted map[identity.UserID][]identity.ClientID) error {
	f.removed = append(f.removed, deleted)
	return nil
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	crypto     *fakeCrypto
	transport  *scriptedTransport
	registry   *fakeRegistry
	tracker    *status.Tracker
}

func newFixture(c *config.Config, crypto *fakeCrypto, repo session.PreKeyRepository) *dispatcherFixture {
	transport := &scriptedTransport{}
	registry := &fakeRegistry{}
	tracker := status.NewTracker()
	establisher := session.NewEstablisher(c, crypto, repo)
	dispatcher := NewDispatcher(c, clock.NewSystemClock(), establisher, crypto, wire.NewCodec(c), transport, registry, tracker)
	return &dispatcherFixture{
		dispatcher: dispatcher,
		crypto:     crypto,
		transport:  transport,
		registry:   registry,
		tracker:    tracker,
	}
}

func testConfig(opts ...config.Option) *config.Config {
	return config.NewConfig(append([]config.Option{config.WithLoggingPrefix("test")}, opts...)...)
}

func envelopeClients(e *wire.Envelope, user identity.UserID) []identity.ClientID {
	for _, r := range e.Recipients {
		if r.User == user {
			clients := make([]identity.ClientID, 0, len(r.Payloads))
			for _, p := range r.Payloads {
				clients = append(clients, p.Client)
			}
			return clients
		}
	}
	return nil
}

func TestSendSuccess(t *testing.T) {
	require := require.New(t)

	alice := identity.NewUserID("alice", "example.com")
	crypto := newFakeCrypto(
		identity.NewSession(alice, "c1"),
		identity.NewSession(alice, "c2"),
	)
	f := newFixture(testConfig(), crypto, &establishingRepository{crypto: crypto})

	sent, err := f.dispatcher.Send(context.Background(), ids.NewID(), ids.NewID(), []byte("hello"), "c0", []identity.Recipient{
		{ID: alice, Clients: []identity.ClientID{"c1", "c2"}},
	})
	require.NoError(err)
	require.NotNil(sent)
	require.Empty(sent.FailedToConfirm)
	require.Empty(sent.Missing)

	require.Len(f.transport.envelopes, 1)
	envelope := f.transport.envelopes[0]
	require.Equal(identity.ClientID("c0"), envelope.Sender)
	require.Nil(envelope.Blob)
	require.Equal(2, envelope.ClientCount())
	require.Equal([]identity.ClientID{"c1", "c2"}, envelopeClients(envelope, alice))
}

func TestSendMarksTrackerWhileSending(t *testing.T) {
	require := require.New(t)

	alice := identity.NewUserID("alice", "example.com")
	crypto := newFakeCrypto(identity.NewSession(alice, "c1"))
	f := newFixture(testConfig(), crypto, &establishingRepository{crypto: crypto})

	conversationID := ids.NewID()
	messageID := ids.NewID()
	key := status.NewKey(conversationID, messageID)

	var sendingDuringTransport bool
	f.transport.observer = func(ctx context.Context, e *wire.Envelope) {
		sendingDuringTransport = f.tracker.IsMessageSending(key)
	}

	_, err := f.dispatcher.Send(context.Background(), conversationID, messageID, []byte("hello"), "c0", []identity.Recipient{
		{ID: alice, Clients: []identity.ClientID{"c1"}},
	})
	require.NoError(err)
	require.True(sendingDuringTransport)
	require.False(f.tracker.IsMessageSending(key))
}

func TestSendSwitchesToExternalContent(t *testing.T) {
	require := require.New(t)

	alice := identity.NewUserID("alice", "example.com")
	crypto := newFakeCrypto(
		identity.NewSession(alice, "c1"),
		identity.NewSession(alice, "c2"),
	)
	f := newFixture(testConfig(config.WithExternalContentCeiling(100)), crypto, &establishingRepository{crypto: crypto})

	_, err := f.dispatcher.Send(context.Background(), ids.NewID(), ids.NewID(), make([]byte, 200), "c0", []identity.Recipient{
		{ID: alice, Clients: []identity.ClientID{"c1", "c2"}},
	})
	require.NoError(err)

	require.Len(f.transport.envelopes, 1)
	require.NotNil(f.transport.envelopes[0].Blob)
}

func TestSendAdjustsAndRetriesOnMismatch(t *testing.T) {
	require := require.New(t)

	alice := identity.NewUserID("alice", "example.com")
	bob := identity.NewUserID("bob", "example.com")
	crypto := newFakeCrypto(
		identity.NewSession(alice, "c1"),
		identity.NewSession(alice, "c2"),
	)
	f := newFixture(testConfig(), crypto, &establishingRepository{crypto: crypto})
	f.transport.results = []sendResult{
		{err: &MismatchError{
			Missing:   QualifiedUserClients{"example.com": {"bob": {"c3"}}},
			Redundant: QualifiedUserClients{"example.com": {"alice": {"c2"}}},
			Deleted:   QualifiedUserClients{"example.com": {"alice": {"c4"}}},
		}},
		{resp: &SendResponse{}},
	}

	sent, err := f.dispatcher.Send(context.Background(), ids.NewID(), ids.NewID(), []byte("hello"), "c0", []identity.Recipient{
		{ID: alice, Clients: []identity.ClientID{"c1", "c2", "c4"}},
	})
	require.NoError(err)
	require.NotNil(sent)

	require.Len(f.transport.envelopes, 2)
	second := f.transport.envelopes[1]
	require.Equal([]identity.ClientID{"c1"}, envelopeClients(second, alice))
	require.Equal([]identity.ClientID{"c3"}, envelopeClients(second, bob))

	require.Len(f.registry.removed, 1)
	require.Equal([]identity.ClientID{"c4"}, f.registry.removed[0][alice])
}

func TestSendSurfacesSecondMismatch(t *testing.T) {
	require := require.New(t)

	alice := identity.NewUserID("alice", "example.com")
	crypto := newFakeCrypto(identity.NewSession(alice, "c1"))
	f := newFixture(testConfig(), crypto, &establishingRepository{crypto: crypto})
	mismatch := &MismatchError{
		Missing: QualifiedUserClients{"example.com": {"alice": {"c2"}}},
	}
	f.transport.results = []sendResult{{err: mismatch}, {err: mismatch}, {err: mismatch}}

	_, err := f.dispatcher.Send(context.Background(), ids.NewID(), ids.NewID(), []byte("hello"), "c0", []identity.Recipient{
		{ID: alice, Clients: []identity.ClientID{"c1"}},
	})
	require.Error(err)

	var failure *ClientsMismatchFailure
	require.ErrorAs(err, &failure)
	// one automatic retry, never a third send
	require.Len(f.transport.envelopes, 2)
}

func TestSendUnknownErrorNotRetried(t *testing.T) {
	require := require.New(t)

	alice := identity.NewUserID("alice", "example.com")
	crypto := newFakeCrypto(identity.NewSession(alice, "c1"))
	f := newFixture(testConfig(), crypto, &establishingRepository{crypto: crypto})
	f.transport.results = []sendResult{{err: errors.New("gateway timeout")}}

	_, err := f.dispatcher.Send(context.Background(), ids.NewID(), ids.NewID(), []byte("hello"), "c0", []identity.Recipient{
		{ID: alice, Clients: []identity.ClientID{"c1"}},
	})
	require.Error(err)

	var unknown *UnknownFailure
	require.ErrorAs(err, &unknown)
	require.Len(f.transport.envelopes, 1)
}

func TestSendCancelledClearsTracker(t *testing.T) {
	require := require.New(t)

	alice := identity.NewUserID("alice", "example.com")
	crypto := newFakeCrypto(identity.NewSession(alice, "c1"))
	f := newFixture(testConfig(), crypto, &establishingRepository{crypto: crypto})

	ctx, cancel := context.WithCancel(context.Background())
	f.transport.observer = func(ctx context.Context, e *wire.Envelope) {
		cancel()
	}
	f.transport.results = []sendResult{{err: context.Canceled}}

	conversationID := ids.NewID()
	messageID := ids.NewID()
	_, err := f.dispatcher.Send(ctx, conversationID, messageID, []byte("hello"), "c0", []identity.Recipient{
		{ID: alice, Clients: []identity.ClientID{"c1"}},
	})
	require.ErrorIs(err, context.Canceled)
	require.False(f.tracker.IsMessageSending(status.NewKey(conversationID, messageID)))
}

func TestSendSkipsUnreachableClients(t *testing.T) {
	require := require.New(t)

	alice := identity.NewUserID("alice", "example.com")
	crypto := newFakeCrypto(identity.NewSession(alice, "c1"))
	remainder := session.NewUsersWithoutSessions()
	remainder.Add(alice, "c2")
	f := newFixture(testConfig(), crypto, &establishingRepository{crypto: crypto, remainder: remainder})

	sent, err := f.dispatcher.Send(context.Background(), ids.NewID(), ids.NewID(), []byte("hello"), "c0", []identity.Recipient{
		{ID: alice, Clients: []identity.ClientID{"c1", "c2"}},
	})
	require.NoError(err)
	require.NotNil(sent)

	require.Len(f.transport.envelopes, 1)
	require.Equal([]identity.ClientID{"c1"}, envelopeClients(f.transport.envelopes[0], alice))
}

func TestSendSkipsTransportWhenNoClientReachable(t *testing.T) {
	require := require.New(t)

	alice := identity.NewUserID("alice", "example.com")
	crypto := newFakeCrypto()
	remainder := session.NewUsersWithoutSessions()
	remainder.Add(alice, "c1")
	remainder.Add(alice, "c2")
	f := newFixture(testConfig(), crypto, &establishingRepository{crypto: crypto, remainder: remainder})

	conversationID := ids.NewID()
	messageID := ids.NewID()
	sent, err := f.dispatcher.Send(context.Background(), conversationID, messageID, []byte("hello"), "c0", []identity.Recipient{
		{ID: alice, Clients: []identity.ClientID{"c1", "c2"}},
	})
	require.NoError(err)
	require.NotNil(sent)
	require.Equal([]identity.UserID{alice}, sent.Missing)

	require.Empty(f.transport.envelopes)
	require.False(f.tracker.IsMessageSending(status.NewKey(conversationID, messageID)))
}

func TestSendNilResponseIsUnknownFailure(t *testing.T) {
	require := require.New(t)

	alice := identity.NewUserID("alice", "example.com")
	crypto := newFakeCrypto(identity.NewSession(alice, "c1"))
	f := newFixture(testConfig(), crypto, &establishingRepository{crypto: crypto})
	f.transport.results = []sendResult{{resp: nil, err: nil}}

	_, err := f.dispatcher.Send(context.Background(), ids.NewID(), ids.NewID(), []byte("hello"), "c0", []identity.Recipient{
		{ID: alice, Clients: []identity.ClientID{"c1"}},
	})
	require.Error(err)

	var unknown *UnknownFailure
	require.ErrorAs(err, &unknown)
	require.Len(f.transport.envelopes, 1)
}

func TestSendPartialSuccessIsNotAnError(t *testing.T) {
	require := require.New(t)

	alice := identity.NewUserID("alice", "example.com")
	bob := identity.NewUserID("bob", "example.com")
	crypto := newFakeCrypto(identity.NewSession(alice, "c1"))
	f := newFixture(testConfig(), crypto, &establishingRepository{crypto: crypto})
	f.transport.results = []sendResult{{resp: &SendResponse{
		FailedToConfirm: []identity.UserID{bob},
	}}}

	sent, err := f.dispatcher.Send(context.Background(), ids.NewID(), ids.NewID(), []byte("hello"), "c0", []identity.Recipient{
		{ID: alice, Clients: []identity.ClientID{"c1"}},
	})
	require.NoError(err)
	require.Equal([]identity.UserID{bob}, sent.FailedToConfirm)
	require.Len(f.transport.envelopes, 1)
}
