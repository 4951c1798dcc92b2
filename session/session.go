// Package session ensures a pairwise encryption session exists for every
// client a message targets. The ratchet state itself is owned by the Crypto
// implementation, which is always re-queried rather than cached so that two
// concurrent sends targeting overlapping recipients stay correct.
package session

import (
	"fmt"

	"github.com/wren-im/go-wren/config"
	"github.com/wren-im/go-wren/identity"
	"github.com/wren-im/go-wren/prekey"
	"go.uber.org/zap"
)

// Crypto is the pairwise encryption capability consumed by the core.
type Crypto interface {
	SessionExists(id identity.Session) (bool, error)
	CreateSession(bundle *prekey.Bundle, id identity.Session) error
	Encrypt(plaintext []byte, id identity.Session) ([]byte, error)
}

// PreKeyRepository fetches key bundles and establishes sessions for a missing
// set, returning whatever subset could not be established.
type PreKeyRepository interface {
	EstablishSessions(missing *UsersWithoutSessions) (*UsersWithoutSessions, error)
}

// UsersWithoutSessions accumulates, per user, the clients which lack a
// session. Users are kept in discovery order for log determinism; keys are
// unique per user.
type UsersWithoutSessions struct {
	order   []identity.UserID
	clients map[identity.UserID][]identity.ClientID
}

func NewUsersWithoutSessions() *UsersWithoutSessions {
	return &UsersWithoutSessions{
		order:   make([]identity.UserID, 0),
		clients: make(map[identity.UserID][]identity.ClientID),
	}
}

func (u *UsersWithoutSessions) Add(user identity.UserID, client identity.ClientID) {
	if _, ok := u.clients[user]; !ok {
		u.order = append(u.order, user)
	}
	u.clients[user] = append(u.clients[user], client)
}

func (u *UsersWithoutSessions) Empty() bool {
	return len(u.order) == 0
}

// Len returns the total number of missing clients.
func (u *UsersWithoutSessions) Len() int {
	n := 0
	for _, clients := range u.clients {
		n += len(clients)
	}
	return n
}

func (u *UsersWithoutSessions) Users() []identity.UserID {
	return u.order
}

func (u *UsersWithoutSessions) Clients(user identity.UserID) []identity.ClientID {
	return u.clients[user]
}

func (u *UsersWithoutSessions) String() string {
	return fmt.Sprintf("%v", u.clients)
}

// Establisher prepares sessions ahead of encryption. It holds no state beyond
// its collaborators and can be used concurrently for unrelated messages.
type Establisher struct {
	log     *zap.SugaredLogger
	crypto  Crypto
	prekeys PreKeyRepository
}

func NewEstablisher(c *config.Config, crypto Crypto, prekeys PreKeyRepository) *Establisher {
	return &Establisher{
		log:     c.Logger("session/establisher"),
		crypto:  crypto,
		prekeys: prekeys,
	}
}

// Prepare scans recipients in input order and accumulates clients lacking a
// session. When nothing is missing it returns an empty set without touching
// the prekey repository. Any crypto error aborts the whole preparation, a
// partial session map must never be treated as complete.
func (e *Establisher) Prepare(recipients []identity.Recipient) (*UsersWithoutSessions, error) {
	missing := NewUsersWithoutSessions()
	for _, r := range recipients {
		for _, c := range r.Clients {
			exists, err := e.crypto.SessionExists(identity.NewSession(r.ID, c))
			if err != nil {
				return nil, fmt.Errorf("session: error checking session for %s/%s: %w", r.ID, c, err)
			}
			if !exists {
				missing.Add(r.ID, c)
			}
		}
	}
	if missing.Empty() {
		return missing, nil
	}
	e.log.Debugf("establishing sessions for %d clients", missing.Len())
	return e.prekeys.EstablishSessions(missing)
}
