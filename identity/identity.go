// This package defines the user, client and recipient value types used through out wren.
// Users are federation-aware and qualified by the domain they live on. A user owns zero
// or more clients, each of which holds its own pairwise encryption session.
package identity

import "fmt"

// A UserID qualifies an opaque user identifier with the domain it belongs to.
// Equality is by value.
type UserID struct {
	ID     string
	Domain string
}

func NewUserID(id, domain string) UserID {
	return UserID{ID: id, Domain: domain}
}

func (u UserID) String() string {
	return fmt.Sprintf("%s@%s", u.ID, u.Domain)
}

// A ClientID identifies one device of a user. It is only meaningful together
// with the UserID which owns it.
type ClientID string

// A Recipient is one user on a concrete set of devices. Recipient sets are
// built fresh for every send attempt and never persisted here.
type Recipient struct {
	ID      UserID
	Clients []ClientID
}

// A Session identifies one pairwise encryption session.
type Session struct {
	User   UserID
	Client ClientID
}

func NewSession(user UserID, client ClientID) Session {
	return Session{User: user, Client: client}
}

func (s Session) String() string {
	return fmt.Sprintf("%s/%s", s.User, s.Client)
}

// Bytes returns a stable encoding of this session identity, usable as a
// storage key for ratchet state.
func (s Session) Bytes() []byte {
	return []byte(s.String())
}
