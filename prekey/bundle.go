// Package prekey defines the key bundle types returned by a backend for
// session establishment, and the filter which splits a nested bundle response
// into usable bundles and retired devices.
package prekey

import (
	"github.com/wren-im/go-wren/identity"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// A Bundle is a public key artifact one client publishes so others can
// initiate a pairwise session with it. A nil bundle in a response means the
// client has no bundles left.
type Bundle struct {
	KeyID       uint32
	BaseKey     []byte
	IdentityKey []byte
}

// BundleMap is the nested wire shape of a bundle response, keyed as
// domain, then user, then client.
type BundleMap map[string]map[string]map[string]*Bundle

// UserClients groups the clients of a single user.
type UserClients struct {
	User    identity.UserID
	Clients []identity.ClientID
}

// A FlatBundle is one leaf of a BundleMap.
type FlatBundle struct {
	User   identity.UserID
	Client identity.ClientID
	Bundle *Bundle
}

// Flatten converts a nested bundle response into a flat list ordered by
// domain, user and client, so callers never walk triple-nested maps.
func Flatten(bm BundleMap) []FlatBundle {
	flat := make([]FlatBundle, 0)
	domains := maps.Keys(bm)
	slices.Sort(domains)
	for _, domain := range domains {
		users := maps.Keys(bm[domain])
		slices.Sort(users)
		for _, user := range users {
			clients := maps.Keys(bm[domain][user])
			slices.Sort(clients)
			for _, client := range clients {
				flat = append(flat, FlatBundle{
					User:   identity.NewUserID(user, domain),
					Client: identity.ClientID(client),
					Bundle: bm[domain][user][client],
				})
			}
		}
	}
	return flat
}
