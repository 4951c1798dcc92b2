package prekey

import "github.com/wren-im/go-wren/identity"

// Filtered is the result of partitioning a bundle response. Valid holds every
// non-nil bundle unchanged. Invalid lists, once per user, the clients whose
// bundle was absent.
type Filtered struct {
	Valid   BundleMap
	Invalid []UserClients
}

// Filter partitions a nested bundle response. An absent bundle is not an
// error, it means the client has no bundles left and must be excluded from
// session creation for this pass. Every leaf lands in exactly one partition.
func Filter(bm BundleMap) Filtered {
	valid := make(BundleMap)
	invalidOrder := make([]identity.UserID, 0)
	invalidClients := make(map[identity.UserID][]identity.ClientID)

	for _, fb := range Flatten(bm) {
		if fb.Bundle == nil {
			if _, ok := invalidClients[fb.User]; !ok {
				invalidOrder = append(invalidOrder, fb.User)
			}
			invalidClients[fb.User] = append(invalidClients[fb.User], fb.Client)
			continue
		}
		if _, ok := valid[fb.User.Domain]; !ok {
			valid[fb.User.Domain] = make(map[string]map[string]*Bundle)
		}
		if _, ok := valid[fb.User.Domain][fb.User.ID]; !ok {
			valid[fb.User.Domain][fb.User.ID] = make(map[string]*Bundle)
		}
		valid[fb.User.Domain][fb.User.ID][string(fb.Client)] = fb.Bundle
	}

	invalid := make([]UserClients, 0, len(invalidOrder))
	for _, user := range invalidOrder {
		invalid = append(invalid, UserClients{User: user, Clients: invalidClients[user]})
	}
	return Filtered{Valid: valid, Invalid: invalid}
}
