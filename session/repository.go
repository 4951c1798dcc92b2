package session

import (
	"fmt"

	"github.com/wren-im/go-wren/config"
	"github.com/wren-im/go-wren/identity"
	"github.com/wren-im/go-wren/prekey"
	"go.uber.org/zap"
)

// API is the backend surface the repository fetches key bundles from. The
// concrete network client lives outside the core.
type API interface {
	FetchKeyBundles(missing *UsersWithoutSessions) (prekey.BundleMap, error)
}

// Repository is the default PreKeyRepository. It fetches bundles for the
// missing set, filters out clients with no bundle left and creates a session
// from every usable bundle.
type Repository struct {
	log    *zap.SugaredLogger
	api    API
	crypto Crypto
}

func NewRepository(c *config.Config, api API, crypto Crypto) *Repository {
	return &Repository{
		log:    c.Logger("session/repository"),
		api:    api,
		crypto: crypto,
	}
}

func (r *Repository) EstablishSessions(missing *UsersWithoutSessions) (*UsersWithoutSessions, error) {
	if missing.Empty() {
		return missing, nil
	}

	bundles, err := r.api.FetchKeyBundles(missing)
	if err != nil {
		return nil, fmt.Errorf("session: error fetching key bundles: %w", err)
	}

	filtered := prekey.Filter(bundles)
	for _, fb := range prekey.Flatten(filtered.Valid) {
		id := identity.NewSession(fb.User, fb.Client)
		if err := r.crypto.CreateSession(fb.Bundle, id); err != nil {
			return nil, fmt.Errorf("session: error creating session for %s: %w", id, err)
		}
	}

	remaining := NewUsersWithoutSessions()
	for _, uc := range filtered.Invalid {
		for _, c := range uc.Clients {
			remaining.Add(uc.User, c)
		}
	}
	if !remaining.Empty() {
		r.log.Debugf("%d clients have no bundles left %s", remaining.Len(), remaining)
	}
	return remaining, nil
}
