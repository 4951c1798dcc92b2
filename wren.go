// This package provides a high-level interface to the wren dispatch core. It
// wires the encrypted session store, the session establisher, the envelope
// codec and the transport-status tracker into a single client which turns an
// outgoing message into per-device encrypted payloads.
package wren

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/wren-im/go-wren/clock"
	"github.com/wren-im/go-wren/config"
	"github.com/wren-im/go-wren/dispatch"
	"github.com/wren-im/go-wren/identity"
	"github.com/wren-im/go-wren/ids"
	"github.com/wren-im/go-wren/internal/db"
	"github.com/wren-im/go-wren/session"
	"github.com/wren-im/go-wren/status"
	"github.com/wren-im/go-wren/wire"
	"go.uber.org/zap"
)

const (
	// Constants for client state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosed
)

type Client struct {
	DB *db.Database

	config      *config.Config
	log         *zap.SugaredLogger
	clock       clock.Clock
	state       int
	api         session.API
	transport   dispatch.Transport
	registry    dispatch.ClientRegistry
	crypto      *session.Ratchet
	establisher *session.Establisher
	dispatcher  *dispatch.Dispatcher
	tracker     *status.Tracker
}

// NewClient creates a wren client. The key-bundle api, the transport and the
// device registry are external collaborators; everything else is owned here
// and tied to this client's lifecycle rather than the process.
func NewClient(c *config.Config, api session.API, transport dispatch.Transport, registry dispatch.ClientRegistry) (*Client, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making client, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}

	return &Client{
		DB:        d,
		config:    c,
		log:       log,
		clock:     clock.NewSystemClock(),
		state:     state,
		api:       api,
		transport: transport,
		registry:  registry,
		tracker:   status.NewTracker(),
	}, nil
}

func (c *Client) State() int {
	return c.state
}

// Initialize creates the encrypted store with a key derived from password.
func (c *Client) Initialize(password string) error {
	if c.state != StateNew {
		return fmt.Errorf("wren: wrong state, expected %d got %d", StateNew, c.state)
	}
	key, err := newKey(password, c.config.RootDir, "salt")
	if err != nil {
		return err
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.state = StateInitialized
	return nil
}

// Open unlocks the store and assembles the dispatch pipeline.
func (c *Client) Open(password string) error {
	if c.state != StateInitialized {
		return fmt.Errorf("wren: wrong state, expected %d got %d", StateInitialized, c.state)
	}
	key, err := newKey(password, c.config.RootDir, "salt")
	if err != nil {
		return err
	}
	if err := c.DB.Open(key); err != nil {
		return err
	}

	ratchet, err := session.NewRatchet(c.config, c.DB)
	if err != nil {
		return err
	}
	c.crypto = ratchet
	repository := session.NewRepository(c.config, c.api, ratchet)
	c.establisher = session.NewEstablisher(c.config, ratchet, repository)
	codec := wire.NewCodec(c.config)
	c.dispatcher = dispatch.NewDispatcher(c.config, c.clock, c.establisher, ratchet, codec, c.transport, c.registry, c.tracker)
	c.state = StateRunning
	return nil
}

// Send dispatches body to every client of every recipient and returns the
// classified result.
func (c *Client) Send(ctx context.Context, conversationID, messageID ids.ID, body []byte, sender identity.ClientID, recipients []identity.Recipient) (*dispatch.MessageSent, error) {
	if c.state != StateRunning {
		return nil, fmt.Errorf("wren: wrong state, expected %d got %d", StateRunning, c.state)
	}
	return c.dispatcher.Send(ctx, conversationID, messageID, body, sender, recipients)
}

// Status exposes the in-flight view to UI and notification layers.
func (c *Client) Status() status.Observer {
	return c.tracker
}

func (c *Client) Shutdown() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	return c.DB.Shutdown()
}
