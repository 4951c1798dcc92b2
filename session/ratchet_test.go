package session

import (
	crypto_rand "crypto/rand"
	"os"
	"testing"

	"github.com/kevinburke/nacl/box"
	"github.com/status-im/doubleratchet"
	"github.com/stretchr/testify/require"
	"github.com/wren-im/go-wren/config"
	"github.com/wren-im/go-wren/identity"
	"github.com/wren-im/go-wren/internal/test"
	"github.com/wren-im/go-wren/prekey"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestRatchet(t *testing.T) *Ratchet {
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	db := test.NewTestDatabase(c)
	t.Cleanup(func() {
		if err := db.Shutdown(); err != nil {
			panic(err)
		}
	})
	r, err := NewRatchet(c, db)
	require.Nil(t, err)
	return r
}

func newTestBundle(t *testing.T) *prekey.Bundle {
	pub, _, err := box.GenerateKey(crypto_rand.Reader)
	require.Nil(t, err)
	return &prekey.Bundle{KeyID: 1, BaseKey: pub[:]}
}

func TestRatchetCreateSession(t *testing.T) {
	require := require.New(t)
	r := newTestRatchet(t)

	alice := identity.NewSession(identity.NewUserID("alice", "example.com"), "c1")
	bob := identity.NewSession(identity.NewUserID("bob", "example.com"), "c1")

	exists, err := r.SessionExists(alice)
	require.Nil(err)
	require.False(exists)

	require.Nil(r.CreateSession(newTestBundle(t), alice))

	exists, err = r.SessionExists(alice)
	require.Nil(err)
	require.True(exists)

	exists, err = r.SessionExists(bob)
	require.Nil(err)
	require.False(exists)
}

func TestRatchetRejectsBadBundles(t *testing.T) {
	require := require.New(t)
	r := newTestRatchet(t)

	id := identity.NewSession(identity.NewUserID("alice", "example.com"), "c1")
	require.NotNil(r.CreateSession(nil, id))
	require.NotNil(r.CreateSession(&prekey.Bundle{BaseKey: []byte{1, 2, 3}}, id))

	exists, err := r.SessionExists(id)
	require.Nil(err)
	require.False(exists)
}

func TestRatchetEncryptAdvancesChain(t *testing.T) {
	require := require.New(t)
	r := newTestRatchet(t)

	id := identity.NewSession(identity.NewUserID("alice", "example.com"), "c1")
	require.Nil(r.CreateSession(newTestBundle(t), id))

	first, err := r.Encrypt([]byte("hello"), id)
	require.Nil(err)
	second, err := r.Encrypt([]byte("hello"), id)
	require.Nil(err)
	require.NotEqual(first, second)

	firstMsg, err := unmarshalRatchetMessage(first)
	require.Nil(err)
	secondMsg, err := unmarshalRatchetMessage(second)
	require.Nil(err)
	require.Equal(uint32(0), firstMsg.Header.N)
	require.Equal(uint32(1), secondMsg.Header.N)
	require.Equal(firstMsg.Header.DH, secondMsg.Header.DH)
}

func TestRatchetEncryptUnknownSession(t *testing.T) {
	require := require.New(t)
	r := newTestRatchet(t)

	id := identity.NewSession(identity.NewUserID("alice", "example.com"), "c1")
	_, err := r.Encrypt([]byte("hello"), id)
	require.NotNil(err)
}

func TestRatchetMessageFraming(t *testing.T) {
	require := require.New(t)

	msg := &doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32},
			N:  7,
			PN: 3,
		},
		Ciphertext: []byte("opaque"),
	}
	out, err := unmarshalRatchetMessage(marshalRatchetMessage(msg))
	require.Nil(err)
	require.Equal(msg, out)

	_, err = unmarshalRatchetMessage(nil)
	require.NotNil(err)
	_, err = unmarshalRatchetMessage([]byte{32, 1, 2})
	require.NotNil(err)
}
