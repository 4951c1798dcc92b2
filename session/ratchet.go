package session

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/status-im/doubleratchet"
	"github.com/wren-im/go-wren/config"
	"github.com/wren-im/go-wren/crypto"
	db "github.com/wren-im/go-wren/internal/db"
	"github.com/wren-im/go-wren/identity"
	"github.com/wren-im/go-wren/prekey"
	"go.uber.org/zap"
)

// Ratchet is the default Crypto implementation, a doubleratchet session store
// backed by the encrypted local database. Access is serialized by the
// database lock, callers may use it from concurrent dispatch tasks.
type Ratchet struct {
	log *zap.SugaredLogger
	db  *database
}

func NewRatchet(c *config.Config, d *db.Database) (*Ratchet, error) {
	sdb, err := newDatabase(d)
	if err != nil {
		return nil, fmt.Errorf("session: error migrating ratchet store: %w", err)
	}
	return &Ratchet{
		log: c.Logger("session/ratchet"),
		db:  sdb,
	}, nil
}

func (r *Ratchet) SessionExists(id identity.Session) (bool, error) {
	var exists bool
	err := r.db.RunReadOnly("checking session", func() error {
		var err error
		exists, err = r.db.hasSession(id.Bytes())
		return err
	})
	if err != nil {
		return false, err
	}
	return exists, nil
}

// CreateSession initiates a ratchet session from a key bundle. The root
// secret is agreed against the bundle's single-use base key, which also seeds
// the remote side of the ratchet so the session can encrypt immediately.
func (r *Ratchet) CreateSession(bundle *prekey.Bundle, id identity.Session) error {
	if bundle == nil {
		return errors.New("session: cannot create a session from an absent bundle")
	}
	if len(bundle.BaseKey) != 32 {
		return fmt.Errorf("session: expected base key of length 32, got %d", len(bundle.BaseKey))
	}

	_, privKey, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return fmt.Errorf("session: error generating ephemeral key: %w", err)
	}
	secret := box.Precompute(nacl.Key(bundle.BaseKey), privKey)

	return r.db.Run("creating session", func() error {
		sessionID := id.Bytes()
		if _, err := doubleratchet.NewWithRemoteKey(sessionID, secret[:], bundle.BaseKey, r.db.sessionStorage(), doubleratchet.WithCrypto(r.db.ratchetCrypto()), doubleratchet.WithKeysStorage(r.db.keysStorage(sessionID))); err != nil {
			return fmt.Errorf("session: error initializing doubleratchet: %w", err)
		}
		return r.db.insertSession(sessionID)
	})
}

func (r *Ratchet) Encrypt(plaintext []byte, id identity.Session) ([]byte, error) {
	var out []byte
	err := r.db.Run("encrypting", func() error {
		sessionID := id.Bytes()
		drSession, err := doubleratchet.Load(sessionID, r.db.sessionStorage(), doubleratchet.WithCrypto(r.db.ratchetCrypto()), doubleratchet.WithKeysStorage(r.db.keysStorage(sessionID)))
		if err != nil {
			return fmt.Errorf("session: error loading session %s: %w", id, err)
		}
		msg, err := drSession.RatchetEncrypt(plaintext, nil)
		if err != nil {
			return fmt.Errorf("session: error encrypting for %s: %w", id, err)
		}
		out = marshalRatchetMessage(&msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Ratchet) Decrypt(ciphertext []byte, id identity.Session) ([]byte, error) {
	msg, err := unmarshalRatchetMessage(ciphertext)
	if err != nil {
		return nil, err
	}

	var out []byte
	err = r.db.Run("decrypting", func() error {
		sessionID := id.Bytes()
		drSession, err := doubleratchet.Load(sessionID, r.db.sessionStorage(), doubleratchet.WithCrypto(r.db.ratchetCrypto()), doubleratchet.WithKeysStorage(r.db.keysStorage(sessionID)))
		if err != nil {
			return fmt.Errorf("session: error loading session %s: %w", id, err)
		}
		plain, err := drSession.RatchetDecrypt(*msg, nil)
		if err != nil {
			return fmt.Errorf("session: error decrypting for %s: %w", id, err)
		}
		out = plain
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func marshalRatchetMessage(msg *doubleratchet.Message) []byte {
	var b bytes.Buffer
	b.WriteByte(byte(len(msg.Header.DH)))
	b.Write(msg.Header.DH)
	var counts [8]byte
	binary.BigEndian.PutUint32(counts[0:4], msg.Header.N)
	binary.BigEndian.PutUint32(counts[4:8], msg.Header.PN)
	b.Write(counts[:])
	b.Write(msg.Ciphertext)
	return b.Bytes()
}

func unmarshalRatchetMessage(b []byte) (*doubleratchet.Message, error) {
	if len(b) < 1 {
		return nil, errors.New("session: ratchet message too short")
	}
	dhLen := int(b[0])
	if len(b) < 1+dhLen+8 {
		return nil, errors.New("session: ratchet message too short")
	}
	dh := make([]byte, dhLen)
	copy(dh, b[1:1+dhLen])
	return &doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: dh,
			N:  binary.BigEndian.Uint32(b[1+dhLen : 5+dhLen]),
			PN: binary.BigEndian.Uint32(b[5+dhLen : 9+dhLen]),
		},
		Ciphertext: b[9+dhLen:],
	}, nil
}

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type sessionStorageImpl struct {
	db *database
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	s, err := ss.db.ratchetState(id)
	if err != nil {
		return nil, err
	}

	drc := ss.db.ratchetCrypto()

	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPairImpl{privateKey: *crypto.SliceToKey(s.DhsPriv), publicKey: *crypto.SliceToKey(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                keysStorageImpl{sessionID: id, db: ss.db},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *sessionStorageImpl) Save(id []byte, state *doubleratchet.State) error {
	s := &ratchetState{
		ID:                       id,
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	}
	return ss.db.upsertRatchetState(s)
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}

	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	dhPairKey := crypto.SliceToKey(dhPair.PrivateKey())
	dhPubKey := crypto.SliceToKey(dhPub)
	out := box.Precompute(dhPubKey, dhPairKey)
	return out[:], nil
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

type keysStorageImpl struct {
	sessionID []byte
	db        *database
}

func (ks keysStorageImpl) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	kr, ok, err := ks.db.keyByMsgNum(ks.sessionID, k, msgNum)
	if !ok || err != nil {
		return doubleratchet.Key{}, ok, err
	}
	return kr.MessageKey, ok, err
}

func (ks keysStorageImpl) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.upsertKeyByMsgNum(sessionID, k, msgNum, mk, keySeqNum)
}

func (ks keysStorageImpl) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	return ks.db.deleteKeyByMsgNum(ks.sessionID, k, msgNum)
}

func (ks keysStorageImpl) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.deleteOldMks(sessionID, deleteUntilSeqKey)
}

func (ks keysStorageImpl) TruncateMks(sessionID []byte, maxKeys int) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.truncateMks(sessionID, maxKeys)
}

func (ks keysStorageImpl) Count(k doubleratchet.Key) (uint, error) {
	return ks.db.countKeys(k)
}

func (ks keysStorageImpl) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("not implemented")
}
