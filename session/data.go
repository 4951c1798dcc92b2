package session

import (
	"database/sql"
	"errors"
	"fmt"

	db "github.com/wren-im/go-wren/internal/db"
	"github.com/wren-im/go-wren/migration"
	"github.com/status-im/doubleratchet"
)

type ratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type ratchetKey struct {
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SessionID      []byte `db:"session_id"`
	SequenceNumber uint   `db:"seq_num"`
}

type database struct {
	*db.Database
}

func newDatabase(d *db.Database) (*database, error) {
	if err := d.MigrateNoLock("_session", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _sessions (
						id BLOB PRIMARY KEY
					);

					CREATE TABLE _ratchet_keys (
						pub_key BLOB NOT NULL,
						message_key BLOB NOT NULL,
						msg_num INTEGER NOT NULL,
						session_id BLOB NOT NULL,
						seq_num INTEGER NOT NULL
					);
					CREATE UNIQUE INDEX ratchet_keys_pubkey_msg_num on _ratchet_keys (pub_key, msg_num);
					CREATE UNIQUE INDEX ratchet_keys_session_id_seq_num on _ratchet_keys (session_id, seq_num);

					CREATE TABLE _ratchet_states (
						id BLOB NOT NULL PRIMARY KEY,
						dhr BLOB,
						dhs_pub BLOB NOT NULL,
						dhs_priv BLOB NOT NULL,
						root_ch_key BLOB NOT NULL,
						send_ch_key BLOB NOT NULL,
						send_ch_count BLOB NOT NULL,
						recv_ch_key BLOB NOT NULL,
						recv_ch_count BLOB NOT NULL,
						pn INTEGER NOT NULL,
						max_skip INTEGER NOT NULL,
						hkr BLOB,
						nhkr BLOB,
						hks BLOB,
						nhks BLOB,
						max_keep INTEGER NOT NULL,
						mmk_per_session INTEGER NOT NULL,
						step INTEGER NOT NULL,
						keys_count INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return &database{d}, nil
}

func (db *database) hasSession(id []byte) (bool, error) {
	var found []byte
	if err := db.Tx.Get(&found, "SELECT id FROM _sessions WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("session: error getting session: %w", err)
	}
	return true, nil
}

func (db *database) insertSession(id []byte) error {
	if _, err := db.Tx.Exec("INSERT INTO _sessions (id) VALUES ($1) ON CONFLICT(id) DO NOTHING", id); err != nil {
		return fmt.Errorf("session: error inserting session: %w", err)
	}
	return nil
}

func (db *database) ratchetState(id []byte) (*ratchetState, error) {
	s := &ratchetState{}
	if err := db.Tx.Get(s, "select * from _ratchet_states where id = $1", id); err != nil {
		return nil, fmt.Errorf("session: error getting ratchet state: %w", err)
	}
	return s, nil
}

func (db *database) upsertRatchetState(s *ratchetState) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _ratchet_states (id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count) VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count) on CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count", s); err != nil {
		return fmt.Errorf("session: error upserting ratchet state: %w", err)
	}
	return nil
}

func (db *database) sessionStorage() doubleratchet.SessionStorage {
	return &sessionStorageImpl{db: db}
}

func (db *database) ratchetCrypto() doubleratchet.Crypto {
	return &cryptoImpl{}
}

func (db *database) keysStorage(sessionID []byte) doubleratchet.KeysStorage {
	return &keysStorageImpl{sessionID: sessionID, db: db}
}

func (db *database) keyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) (*ratchetKey, bool, error) {
	kr := &ratchetKey{}
	err := db.Tx.Get(kr, "SELECT * FROM _ratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return kr, true, nil
}

func (db *database) upsertKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	_, err := db.Tx.Exec("INSERT INTO _ratchet_keys (pub_key, message_key, msg_num, session_id, seq_num) VALUES (?, ?, ?, ?, ?)", k, mk, msgNum, sessionID, keySeqNum)
	if err != nil {
		return fmt.Errorf("session: error upserting key by msgnum: %w", err)
	}
	return nil
}

func (db *database) deleteKeyByMsgNum(sessionID []byte, k doubleratchet.Key, msgNum uint) error {
	_, err := db.Tx.Exec("DELETE FROM _ratchet_keys WHERE pub_key = ? and msg_num = ? and session_id = ?", k, msgNum, sessionID)
	if err != nil {
		return fmt.Errorf("session: error deleting key by msgnum: %w", err)
	}
	return nil
}

func (db *database) deleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	_, err := db.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = ? and seq_num < ?", sessionID, deleteUntilSeqKey)
	if err != nil {
		return fmt.Errorf("session: error deleting old keys: %w", err)
	}
	return nil
}

func (db *database) truncateMks(sessionID []byte, maxKeys int) error {
	_, err := db.Tx.Exec("DELETE FROM _ratchet_keys where session_id = ? and seq_num not in (select seq_num from _ratchet_keys where session_id = ? ORDER BY seq_num DESC LIMIT ?)", sessionID, sessionID, maxKeys)
	if err != nil {
		return fmt.Errorf("session: error truncating keys: %w", err)
	}
	return nil
}

func (db *database) countKeys(k doubleratchet.Key) (uint, error) {
	counter := &struct {
		Count uint `db:"keys_count"`
	}{Count: 0}
	if err := db.Tx.Get(counter, "SELECT count(*) as keys_count FROM _ratchet_keys WHERE pub_key = ?", k); err != nil {
		return 0, fmt.Errorf("session: error counting keys: %w", err)
	}

	return counter.Count, nil
}
