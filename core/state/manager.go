package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	coreerrors "bittrust/core/errors"
	"bittrust/storage"
)

// Manager owns the committed ledger. All reads and writes go through a Tx;
// Commit applies a Tx atomically when none of the records it observed changed
// underneath it.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// NewManager creates a state manager on top of the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// envelope is the stored form of every record: the rlp payload plus the
// monotonically increasing version used for optimistic concurrency.
type envelope struct {
	Version uint64
	Data    []byte
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) load(hashed []byte) (*envelope, error) {
	raw, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	env := new(envelope)
	if err := rlp.DecodeBytes(raw, env); err != nil {
		return nil, fmt.Errorf("state: decode envelope: %w", err)
	}
	return env, nil
}

// Begin opens a transaction against the current committed state.
func (m *Manager) Begin() *Tx {
	return &Tx{
		m:      m,
		reads:  make(map[string]uint64),
		writes: make(map[string]*pending),
	}
}

type pending struct {
	data    []byte
	deleted bool
}

type journalEntry struct {
	key  string
	prev *pending
}

// Tx buffers writes and records the version of every record it reads. It is
// owned by a single goroutine.
type Tx struct {
	m       *Manager
	reads   map[string]uint64
	writes  map[string]*pending
	journal []journalEntry
	done    bool
}

var errTxClosed = errors.New("state: transaction closed")

func (tx *Tx) observe(hashed string) (*envelope, error) {
	env, err := tx.m.load([]byte(hashed))
	if err != nil {
		return nil, err
	}
	if _, seen := tx.reads[hashed]; !seen {
		var version uint64
		if env != nil {
			version = env.Version
		}
		tx.reads[hashed] = version
	}
	return env, nil
}

// version returns the version the caller observes for key: the committed
// version, bumped by one when the tx already wrote it.
func (tx *Tx) version(hashed string) uint64 {
	v := tx.reads[hashed]
	if _, dirty := tx.writes[hashed]; dirty {
		return v + 1
	}
	return v
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed. The returned version is zero for absent keys.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, uint64, error) {
	if tx.done {
		return false, 0, errTxClosed
	}
	if len(key) == 0 {
		return false, 0, fmt.Errorf("kv: key must not be empty")
	}
	hashed := string(kvKey(key))
	if p, ok := tx.writes[hashed]; ok {
		if p.deleted {
			return false, 0, nil
		}
		if out != nil {
			if err := rlp.DecodeBytes(p.data, out); err != nil {
				return false, 0, err
			}
		}
		return true, tx.version(hashed), nil
	}
	env, err := tx.observe(hashed)
	if err != nil {
		return false, 0, err
	}
	if env == nil {
		return false, 0, nil
	}
	if out != nil {
		if err := rlp.DecodeBytes(env.Data, out); err != nil {
			return false, 0, err
		}
	}
	return true, env.Version, nil
}

// KVPut buffers value under key.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if tx.done {
		return errTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	tx.set(string(kvKey(key)), &pending{data: encoded})
	return nil
}

// KVDelete buffers a deletion of key.
func (tx *Tx) KVDelete(key []byte) error {
	if tx.done {
		return errTxClosed
	}
	tx.set(string(kvKey(key)), &pending{deleted: true})
	return nil
}

func (tx *Tx) set(hashed string, p *pending) {
	tx.journal = append(tx.journal, journalEntry{key: hashed, prev: tx.writes[hashed]})
	tx.writes[hashed] = p
}

// KVAppend appends value to the rlp-encoded byte slice list stored under key.
// Duplicate values are ignored to keep the index deterministic.
func (tx *Tx) KVAppend(key []byte, value []byte) error {
	var list [][]byte
	if _, _, err := tx.KVGet(key, &list); err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return tx.KVPut(key, list)
}

// KVGetList decodes the rlp list stored under key into out, which must point
// to a slice. Absent keys yield an empty slice.
func (tx *Tx) KVGetList(key []byte, out interface{}) error {
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("kv: destination must be a non-nil pointer")
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Slice {
		return fmt.Errorf("kv: destination must point to a slice")
	}
	ok, _, err := tx.KVGet(key, out)
	if err != nil {
		return err
	}
	if !ok {
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
	}
	return nil
}

// Snapshot returns an identifier for the current buffered state. Reverting to
// it discards every write made since.
func (tx *Tx) Snapshot() int {
	return len(tx.journal)
}

// RevertToSnapshot undoes the writes made after id.
func (tx *Tx) RevertToSnapshot(id int) {
	if id < 0 || id > len(tx.journal) {
		return
	}
	for i := len(tx.journal) - 1; i >= id; i-- {
		entry := tx.journal[i]
		if entry.prev == nil {
			delete(tx.writes, entry.key)
		} else {
			tx.writes[entry.key] = entry.prev
		}
	}
	tx.journal = tx.journal[:id]
}

// SupportsSavepoints reports that nested atomic scopes are available.
func (tx *Tx) SupportsSavepoints() bool { return true }

// Dirty reports whether the tx buffered any write.
func (tx *Tx) Dirty() bool { return len(tx.writes) > 0 }

// Discard abandons the transaction.
func (tx *Tx) Discard() {
	tx.done = true
	tx.writes = nil
	tx.journal = nil
}

// Commit validates every observed version and applies the buffered writes in
// one batch. A changed record fails with ErrConcurrentModification and leaves
// committed state untouched.
func (tx *Tx) Commit() error {
	if tx.done {
		return errTxClosed
	}
	tx.done = true
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for hashed, seen := range tx.reads {
		env, err := m.load([]byte(hashed))
		if err != nil {
			return err
		}
		var current uint64
		if env != nil {
			current = env.Version
		}
		if current != seen {
			return coreerrors.Wrap(coreerrors.ErrConcurrentModification, "record %x moved from v%d to v%d", []byte(hashed)[:4], seen, current)
		}
	}
	if len(tx.writes) == 0 {
		return nil
	}

	batch := make(map[string][]byte, len(tx.writes))
	for hashed, p := range tx.writes {
		if p.deleted {
			batch[hashed] = nil
			continue
		}
		base, seen := tx.reads[hashed]
		if !seen {
			env, err := m.load([]byte(hashed))
			if err != nil {
				return err
			}
			if env != nil {
				base = env.Version
			}
		}
		encoded, err := rlp.EncodeToBytes(&envelope{Version: base + 1, Data: p.data})
		if err != nil {
			return err
		}
		batch[hashed] = encoded
	}
	return m.db.Apply(batch)
}
