package state

import (
	"errors"
	"fmt"
	"math"
)

// SchemaVersion identifies the record layout this binary reads and writes.
// Increment it whenever a stored record changes shape.
const SchemaVersion uint32 = 1

var (
	schemaVersionKey = []byte("state/version")
	// ErrSchemaMismatch indicates the store was written under another layout.
	ErrSchemaMismatch = errors.New("state: schema version mismatch")
)

// StoredSchema returns the schema version recorded in the store and whether
// one was present.
func (m *Manager) StoredSchema() (uint32, bool, error) {
	tx := m.Begin()
	defer tx.Discard()
	var stored uint64
	ok, _, err := tx.KVGet(schemaVersionKey, &stored)
	if err != nil || !ok {
		return 0, false, err
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// EnsureSchema stamps an unversioned store with SchemaVersion and rejects one
// written under another version. allowMigrate tolerates the mismatch so an
// operator can migrate by hand.
func (m *Manager) EnsureSchema(allowMigrate bool) error {
	version, ok, err := m.StoredSchema()
	if err != nil {
		return err
	}
	if !ok {
		tx := m.Begin()
		if err := tx.KVPut(schemaVersionKey, uint64(SchemaVersion)); err != nil {
			tx.Discard()
			return err
		}
		return tx.Commit()
	}
	if version == SchemaVersion || allowMigrate {
		return nil
	}
	return fmt.Errorf("%w: on-disk=%d expected=%d", ErrSchemaMismatch, version, SchemaVersion)
}
