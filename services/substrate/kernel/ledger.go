// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

const ledgerKeyPrefix = "kernel_hash:"

// Ledger persists the accepted name→hash map across restarts. Backed by
// badger so the integrity baseline survives process death without an
// external database.
type Ledger struct {
	db *badger.DB
}

// OpenLedger opens (or creates) the ledger at dir.
func OpenLedger(dir string) (*Ledger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open kernel ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Hashes returns the persisted name→hash map.
func (l *Ledger) Hashes() (map[Name]string, error) {
	out := make(map[Name]string)
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(ledgerKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name := Name(item.Key()[len(prefix):])
			if err := item.Value(func(val []byte) error {
				out[name] = string(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read kernel ledger: %w", err)
	}
	return out, nil
}

// Commit replaces the persisted map with the given hashes. Called only
// after a fully successful activation, so the ledger always describes a
// state the runtime accepted.
func (l *Ledger) Commit(hashes map[Name]string) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		prefix := []byte(ledgerKeyPrefix)
		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			name := Name(it.Item().Key()[len(prefix):])
			if _, ok := hashes[name]; !ok {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for name, hash := range hashes {
			if err := txn.Set([]byte(ledgerKeyPrefix+string(name)), []byte(hash)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit kernel ledger: %w", err)
	}
	return nil
}

// Empty reports whether the ledger has no baseline yet (first boot).
func (l *Ledger) Empty() (bool, error) {
	hashes, err := l.Hashes()
	if err != nil {
		return false, err
	}
	return len(hashes) == 0, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	err := l.db.Close()
	if err != nil && !errors.Is(err, badger.ErrDBClosed) {
		return err
	}
	return nil
}
