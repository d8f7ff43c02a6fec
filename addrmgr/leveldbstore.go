// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package addrmgr

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/hemilabs/dnsseed/netaddr"
)

// LevelStore is a goleveldb-backed incremental store for peer records,
// generalizing the teacher's database/tbcd/level key/value conventions
// (a single flat keyspace, Put/Get against *leveldb.DB, ErrNotFound
// translated into a typed miss) from block headers keyed by height+hash
// to peer records keyed by endpoint.
//
// Unlike dnsseed.dat, which is rewritten from scratch by Serialize on
// every dump cycle, LevelStore is flushed by the seeder on its own
// shorter interval (Manager.SaveToLevelStore), so a crash between dump
// cycles loses at most the changes since the last flush, not the whole
// database.
type LevelStore struct {
	mtx sync.Mutex
	db  *leveldb.DB
}

// OpenLevelStore opens (creating if absent) the leveldb database at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &LevelStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

// endpointKey mirrors heightHashToKey's sortable-key idea: family, raw
// address bytes, and port concatenated so iteration order groups peers
// by address family then address.
func endpointKey(ep netaddr.Endpoint) []byte {
	key := make([]byte, 0, 1+len(ep.Bytes)+2)
	key = append(key, byte(ep.Family))
	key = append(key, ep.Bytes[:]...)
	key = append(key, byte(ep.Port>>8), byte(ep.Port))
	return key
}

// Put persists a single record, overwriting any prior value for the same
// endpoint.
func (s *LevelStore) Put(r *PeerRecord) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var buf bytes.Buffer
	if err := writeRecord(&buf, r); err != nil {
		return fmt.Errorf("encode record for %s: %w", r.Endpoint, err)
	}
	return s.db.Put(endpointKey(r.Endpoint), buf.Bytes(), nil)
}

// Delete removes any stored record for ep. Deleting an absent key is not
// an error, matching leveldb.DB.Delete's own semantics.
func (s *LevelStore) Delete(ep netaddr.Endpoint) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.db.Delete(endpointKey(ep), nil)
}

// All returns every record currently stored, in key order.
func (s *LevelStore) All() ([]*PeerRecord, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()

	var out []*PeerRecord
	for iter.Next() {
		rec, err := readRecord(bytes.NewReader(iter.Value()))
		if err != nil {
			return nil, fmt.Errorf("decode stored record: %w", err)
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveToLevelStore writes every in-memory record to store, one Put per
// record. Intended to run periodically (e.g. alongside the reporter's
// dump schedule) so the incremental store never drifts far from memory.
func (m *Manager) SaveToLevelStore(store *LevelStore) error {
	m.mtx.RLock()
	records := make([]PeerRecord, 0, len(m.peers))
	for _, ep := range m.order {
		if r := m.peers[ep]; r != nil {
			records = append(records, *r)
		}
	}
	m.mtx.RUnlock()

	for i := range records {
		if err := store.Put(&records[i]); err != nil {
			return fmt.Errorf("save record %d: %w", i, err)
		}
	}
	return nil
}

// LoadFromLevelStore replaces the manager's contents with every record
// found in store, the incremental-store analogue of Deserialize.
func (m *Manager) LoadFromLevelStore(store *LevelStore) error {
	records, err := store.All()
	if err != nil {
		return fmt.Errorf("read leveldb store: %w", err)
	}

	peers := make(map[netaddr.Endpoint]*PeerRecord, len(records))
	order := make([]netaddr.Endpoint, 0, len(records))
	for _, r := range records {
		peers[r.Endpoint] = r
		order = append(order, r.Endpoint)
	}

	m.mtx.Lock()
	m.peers = peers
	m.order = order
	m.cursor = 0
	m.mtx.Unlock()

	return nil
}
