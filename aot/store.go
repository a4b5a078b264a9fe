// Package aot persists compiled native code across runs. Entries are keyed
// by (arch, pc) and validated against the block's content hash, so code
// that changed on disk is dropped rather than dispatched; identical blocks
// at different addresses share one stored object.
package aot

import (
	"encoding/binary"
	"encoding/json"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/colorfulnotion/tiervm/common"
	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

// blockRecord is the per-address metadata; the code bytes live under the
// object key so duplicate blocks are stored once.
type blockRecord struct {
	Hash common.Hash `json:"hash"`
}

// Store is the on-disk (or in-memory, for tests and ephemeral runs) AOT
// cache.
type Store struct {
	db *leveldb.DB

	hits       atomic.Uint64
	misses     atomic.Uint64
	staleDrops atomic.Uint64
}

// Open opens the cache at path; an empty path selects a memory-backed
// store.
func Open(path string) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, vmerrors.Internalf("open aot store: %v", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func blockKey(arch core.Arch, pc core.GuestAddr) []byte {
	key := make([]byte, 0, 14)
	key = append(key, 'b', 'l', 'k', '|', byte(arch), '|')
	return binary.BigEndian.AppendUint64(key, uint64(pc))
}

func objKey(hash common.Hash) []byte {
	return append([]byte("obj|"), hash.Bytes()...)
}

// Lookup returns the stored native code for the block at pc whose content
// hash is hash. A record whose hash no longer matches is deleted on the
// spot, so a changed block is recompiled exactly once.
func (s *Store) Lookup(arch core.Arch, pc core.GuestAddr, hash common.Hash) ([]byte, bool) {
	key := blockKey(arch, pc)
	raw, err := s.db.Get(key, nil)
	if err != nil {
		s.misses.Add(1)
		return nil, false
	}
	var rec blockRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Hash != hash {
		s.db.Delete(key, nil)
		s.staleDrops.Add(1)
		s.misses.Add(1)
		log.Debug(log.AotModule, "stale entry dropped", "pc", uint64(pc))
		return nil, false
	}
	code, err := s.db.Get(objKey(hash), nil)
	if err != nil {
		// Metadata without its object; heal by dropping the record.
		s.db.Delete(key, nil)
		s.staleDrops.Add(1)
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return code, true
}

// Save persists one compiled block.
func (s *Store) Save(arch core.Arch, pc core.GuestAddr, hash common.Hash, code []byte) error {
	ok, err := s.db.Has(objKey(hash), nil)
	if err != nil {
		return vmerrors.Internalf("aot has: %v", err)
	}
	if !ok {
		if err := s.db.Put(objKey(hash), code, nil); err != nil {
			return vmerrors.Internalf("aot put object: %v", err)
		}
	}
	raw, err := json.Marshal(blockRecord{Hash: hash})
	if err != nil {
		return vmerrors.Internalf("aot marshal: %v", err)
	}
	if err := s.db.Put(blockKey(arch, pc), raw, nil); err != nil {
		return vmerrors.Internalf("aot put record: %v", err)
	}
	return nil
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Hits       uint64
	Misses     uint64
	StaleDrops uint64
}

func (s *Store) Stats() Stats {
	return Stats{
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		StaleDrops: s.staleDrops.Load(),
	}
}
