// Package kvstore is a small embedded key-value store backed by
// cockroachdb/pebble. It is not the authority's system of record (that is
// the relational store in pkg/authoritystore); it backs the durable queue's
// ack/offset bookkeeping in the worker process and the ingress gate's
// short-TTL idempotency cache in its own state directory.
package kvstore

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a thin wrapper around a single pebble.DB handle.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) a pebble database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put writes a key/value pair. sync forces an fsync before returning.
func (s *Store) Put(key, value []byte, sync bool) error {
	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	return s.db.Set(key, value, opts)
}

// Get returns the value for key, or ErrNotFound.
func (s *Store) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), v...)
	closer.Close()
	return out, nil
}

// Delete removes key, ignoring a missing key.
func (s *Store) Delete(key []byte, sync bool) error {
	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	return s.db.Delete(key, opts)
}

// ScanPrefix invokes fn for every key/value pair whose key starts with
// prefix, in key order. fn's value slice is only valid for the duration of
// the call. Iteration stops early if fn returns an error.
func (s *Store) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// ApplyBatch applies a prepared batch, useful for callers that need to write
// several keys atomically (e.g. the queue's ack-and-advance-offset step).
func (s *Store) ApplyBatch(batch *pebble.Batch, sync bool) error {
	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	return s.db.Apply(batch, opts)
}

// NewBatch returns an empty batch bound to this store's database.
func (s *Store) NewBatch() *pebble.Batch {
	return s.db.NewBatch()
}
