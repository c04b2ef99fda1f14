// Package store is the durable ordered key-value substrate for every other component.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

var ErrStoreIO = errors.New("store i/o error")

// Pair is one key/value entry returned by range reads. Both slices are owned by the caller.
type Pair struct {
	Key   []byte
	Value []byte
}

// KV is the persistence contract used by the ledger and the aggregator.
// Keys compare lexicographically on their bytes. Writes are durable when the call returns.
type KV interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, bool, error)
	Delete(key []byte) error
	// Range returns every pair with start <= key < end in ascending key order.
	Range(start, end []byte) ([]Pair, error)
	// Scan streams the pairs of Range to fn without materialising them.
	Scan(ctx context.Context, start, end []byte, fn func(key, value []byte) error) error
	// Last returns the greatest pair with start <= key < end.
	Last(start, end []byte) (Pair, bool, error)
	// PutBatch writes all pairs atomically.
	PutBatch(pairs ...Pair) error
	// DeleteRange removes every key in [start, end) and returns how many were removed.
	DeleteRange(start, end []byte) (int, error)
	Close() error
}

// Options configures a BadgerStore.
type Options struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	// BlockCacheSize in bytes; 0 keeps the badger default.
	BlockCacheSize int64
}

// BadgerStore implements KV on an embedded badger database.
type BadgerStore struct {
	db *badger.DB
}

var _ KV = (*BadgerStore)(nil)

// Open opens (or creates) the badger database described by opts.
func Open(opts Options) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites)
	if opts.BlockCacheSize > 0 {
		bopts = bopts.WithBlockCacheSize(opts.BlockCacheSize)
	}
	bopts.Logger = nil // disable internal logging
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening badger db: %v", ErrStoreIO, err)
	}
	return &BadgerStore{db: db}, nil
}

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreIO) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreIO, op, err)
}

func (s *BadgerStore) Put(key, value []byte) error {
	return ioErr("put", s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}))
}

func (s *BadgerStore) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ioErr("get", err)
	}
	return out, true, nil
}

func (s *BadgerStore) Delete(key []byte) error {
	return ioErr("delete", s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}))
}

func (s *BadgerStore) Range(start, end []byte) ([]Pair, error) {
	var pairs []Pair
	err := s.Scan(context.Background(), start, end, func(k, v []byte) error {
		pairs = append(pairs, Pair{Key: k, Value: v})
		return nil
	})
	return pairs, err
}

// Scan hands fn copies of each key and value, so fn may retain them.
// Writes issued from fn are separate transactions and are not visible to the running scan.
func (s *BadgerStore) Scan(ctx context.Context, start, end []byte, fn func(key, value []byte) error) error {
	var fnErr error
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(start); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			if bytes.Compare(item.Key(), end) >= 0 {
				return nil
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), v); err != nil {
				fnErr = err
				return err
			}
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	return ioErr("scan", err)
}

func (s *BadgerStore) Last(start, end []byte) (Pair, bool, error) {
	var (
		p     Pair
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		// reverse Seek lands on the greatest key <= end
		for it.Seek(end); it.Valid(); it.Next() {
			item := it.Item()
			k := item.Key()
			if bytes.Compare(k, end) >= 0 {
				continue
			}
			if bytes.Compare(k, start) < 0 {
				return nil
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			p = Pair{Key: item.KeyCopy(nil), Value: v}
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return Pair{}, false, ioErr("last", err)
	}
	return p, found, nil
}

func (s *BadgerStore) PutBatch(pairs ...Pair) error {
	return ioErr("put batch", s.db.Update(func(txn *badger.Txn) error {
		for _, p := range pairs {
			if err := txn.Set(p.Key, p.Value); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *BadgerStore) DeleteRange(start, end []byte) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(start); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if bytes.Compare(k, end) >= 0 {
				break
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return 0, ioErr("delete range scan", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, ioErr("delete range", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, ioErr("delete range flush", err)
	}
	return len(keys), nil
}

// Ping reports whether the database is open and readable.
func (s *BadgerStore) Ping() error {
	if s.db.IsClosed() {
		return fmt.Errorf("%w: database closed", ErrStoreIO)
	}
	return ioErr("ping", s.db.View(func(*badger.Txn) error { return nil }))
}

// Size returns the on-disk size of the LSM tree and the value log in bytes.
func (s *BadgerStore) Size() (lsm, vlog int64) {
	return s.db.Size()
}

func (s *BadgerStore) Close() error {
	return ioErr("close", s.db.Close())
}
