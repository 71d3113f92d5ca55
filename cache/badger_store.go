package cache

import (
	"github.com/dgraph-io/badger"

	cm "github.com/ledgertail/ledgertail/common"
)

// BadgerStore is a Store backed by a Badger database, with an InmemStore
// layered on top as a write-through read cache. This is what makes hydration
// survive process restarts.
type BadgerStore struct {
	inmem *InmemStore
	db    *badger.DB
	path  string
}

// NewBadgerStore opens (or creates) a Badger database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = false

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		inmem: NewInmemStore(),
		db:    handle,
		path:  path,
	}, nil
}

// Get implements Store. It hits the in-memory layer first and falls back to
// disk, repopulating the layer on the way out.
func (s *BadgerStore) Get(key string) ([]byte, error) {
	if v, err := s.inmem.Get(key); err == nil {
		return v, nil
	}

	var res []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		res, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, cm.NewStoreErr("BadgerStore", cm.KeyNotFound, key)
	}
	if err != nil {
		return nil, err
	}

	s.inmem.Set(key, res)

	return res, nil
}

// Set implements Store.
func (s *BadgerStore) Set(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return err
	}
	return s.inmem.Set(key, value)
}

// SetAll implements Store. All writes land in a single Badger transaction.
func (s *BadgerStore) SetAll(values map[string][]byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for k, v := range values {
			if err := txn.Set([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.inmem.SetAll(values)
}

// Del implements Store.
func (s *BadgerStore) Del(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && err != badger.ErrKeyNotFound {
		return err
	}
	return s.inmem.Del(key)
}

// DelPrefix implements Store.
func (s *BadgerStore) DelPrefix(prefix string) error {
	keys := [][]byte{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.inmem.DelPrefix(prefix)
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
