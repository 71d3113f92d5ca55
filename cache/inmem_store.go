package cache

import (
	"strings"
	"sync"

	cm "github.com/ledgertail/ledgertail/common"
)

// InmemStore is a Store backed by a plain map. It is the default when
// persistence is disabled, and the substrate of choice in tests.
type InmemStore struct {
	sync.RWMutex
	values map[string][]byte
}

// NewInmemStore creates an empty InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		values: make(map[string][]byte),
	}
}

// Get implements Store.
func (s *InmemStore) Get(key string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, cm.NewStoreErr("InmemStore", cm.KeyNotFound, key)
	}

	res := make([]byte, len(v))
	copy(res, v)
	return res, nil
}

// Set implements Store.
func (s *InmemStore) Set(key string, value []byte) error {
	s.Lock()
	defer s.Unlock()

	s.values[key] = append([]byte(nil), value...)
	return nil
}

// SetAll implements Store. The write is atomic under the store lock.
func (s *InmemStore) SetAll(values map[string][]byte) error {
	s.Lock()
	defer s.Unlock()

	for k, v := range values {
		s.values[k] = append([]byte(nil), v...)
	}
	return nil
}

// Del implements Store.
func (s *InmemStore) Del(key string) error {
	s.Lock()
	defer s.Unlock()

	delete(s.values, key)
	return nil
}

// DelPrefix implements Store.
func (s *InmemStore) DelPrefix(prefix string) error {
	s.Lock()
	defer s.Unlock()

	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			delete(s.values, k)
		}
	}
	return nil
}

// Close implements Store.
func (s *InmemStore) Close() error {
	return nil
}
