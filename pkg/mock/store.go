package mock

import (
	"sort"
	"strings"
	"sync"

	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/m-mizutani/intelbatch/pkg/errors"
)

// KVStore is in-memory mock of adaptor.KVStore
type KVStore struct {
	// FailPut makes Put fail, to test best-effort persisting
	FailPut bool
	Closed  bool

	data  map[string][]byte
	mutex sync.Mutex
}

// NewKVStoreMock returns KVStoreFactory and the KVStore it opens
func NewKVStoreMock() (adaptor.KVStoreFactory, *KVStore) {
	store := &KVStore{data: make(map[string][]byte)}
	return func(dir string) (adaptor.KVStore, error) {
		return store, nil
	}, store
}

func (x *KVStore) Put(key string, value []byte) error {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	if x.FailPut {
		return errors.New("mock put failure").With("key", key)
	}
	x.data[key] = append([]byte{}, value...)
	return nil
}

func (x *KVStore) Get(key string) ([]byte, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	value, ok := x.data[key]
	if !ok {
		return nil, adaptor.ErrKeyNotFound
	}
	return value, nil
}

func (x *KVStore) Delete(key string) error {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	delete(x.data, key)
	return nil
}

func (x *KVStore) Keys(prefix string) ([]string, error) {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	var keys []string
	for key := range x.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (x *KVStore) Close() error {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	x.Closed = true
	return nil
}

// Len returns number of stored keys
func (x *KVStore) Len() int {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	return len(x.data)
}
