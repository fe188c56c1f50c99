package adaptor

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/m-mizutani/intelbatch/pkg/errors"
	"github.com/m-mizutani/intelbatch/pkg/logging"
)

// ErrKeyNotFound is returned by KVStore.Get for a missing key
var ErrKeyNotFound = errors.New("key not found")

// KVStore is persistent container of records that do not fit in memory
type KVStore interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}

// KVStoreFactory opens a KVStore in dir
type KVStoreFactory func(dir string) (KVStore, error)

// BadgerStore is KVStore backed by BadgerDB
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens BadgerDB in dir. dir is created if not exists.
func NewBadgerStore(dir string) (KVStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(&badgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open badger").With("dir", dir)
	}
	return &BadgerStore{db: db}, nil
}

func (x *BadgerStore) Put(key string, value []byte) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return errors.Wrap(err, "Failed to put").With("key", key)
	}
	return nil
}

func (x *BadgerStore) Get(key string) ([]byte, error) {
	var value []byte
	err := x.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrKeyNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "Failed to get").With("key", key)
	}
	return value, nil
}

func (x *BadgerStore) Delete(key string) error {
	err := x.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrap(err, "Failed to delete").With("key", key)
	}
	return nil
}

// Keys returns keys that start with prefix in lexical order
func (x *BadgerStore) Keys(prefix string) ([]string, error) {
	var keys []string
	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to iterate keys").With("prefix", prefix)
	}
	return keys, nil
}

func (x *BadgerStore) Close() error {
	if err := x.db.Close(); err != nil {
		return errors.Wrap(err, "Failed to close badger")
	}
	return nil
}

// badgerLogger forwards badger logs to zerolog. Info and debug logs are dropped into trace.
type badgerLogger struct{}

func (x *badgerLogger) Errorf(format string, v ...interface{}) {
	logging.Logger.Error().Str("component", "badger").Msg(fmt.Sprintf(format, v...))
}

func (x *badgerLogger) Warningf(format string, v ...interface{}) {
	logging.Logger.Warn().Str("component", "badger").Msg(fmt.Sprintf(format, v...))
}

func (x *badgerLogger) Infof(format string, v ...interface{}) {
	logging.Logger.Trace().Str("component", "badger").Msg(fmt.Sprintf(format, v...))
}

func (x *badgerLogger) Debugf(format string, v ...interface{}) {
	logging.Logger.Trace().Str("component", "badger").Msg(fmt.Sprintf(format, v...))
}
