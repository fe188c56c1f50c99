package service

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/m-mizutani/intelbatch"
	"github.com/m-mizutani/intelbatch/pkg/adaptor"
	"github.com/m-mizutani/intelbatch/pkg/errors"
)

const (
	groupKeyPrefix     = "g:"
	indicatorKeyPrefix = "i:"
)

// memoryRecords is insertion ordered map of records
type memoryRecords[T any] struct {
	keys   []string
	values map[string]T
	sizes  map[string]int64
}

func newMemoryRecords[T any]() *memoryRecords[T] {
	return &memoryRecords[T]{
		values: make(map[string]T),
		sizes:  make(map[string]int64),
	}
}

func (x *memoryRecords[T]) get(xid string) (T, bool) {
	v, ok := x.values[xid]
	return v, ok
}

func (x *memoryRecords[T]) put(xid string, v T, size int64) {
	x.keys = append(x.keys, xid)
	x.values[xid] = v
	x.sizes[xid] = size
}

// remove returns the record and its estimated size
func (x *memoryRecords[T]) remove(xid string) (T, int64, bool) {
	v, ok := x.values[xid]
	size := x.sizes[xid]
	delete(x.values, xid)
	delete(x.sizes, xid)
	return v, size, ok
}

// snapshot returns live keys in insertion order and drops removed ones from the key list
func (x *memoryRecords[T]) snapshot() []string {
	live := make([]string, 0, len(x.values))
	for _, key := range x.keys {
		if _, ok := x.values[key]; ok {
			live = append(live, key)
		}
	}
	x.keys = live
	return append([]string{}, live...)
}

func (x *memoryRecords[T]) len() int {
	return len(x.values)
}

// storedGroup is the encoding of a group in the persistent container. Content keeps null and
// empty apart because an empty literal file is still uploaded.
type storedGroup struct {
	Record   *intelbatch.Group    `json:"record"`
	FileName string               `json:"file_name,omitempty"`
	FileKind intelbatch.GroupType `json:"file_kind,omitempty"`
	Content  []byte               `json:"content"`
	Lazy     bool                 `json:"lazy,omitempty"`
}

// EntityStore keeps groups and indicators until they are extracted into a chunk. Each kind has an
// in-memory container and a persistent container that is opened on first persist. EntityStore is
// not safe for concurrent use; it must be used by the goroutine that adds records.
type EntityStore struct {
	groups         *memoryRecords[*intelbatch.Group]
	indicators     *memoryRecords[*intelbatch.Indicator]
	estimatedBytes int64
	fetchers       map[string]intelbatch.FetchFunc

	dir        string
	newKVStore adaptor.KVStoreFactory
	kv         adaptor.KVStore
}

// NewEntityStore is constructor of EntityStore. The persistent container is created in dir.
func NewEntityStore(dir string, newKVStore adaptor.KVStoreFactory) *EntityStore {
	if newKVStore == nil {
		newKVStore = adaptor.NewBadgerStore
	}
	return &EntityStore{
		groups:     newMemoryRecords[*intelbatch.Group](),
		indicators: newMemoryRecords[*intelbatch.Indicator](),
		fetchers:   make(map[string]intelbatch.FetchFunc),
		dir:        dir,
		newKVStore: newKVStore,
	}
}

func wireSize(v interface{}) (int64, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, errors.Wrap(err, "Failed to marshal record")
	}
	return int64(len(raw)), nil
}

// UpsertGroup stores group unless a group with the same xid exists, in which case the existing one
// is returned. With store false the group is returned as is without being stored. The second
// return value is EstimatedBytes after the operation.
func (x *EntityStore) UpsertGroup(group *intelbatch.Group, store bool) (*intelbatch.Group, int64, error) {
	if !store {
		return group, x.estimatedBytes, nil
	}

	if existing, ok := x.groups.get(group.Xid); ok {
		return existing, x.estimatedBytes, nil
	}
	existing, err := x.loadGroup(group.Xid, false)
	if err != nil {
		return nil, x.estimatedBytes, err
	}
	if existing != nil {
		return existing, x.estimatedBytes, nil
	}

	size, err := wireSize(group)
	if err != nil {
		return nil, x.estimatedBytes, errors.Wrap(err).With("xid", group.Xid)
	}
	x.groups.put(group.Xid, group, size)
	x.estimatedBytes += size
	return group, x.estimatedBytes, nil
}

// UpsertIndicator works as UpsertGroup for indicators
func (x *EntityStore) UpsertIndicator(indicator *intelbatch.Indicator, store bool) (*intelbatch.Indicator, int64, error) {
	if !store {
		return indicator, x.estimatedBytes, nil
	}

	if existing, ok := x.indicators.get(indicator.Xid); ok {
		return existing, x.estimatedBytes, nil
	}
	existing, err := x.loadIndicator(indicator.Xid, false)
	if err != nil {
		return nil, x.estimatedBytes, err
	}
	if existing != nil {
		return existing, x.estimatedBytes, nil
	}

	size, err := wireSize(indicator)
	if err != nil {
		return nil, x.estimatedBytes, errors.Wrap(err).With("xid", indicator.Xid)
	}
	x.indicators.put(indicator.Xid, indicator, size)
	x.estimatedBytes += size
	return indicator, x.estimatedBytes, nil
}

func (x *EntityStore) openKV() (adaptor.KVStore, error) {
	if x.kv != nil {
		return x.kv, nil
	}
	if err := os.MkdirAll(x.dir, 0755); err != nil {
		return nil, errors.Wrap(err, "Failed to create store directory").With("dir", x.dir)
	}
	kv, err := x.newKVStore(x.dir)
	if err != nil {
		return nil, err
	}
	x.kv = kv
	return kv, nil
}

// PersistGroup moves the group from memory to the persistent container. On failure the group stays
// in memory and the error is returned only to be logged.
func (x *EntityStore) PersistGroup(xid string) error {
	group, ok := x.groups.get(xid)
	if !ok {
		return errors.New("Group is not in memory").With("xid", xid)
	}

	kv, err := x.openKV()
	if err != nil {
		return err
	}

	stored := &storedGroup{Record: group}
	if group.Attachment != nil {
		stored.FileName = group.Attachment.FileName
		stored.FileKind = group.Attachment.Kind
		stored.Content = group.Attachment.Content
		stored.Lazy = group.Attachment.Lazy()
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return errors.Wrap(err, "Failed to encode group").With("xid", xid)
	}
	if err := kv.Put(groupKeyPrefix+xid, raw); err != nil {
		return err
	}

	if stored.Lazy {
		x.fetchers[xid] = group.Attachment.Fetch
	}
	_, size, _ := x.groups.remove(xid)
	x.estimatedBytes -= size
	return nil
}

// PersistIndicator moves the indicator from memory to the persistent container
func (x *EntityStore) PersistIndicator(xid string) error {
	indicator, ok := x.indicators.get(xid)
	if !ok {
		return errors.New("Indicator is not in memory").With("xid", xid)
	}

	kv, err := x.openKV()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(indicator)
	if err != nil {
		return errors.Wrap(err, "Failed to encode indicator").With("xid", xid)
	}
	if err := kv.Put(indicatorKeyPrefix+xid, raw); err != nil {
		return err
	}

	_, size, _ := x.indicators.remove(xid)
	x.estimatedBytes -= size
	return nil
}

// loadGroup reads a group from the persistent container. It returns nil if not found.
func (x *EntityStore) loadGroup(xid string, remove bool) (*intelbatch.Group, error) {
	if x.kv == nil {
		return nil, nil
	}
	key := groupKeyPrefix + xid
	raw, err := x.kv.Get(key)
	if err == adaptor.ErrKeyNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var stored storedGroup
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, errors.Wrap(err, "Failed to decode stored group").With("xid", xid)
	}
	group := stored.Record
	if group == nil {
		return nil, errors.New("Stored group has no record").With("xid", xid)
	}
	if stored.FileKind != "" {
		delete(group.Metadata, "fileName")
		group.Attachment = &intelbatch.Attachment{
			FileName: stored.FileName,
			Kind:     stored.FileKind,
			Content:  stored.Content,
		}
		if stored.Lazy {
			group.Attachment.Fetch = x.fetchers[xid]
		}
	}

	if remove {
		if err := x.kv.Delete(key); err != nil {
			return nil, err
		}
		delete(x.fetchers, xid)
	}
	return group, nil
}

// loadIndicator reads an indicator from the persistent container. It returns nil if not found.
func (x *EntityStore) loadIndicator(xid string, remove bool) (*intelbatch.Indicator, error) {
	if x.kv == nil {
		return nil, nil
	}
	key := indicatorKeyPrefix + xid
	raw, err := x.kv.Get(key)
	if err == adaptor.ErrKeyNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var indicator intelbatch.Indicator
	if err := json.Unmarshal(raw, &indicator); err != nil {
		return nil, errors.Wrap(err, "Failed to decode stored indicator").With("xid", xid)
	}
	if remove {
		if err := x.kv.Delete(key); err != nil {
			return nil, err
		}
	}
	return &indicator, nil
}

// takeGroup removes the group from whichever container holds it. nil means already taken.
func (x *EntityStore) takeGroup(xid string) (*intelbatch.Group, error) {
	if group, size, ok := x.groups.remove(xid); ok {
		x.estimatedBytes -= size
		return group, nil
	}
	return x.loadGroup(xid, true)
}

func (x *EntityStore) takeIndicator(xid string) (*intelbatch.Indicator, error) {
	if indicator, size, ok := x.indicators.remove(xid); ok {
		x.estimatedBytes -= size
		return indicator, nil
	}
	return x.loadIndicator(xid, true)
}

// DeleteGroup removes the group from the store without emitting it
func (x *EntityStore) DeleteGroup(xid string) error {
	_, err := x.takeGroup(xid)
	return err
}

// DeleteIndicator removes the indicator from the store without emitting it
func (x *EntityStore) DeleteIndicator(xid string) error {
	_, err := x.takeIndicator(xid)
	return err
}

func (x *EntityStore) persistentKeys(prefix string) ([]string, error) {
	if x.kv == nil {
		return nil, nil
	}
	keys, err := x.kv.Keys(prefix)
	if err != nil {
		return nil, err
	}
	xids := make([]string, len(keys))
	for i, key := range keys {
		xids[i] = strings.TrimPrefix(key, prefix)
	}
	return xids, nil
}

// Count returns number of records in both containers
func (x *EntityStore) Count() (int, error) {
	groups, err := x.persistentKeys(groupKeyPrefix)
	if err != nil {
		return 0, err
	}
	indicators, err := x.persistentKeys(indicatorKeyPrefix)
	if err != nil {
		return 0, err
	}
	return x.groups.len() + x.indicators.len() + len(groups) + len(indicators), nil
}

// EstimatedBytes returns serialized size of records in memory
func (x *EntityStore) EstimatedBytes() int64 {
	return x.estimatedBytes
}

// Close releases the persistent container. The directory is removed unless keep is true.
func (x *EntityStore) Close(keep bool) error {
	if x.kv != nil {
		if err := x.kv.Close(); err != nil {
			return err
		}
		x.kv = nil
	}
	if !keep && x.dir != "" {
		if err := os.RemoveAll(x.dir); err != nil {
			return errors.Wrap(err, "Failed to remove store directory").With("dir", x.dir)
		}
	}
	return nil
}
