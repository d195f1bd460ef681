// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package cache

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/cubefs/nsdb/common/kvstore"
	"github.com/cubefs/nsdb/util"
)

var ErrNotFound = kvstore.ErrNotFound

type (
	// Reader is the durable side of a table
	Reader interface {
		Get(ctx context.Context, cf kvstore.CF, key []byte) ([]byte, error)
		List(ctx context.Context, cf kvstore.CF, prefix, marker []byte, fn func(key, value []byte) bool) error
	}

	// Entry is a pending mutation tagged with the log index that produced it.
	// A nil Value is a tombstone.
	Entry struct {
		Value    []byte
		LogIndex uint64
	}

	KV struct {
		Key   string
		Value []byte
	}

	// Table overlays pending, not yet durable mutations on a column family of the
	// durable store. Reads consult the overlay first.
	Table struct {
		cf      kvstore.CF
		durable Reader

		lock    sync.RWMutex
		entries *treemap.Map
	}
)

func NewTable(cf kvstore.CF, durable Reader) *Table {
	return &Table{
		cf:      cf,
		durable: durable,
		entries: treemap.NewWithStringComparator(),
	}
}

func (e *Entry) IsTombstone() bool {
	return e.Value == nil
}

func (t *Table) CF() kvstore.CF {
	return t.cf
}

// Put stages value for key at logIndex. A put older than the visible entry is
// ignored and false is returned.
func (t *Table) Put(key string, value []byte, logIndex uint64) bool {
	if value == nil {
		value = []byte{}
	}
	return t.set(key, value, logIndex)
}

// Delete stages a tombstone for key at logIndex.
func (t *Table) Delete(key string, logIndex uint64) bool {
	return t.set(key, nil, logIndex)
}

func (t *Table) set(key string, value []byte, logIndex uint64) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if v, ok := t.entries.Get(key); ok && v.(*Entry).LogIndex > logIndex {
		return false
	}
	t.entries.Put(key, &Entry{Value: value, LogIndex: logIndex})
	return true
}

// Lookup returns the overlay entry of key without consulting the durable store.
func (t *Table) Lookup(key string) (Entry, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	v, ok := t.entries.Get(key)
	if !ok {
		return Entry{}, false
	}
	return *v.(*Entry), true
}

// Get returns the visible value of key, ErrNotFound when it is absent or deleted.
func (t *Table) Get(ctx context.Context, key string) ([]byte, error) {
	if entry, ok := t.Lookup(key); ok {
		if entry.IsTombstone() {
			return nil, ErrNotFound
		}
		return entry.Value, nil
	}
	return t.durable.Get(ctx, t.cf, util.StringsToBytes(key))
}

func (t *Table) Exists(ctx context.Context, key string) (bool, error) {
	_, err := t.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if err == ErrNotFound {
		return false, nil
	}
	return false, err
}

// ExistsAtOrBelow reports whether key is visible when overlay entries staged
// after index are ignored.
func (t *Table) ExistsAtOrBelow(ctx context.Context, key string, index uint64) (bool, error) {
	if entry, ok := t.Lookup(key); ok && entry.LogIndex <= index {
		return !entry.IsTombstone(), nil
	}
	_, err := t.durable.Get(ctx, t.cf, util.StringsToBytes(key))
	if err == nil {
		return true, nil
	}
	if err == ErrNotFound {
		return false, nil
	}
	return false, err
}

// Evict drops the overlay entry of key once the mutation at logIndex is
// durable. Entries staged by a later index stay.
func (t *Table) Evict(key string, logIndex uint64) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	v, ok := t.entries.Get(key)
	if !ok || v.(*Entry).LogIndex > logIndex {
		return false
	}
	t.entries.Remove(key)
	return true
}

func (t *Table) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.entries.Size()
}

// List returns up to count visible entries whose key starts with prefix and is
// not less than marker, ordered by key. A count not greater than zero lists all.
func (t *Table) List(ctx context.Context, prefix, marker string, count int) ([]KV, error) {
	if marker < prefix {
		marker = prefix
	}
	overlay := t.overlayRange(prefix, marker)

	merged := make(map[string][]byte)
	// each overlay entry hides at most one durable entry
	limit := count + len(overlay)
	err := t.durable.List(ctx, t.cf, util.StringsToBytes(prefix), util.StringsToBytes(marker), func(key, value []byte) bool {
		merged[string(key)] = value
		return count <= 0 || len(merged) < limit
	})
	if err != nil {
		return nil, err
	}
	for key, entry := range overlay {
		if entry.IsTombstone() {
			delete(merged, key)
			continue
		}
		merged[key] = entry.Value
	}

	ret := make([]KV, 0, len(merged))
	for key, value := range merged {
		ret = append(ret, KV{Key: key, Value: value})
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Key < ret[j].Key })
	if count > 0 && len(ret) > count {
		ret = ret[:count]
	}
	return ret, nil
}

func (t *Table) overlayRange(prefix, marker string) map[string]Entry {
	t.lock.RLock()
	defer t.lock.RUnlock()

	ret := make(map[string]Entry)
	k, v := t.entries.Ceiling(marker)
	for k != nil {
		key := k.(string)
		if !strings.HasPrefix(key, prefix) {
			break
		}
		ret[key] = *v.(*Entry)
		k, v = t.entries.Ceiling(key + "\x00")
	}
	return ret
}
