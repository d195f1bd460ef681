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

package meta

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/nsdb/common/kvstore"
	"github.com/cubefs/nsdb/om/cache"
	"github.com/cubefs/nsdb/om/lock"
	"github.com/cubefs/nsdb/om/store"
	"github.com/cubefs/nsdb/proto"
)

var ErrNotFound = cache.ErrNotFound

type (
	// Record is a namespace entry that can be stored in a table
	Record interface {
		Marshal() ([]byte, error)
		Unmarshal(data []byte) error
	}

	// Manager owns the cache tables and the lock manager of one metadata
	// service instance. It is handed to every pipeline component.
	Manager struct {
		store  *store.Store
		locks  *lock.Manager
		tables map[kvstore.CF]*cache.Table
	}
)

func NewManager(s *store.Store) *Manager {
	m := &Manager{
		store:  s,
		locks:  lock.NewManager(),
		tables: make(map[kvstore.CF]*cache.Table),
	}
	for _, cf := range store.AllCFs {
		if cf == store.TxnCF {
			continue
		}
		m.tables[cf] = cache.NewTable(cf, s)
	}
	return m
}

func (m *Manager) Store() *store.Store {
	return m.store
}

func (m *Manager) Locks() *lock.Manager {
	return m.locks
}

// Table panics on a column family that has no table, the set is fixed at start.
func (m *Manager) Table(cf kvstore.CF) *cache.Table {
	t, ok := m.tables[cf]
	if !ok {
		panic("no table for column family " + cf.String())
	}
	return t
}

// CachedEntries returns the number of overlay entries waiting to be flushed per table.
func (m *Manager) CachedEntries() map[kvstore.CF]int {
	ret := make(map[kvstore.CF]int, len(m.tables))
	for cf, t := range m.tables {
		ret[cf] = t.Len()
	}
	return ret
}

// Evict drops overlay entries made durable by the flush of logIndex.
func (m *Manager) Evict(mutations []store.Mutation, logIndex uint64) {
	for i := range mutations {
		m.Table(mutations[i].CF).Evict(string(mutations[i].Key), logIndex)
	}
}

func (m *Manager) Get(ctx context.Context, cf kvstore.CF, key string, r Record) error {
	data, err := m.Table(cf).Get(ctx, key)
	if err != nil {
		return err
	}
	if err = r.Unmarshal(data); err != nil {
		return errors.Info(err, "decode record failed", cf, key)
	}
	return nil
}

func (m *Manager) GetVolume(ctx context.Context, volume string) (*proto.VolumeInfo, error) {
	info := &proto.VolumeInfo{}
	if err := m.Get(ctx, store.VolumeCF, VolumeKey(volume), info); err != nil {
		return nil, err
	}
	return info, nil
}

func (m *Manager) GetBucket(ctx context.Context, volume, bucket string) (*proto.BucketInfo, error) {
	info := &proto.BucketInfo{}
	if err := m.Get(ctx, store.BucketCF, BucketKey(volume, bucket), info); err != nil {
		return nil, err
	}
	return info, nil
}

func (m *Manager) GetDirectory(ctx context.Context, parentObjectID uint64, name string) (*proto.DirectoryInfo, error) {
	info := &proto.DirectoryInfo{}
	if err := m.Get(ctx, store.DirectoryCF, ChildKey(parentObjectID, name), info); err != nil {
		return nil, err
	}
	return info, nil
}

func (m *Manager) GetKey(ctx context.Context, parentObjectID uint64, name string) (*proto.KeyInfo, error) {
	info := &proto.KeyInfo{}
	if err := m.Get(ctx, store.KeyCF, ChildKey(parentObjectID, name), info); err != nil {
		return nil, err
	}
	return info, nil
}

func (m *Manager) GetOpenKey(ctx context.Context, parentObjectID uint64, name string, clientID uint64) (*proto.KeyInfo, error) {
	info := &proto.KeyInfo{}
	if err := m.Get(ctx, store.OpenKeyCF, OpenKey(parentObjectID, name, clientID), info); err != nil {
		return nil, err
	}
	return info, nil
}

// ListBuckets returns the buckets of volume in name order.
func (m *Manager) ListBuckets(ctx context.Context, volume string) ([]*proto.BucketInfo, error) {
	kvs, err := m.Table(store.BucketCF).List(ctx, BucketPrefix(volume), "", 0)
	if err != nil {
		return nil, err
	}
	ret := make([]*proto.BucketInfo, 0, len(kvs))
	for _, kv := range kvs {
		info := &proto.BucketInfo{}
		if err = info.Unmarshal(kv.Value); err != nil {
			return nil, errors.Info(err, "decode bucket failed", kv.Key)
		}
		ret = append(ret, info)
	}
	return ret, nil
}

// NewBatch starts staging the mutations of one request.
func (m *Manager) NewBatch() *Batch {
	return &Batch{m: m}
}

type stagedOp struct {
	cf    kvstore.CF
	key   string
	value []byte
}

// Batch collects the mutations of one request. Nothing is visible to readers
// until Commit, so a request that fails half way leaves no trace.
type Batch struct {
	m   *Manager
	ops []stagedOp
}

func (b *Batch) Put(cf kvstore.CF, key string, r Record) error {
	data, err := r.Marshal()
	if err != nil {
		return errors.Info(err, "encode record failed", cf, key)
	}
	if data == nil {
		data = []byte{}
	}
	b.ops = append(b.ops, stagedOp{cf: cf, key: key, value: data})
	return nil
}

func (b *Batch) Delete(cf kvstore.CF, key string) {
	b.ops = append(b.ops, stagedOp{cf: cf, key: key})
}

func (b *Batch) Len() int {
	return len(b.ops)
}

// Commit applies the staged mutations to the cache tables tagged with
// logIndex and returns them in staging order for the flush engine.
func (b *Batch) Commit(logIndex uint64) []store.Mutation {
	mutations := make([]store.Mutation, 0, len(b.ops))
	for _, op := range b.ops {
		t := b.m.Table(op.cf)
		if op.value == nil {
			t.Delete(op.key, logIndex)
		} else {
			t.Put(op.key, op.value, logIndex)
		}
		mutations = append(mutations, store.Mutation{CF: op.cf, Key: []byte(op.key), Value: op.value})
	}
	b.ops = nil
	return mutations
}
