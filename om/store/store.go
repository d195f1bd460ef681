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

package store

import (
	"context"
	"encoding/binary"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/nsdb/common/kvstore"
)

const (
	VolumeCF    = kvstore.CF("volume")
	BucketCF    = kvstore.CF("bucket")
	DirectoryCF = kvstore.CF("directory")
	KeyCF       = kvstore.CF("key")
	OpenKeyCF   = kvstore.CF("open_key")
	DeletedCF   = kvstore.CF("deleted")
	TxnCF       = kvstore.CF("txn")
)

var (
	AllCFs = []kvstore.CF{VolumeCF, BucketCF, DirectoryCF, KeyCF, OpenKeyCF, DeletedCF, TxnCF}

	lastAppliedIndexKey = []byte("last_applied_index")
)

type (
	Config struct {
		Path     string         `json:"path"`
		KVOption kvstore.Option `json:"kv_option"`
	}

	// Mutation is a single put, or a delete when Value is nil.
	Mutation struct {
		CF    kvstore.CF
		Key   []byte
		Value []byte
	}
)

func (m *Mutation) IsDelete() bool {
	return m.Value == nil
}

type Store struct {
	kvStore kvstore.Store
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	kvStorePath := cfg.Path + "/kv"
	cfg.KVOption.CreateIfMissing = true
	cfg.KVOption.ColumnFamily = AllCFs
	kvStore, err := kvstore.NewKVStore(ctx, kvStorePath, kvstore.RocksdbLsmKVType, &cfg.KVOption)
	if err != nil {
		return nil, errors.Info(err, "open kv store failed")
	}

	return &Store{kvStore: kvStore}, nil
}

// Get returns kvstore.ErrNotFound when the key is absent.
func (s *Store) Get(ctx context.Context, cf kvstore.CF, key []byte) ([]byte, error) {
	return s.kvStore.GetRaw(ctx, cf, key, nil)
}

// List calls fn with every durable entry under prefix, starting at marker,
// until fn returns false. All entries come from one snapshot.
func (s *Store) List(ctx context.Context, cf kvstore.CF, prefix, marker []byte, fn func(key, value []byte) bool) error {
	snap := s.kvStore.NewSnapshot()
	defer snap.Close()
	ro := s.kvStore.NewReadOption()
	defer ro.Close()
	ro.SetSnapShot(snap)

	lr := s.kvStore.List(ctx, cf, prefix, marker, ro)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		if !fn(key, value) {
			return nil
		}
	}
}

// BatchWrite applies all mutations and records appliedIndex in one atomic write.
func (s *Store) BatchWrite(ctx context.Context, mutations []Mutation, appliedIndex uint64) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	for i := range mutations {
		if mutations[i].IsDelete() {
			batch.Delete(mutations[i].CF, mutations[i].Key)
			continue
		}
		batch.Put(mutations[i].CF, mutations[i].Key, mutations[i].Value)
	}
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, appliedIndex)
	batch.Put(TxnCF, lastAppliedIndexKey, value)

	return s.kvStore.Write(ctx, batch)
}

// LastAppliedIndex returns the highest log index made durable, 0 for a new store.
func (s *Store) LastAppliedIndex(ctx context.Context) (uint64, error) {
	value, err := s.kvStore.GetRaw(ctx, TxnCF, lastAppliedIndexKey, nil)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(value) != 8 {
		return 0, errors.New("invalid last applied index")
	}
	return binary.BigEndian.Uint64(value), nil
}

func (s *Store) Stats(ctx context.Context) (kvstore.Stats, error) {
	return s.kvStore.Stats(ctx)
}

func (s *Store) Close() {
	s.kvStore.Close()
}
