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

package kvstore

import (
	"context"
	"errors"
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")

	LevelStyle     = CompactionStyle("level")
	UniversalStyle = CompactionStyle("universal")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
)

type (
	CF              string
	LsmKVType       string
	CompactionStyle string

	// Store is the column family oriented engine the metadata tables live in.
	Store interface {
		NewSnapshot() Snapshot
		GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) (value []byte, err error)
		List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader
		// Write applies batch atomically with the write options of the store
		Write(ctx context.Context, batch WriteBatch) error
		NewReadOption() (readOption ReadOption)
		NewWriteBatch() (writeBatch WriteBatch)
		Stats(ctx context.Context) (Stats, error)
		Close()
	}
	// ListReader iterates keys of one column family in order. ReadNextCopy
	// returns nil key when the iteration is exhausted.
	ListReader interface {
		ReadNextCopy() (key []byte, value []byte, err error)
		Close()
	}
	Snapshot interface {
		Close()
	}
	ReadOption interface {
		SetSnapShot(snap Snapshot)
		Close()
	}
	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		Close()
	}

	Stats struct {
		Used        uint64      `json:"used"`
		MemoryUsage MemoryUsage `json:"memory_usage"`
	}
	MemoryUsage struct {
		BlockCacheUsage     uint64 `json:"block_cache_usage"`
		IndexAndFilterUsage uint64 `json:"index_and_filter_usage"`
		MemtableUsage       uint64 `json:"memtable_usage"`
		Total               uint64 `json:"total"`
	}
	Option struct {
		Sync                 bool            `json:"sync"`
		DisableWal           bool            `json:"disable_wal"`
		ColumnFamily         []CF            `json:"column_family"`
		CreateIfMissing      bool            `json:"create_if_missing"`
		BlockSize            int             `json:"block_size"`
		BlockCache           uint64          `json:"block_cache"`
		MaxOpenFiles         int             `json:"max_open_files"`
		MaxWriteBufferNumber int             `json:"max_write_buffer_number"`
		WriteBufferSize      int             `json:"write_buffer_size"`
		KeepLogFileNum       int             `json:"keep_log_file_num"`
		MaxLogFileSize       int             `json:"max_log_file_size"`
		CompactionStyle      CompactionStyle `json:"compaction_style"`
	}
)

func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	switch lsmType {
	case RocksdbLsmKVType:
		return newRocksdb(ctx, path, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
