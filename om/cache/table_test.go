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
	"os"
	"testing"

	"github.com/cubefs/nsdb/om/store"
	"github.com/cubefs/nsdb/util"
	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T, durable map[string]string) (*Table, func()) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	s, err := store.NewStore(ctx, &store.Config{Path: path})
	require.NoError(t, err)

	mutations := make([]store.Mutation, 0, len(durable))
	for k, v := range durable {
		mutations = append(mutations, store.Mutation{CF: store.KeyCF, Key: []byte(k), Value: []byte(v)})
	}
	require.NoError(t, s.BatchWrite(ctx, mutations, 1))

	return NewTable(store.KeyCF, s), func() {
		s.Close()
		os.RemoveAll(path)
	}
}

func TestTable_OverlayAndDurable(t *testing.T) {
	ctx := context.TODO()
	table, clean := newTestTable(t, map[string]string{"1/a": "durable-a", "1/b": "durable-b"})
	defer clean()

	value, err := table.Get(ctx, "1/a")
	require.NoError(t, err)
	require.Equal(t, "durable-a", string(value))

	require.True(t, table.Put("1/a", []byte("cached-a"), 10))
	value, err = table.Get(ctx, "1/a")
	require.NoError(t, err)
	require.Equal(t, "cached-a", string(value))

	require.True(t, table.Delete("1/b", 11))
	_, err = table.Get(ctx, "1/b")
	require.ErrorIs(t, err, ErrNotFound)
	ok, err := table.Exists(ctx, "1/b")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = table.Get(ctx, "1/missing")
	require.ErrorIs(t, err, ErrNotFound)

	// empty values are not tombstones
	require.True(t, table.Put("1/empty", nil, 12))
	ok, err = table.Exists(ctx, "1/empty")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, table.Len())
}

func TestTable_OlderIndexNeverOverwrites(t *testing.T) {
	ctx := context.TODO()
	table, clean := newTestTable(t, nil)
	defer clean()

	require.True(t, table.Put("k", []byte("v7"), 7))
	require.False(t, table.Put("k", []byte("v5"), 5))
	require.False(t, table.Delete("k", 6))
	value, err := table.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v7", string(value))

	// same index is the same request restaging its result
	require.True(t, table.Put("k", []byte("v7b"), 7))
	entry, ok := table.Lookup("k")
	require.True(t, ok)
	require.Equal(t, uint64(7), entry.LogIndex)
	require.Equal(t, "v7b", string(entry.Value))
}

func TestTable_Evict(t *testing.T) {
	table, clean := newTestTable(t, nil)
	defer clean()

	table.Put("k", []byte("v5"), 5)
	table.Put("k", []byte("v9"), 9)
	// the flushed batch only covered index 5
	require.False(t, table.Evict("k", 5))
	_, ok := table.Lookup("k")
	require.True(t, ok)

	require.True(t, table.Evict("k", 9))
	_, ok = table.Lookup("k")
	require.False(t, ok)
	require.False(t, table.Evict("k", 10))
	require.Equal(t, 0, table.Len())
}

func TestTable_List(t *testing.T) {
	ctx := context.TODO()
	table, clean := newTestTable(t, map[string]string{
		"1/a": "a", "1/b": "b", "1/c": "c", "1/d": "d", "2/a": "x",
	})
	defer clean()

	table.Delete("1/a", 10)
	table.Put("1/aa", []byte("aa"), 11)
	table.Put("1/c", []byte("c2"), 12)
	table.Put("2/b", []byte("y"), 13)

	kvs, err := table.List(ctx, "1/", "", 0)
	require.NoError(t, err)
	keys := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		keys = append(keys, kv.Key)
	}
	require.Equal(t, []string{"1/aa", "1/b", "1/c", "1/d"}, keys)
	require.Equal(t, "c2", string(kvs[2].Value))

	kvs, err = table.List(ctx, "1/", "", 2)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "1/aa", kvs[0].Key)
	require.Equal(t, "1/b", kvs[1].Key)

	kvs, err = table.List(ctx, "1/", "1/c", 10)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "1/c", kvs[0].Key)

	kvs, err = table.List(ctx, "3/", "", 10)
	require.NoError(t, err)
	require.Empty(t, kvs)
}

func TestTable_ExistsAtOrBelow(t *testing.T) {
	ctx := context.TODO()
	table, clean := newTestTable(t, map[string]string{"durable": "d"})
	defer clean()

	table.Put("staged", []byte("s"), 5)
	ok, err := table.ExistsAtOrBelow(ctx, "staged", 6)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = table.ExistsAtOrBelow(ctx, "staged", 4)
	require.NoError(t, err)
	require.False(t, ok)

	table.Delete("durable", 8)
	ok, err = table.ExistsAtOrBelow(ctx, "durable", 7)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = table.ExistsAtOrBelow(ctx, "durable", 8)
	require.NoError(t, err)
	require.False(t, ok)
}
