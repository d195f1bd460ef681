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
	"os"
	"testing"

	"github.com/cubefs/nsdb/common/kvstore"
	"github.com/cubefs/nsdb/util"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, func()) {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	s, err := NewStore(context.TODO(), &Config{Path: path})
	require.NoError(t, err)
	return s, func() {
		s.Close()
		os.RemoveAll(path)
	}
}

func TestStore_BatchWrite(t *testing.T) {
	ctx := context.TODO()
	s, clean := newTestStore(t)
	defer clean()

	idx, err := s.LastAppliedIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx)

	require.NoError(t, s.BatchWrite(ctx, []Mutation{
		{CF: KeyCF, Key: []byte("1/a"), Value: []byte("a")},
		{CF: KeyCF, Key: []byte("1/b"), Value: []byte("b")},
		{CF: OpenKeyCF, Key: []byte("1/a/7"), Value: []byte("open")},
	}, 5))

	value, err := s.Get(ctx, KeyCF, []byte("1/a"))
	require.NoError(t, err)
	require.Equal(t, "a", string(value))
	idx, err = s.LastAppliedIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), idx)

	require.NoError(t, s.BatchWrite(ctx, []Mutation{
		{CF: OpenKeyCF, Key: []byte("1/a/7")},
		{CF: KeyCF, Key: []byte("1/b"), Value: []byte("b2")},
	}, 6))

	_, err = s.Get(ctx, OpenKeyCF, []byte("1/a/7"))
	require.ErrorIs(t, err, kvstore.ErrNotFound)
	value, err = s.Get(ctx, KeyCF, []byte("1/b"))
	require.NoError(t, err)
	require.Equal(t, "b2", string(value))

	// an empty batch still advances the applied index
	require.NoError(t, s.BatchWrite(ctx, nil, 9))
	idx, err = s.LastAppliedIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(9), idx)
}

func TestStore_List(t *testing.T) {
	ctx := context.TODO()
	s, clean := newTestStore(t)
	defer clean()

	require.NoError(t, s.BatchWrite(ctx, []Mutation{
		{CF: DirectoryCF, Key: []byte("1/a"), Value: []byte("a")},
		{CF: DirectoryCF, Key: []byte("1/b"), Value: []byte("b")},
		{CF: DirectoryCF, Key: []byte("1/c"), Value: []byte("c")},
		{CF: DirectoryCF, Key: []byte("2/a"), Value: []byte("x")},
	}, 1))

	var keys []string
	require.NoError(t, s.List(ctx, DirectoryCF, []byte("1/"), nil, func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	}))
	require.Equal(t, []string{"1/a", "1/b", "1/c"}, keys)

	keys = keys[:0]
	require.NoError(t, s.List(ctx, DirectoryCF, []byte("1/"), []byte("1/b"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return len(keys) < 1
	}))
	require.Equal(t, []string{"1/b"}, keys)
}

func TestStore_ReopenKeepsState(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)

	s, err := NewStore(ctx, &Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.BatchWrite(ctx, []Mutation{{CF: VolumeCF, Key: []byte("/vol"), Value: []byte("v")}}, 3))
	s.Close()

	s, err = NewStore(ctx, &Config{Path: path})
	require.NoError(t, err)
	defer s.Close()
	idx, err := s.LastAppliedIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), idx)
	value, err := s.Get(ctx, VolumeCF, []byte("/vol"))
	require.NoError(t, err)
	require.Equal(t, "v", string(value))
}
