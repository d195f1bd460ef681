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

package resolver

import (
	"context"
	"os"
	"testing"

	apierrors "github.com/cubefs/nsdb/errors"
	"github.com/cubefs/nsdb/om/meta"
	"github.com/cubefs/nsdb/om/store"
	"github.com/cubefs/nsdb/proto"
	"github.com/cubefs/nsdb/util"
	"github.com/stretchr/testify/require"
)

const bucketID = uint64(100)

// newTestResolver builds vol/bucket with directories a, a/b and keys
// a/b/k1, top. Directory a is flushed, the rest lives in the cache overlay.
func newTestResolver(t *testing.T) (*Resolver, *meta.Manager, func()) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	s, err := store.NewStore(ctx, &store.Config{Path: path})
	require.NoError(t, err)
	m := meta.NewManager(s)

	batch := m.NewBatch()
	require.NoError(t, batch.Put(store.VolumeCF, meta.VolumeKey("vol"), &proto.VolumeInfo{Name: "vol"}))
	require.NoError(t, batch.Put(store.BucketCF, meta.BucketKey("vol", "bucket"), &proto.BucketInfo{Volume: "vol", Name: "bucket", ObjectID: bucketID}))
	require.NoError(t, batch.Put(store.DirectoryCF, meta.ChildKey(bucketID, "a"), &proto.DirectoryInfo{Name: "a", ParentObjectID: bucketID, ObjectID: 200}))
	mutations := batch.Commit(1)
	require.NoError(t, s.BatchWrite(ctx, mutations, 1))
	m.Evict(mutations, 1)

	batch = m.NewBatch()
	require.NoError(t, batch.Put(store.DirectoryCF, meta.ChildKey(200, "b"), &proto.DirectoryInfo{Name: "b", ParentObjectID: 200, ObjectID: 300}))
	require.NoError(t, batch.Put(store.KeyCF, meta.ChildKey(300, "k1"), &proto.KeyInfo{FileName: "k1", ParentObjectID: 300, ObjectID: 301}))
	require.NoError(t, batch.Put(store.KeyCF, meta.ChildKey(bucketID, "top"), &proto.KeyInfo{FileName: "top", ParentObjectID: bucketID, ObjectID: 101}))
	batch.Commit(2)

	return New(m), m, func() {
		s.Close()
		os.RemoveAll(path)
	}
}

func TestSplitPath(t *testing.T) {
	segments, err := SplitPath("/a//b/c/")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, segments)
	require.Equal(t, "a/b/c", JoinPath(segments))

	_, err = SplitPath("//")
	require.ErrorIs(t, err, apierrors.ErrInvalidPath)
	_, err = SplitPath("a/../b")
	require.ErrorIs(t, err, apierrors.ErrInvalidPath)
}

func TestResolver_ResolveParent(t *testing.T) {
	ctx := context.TODO()
	r, _, clean := newTestResolver(t)
	defer clean()

	parent, err := r.ResolveParent(ctx, "vol", "bucket", "a/b/k1")
	require.NoError(t, err)
	require.Equal(t, uint64(300), parent.ObjectID)
	require.Equal(t, "k1", parent.LeafName)
	require.Equal(t, "b", parent.Directory.Name)

	// root level keys live directly under the bucket
	parent, err = r.ResolveParent(ctx, "vol", "bucket", "top")
	require.NoError(t, err)
	require.Equal(t, bucketID, parent.ObjectID)
	require.Nil(t, parent.Directory)

	_, err = r.ResolveParent(ctx, "vol", "bucket", "a/missing/k1")
	require.ErrorIs(t, err, apierrors.ErrParentNotFound)
	_, err = r.ResolveParent(ctx, "vol", "nobucket", "a")
	require.ErrorIs(t, err, apierrors.ErrBucketNotFound)
	_, err = r.ResolveParent(ctx, "novol", "bucket", "a")
	require.ErrorIs(t, err, apierrors.ErrVolumeNotFound)
	_, err = r.ResolveParent(ctx, "vol", "bucket", "")
	require.ErrorIs(t, err, apierrors.ErrInvalidPath)
}

func TestResolver_Walk(t *testing.T) {
	ctx := context.TODO()
	r, m, clean := newTestResolver(t)
	defer clean()

	bucket, err := m.GetBucket(ctx, "vol", "bucket")
	require.NoError(t, err)

	ret, err := r.Walk(ctx, bucket, []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	require.Equal(t, uint64(300), ret.ObjectID)
	require.Len(t, ret.Directories, 2)
	require.Equal(t, []string{"c", "d"}, ret.Missing)

	ret, err = r.Walk(ctx, bucket, []string{"a", "b"})
	require.NoError(t, err)
	require.Empty(t, ret.Missing)

	_, err = r.Walk(ctx, bucket, []string{"top", "x"})
	require.ErrorIs(t, err, apierrors.ErrFileExistsInPath)
}

func TestResolver_Lookup(t *testing.T) {
	ctx := context.TODO()
	r, _, clean := newTestResolver(t)
	defer clean()

	key, err := r.LookupKey(ctx, "vol", "bucket", "a/b/k1")
	require.NoError(t, err)
	require.Equal(t, uint64(301), key.ObjectID)
	_, err = r.LookupKey(ctx, "vol", "bucket", "a/b/k2")
	require.ErrorIs(t, err, apierrors.ErrKeyNotFound)

	dir, err := r.LookupDirectory(ctx, "vol", "bucket", "a/b")
	require.NoError(t, err)
	require.Equal(t, uint64(300), dir.ObjectID)
	_, err = r.LookupDirectory(ctx, "vol", "bucket", "x/y")
	require.ErrorIs(t, err, apierrors.ErrDirectoryNotFound)
}

func TestResolver_ListChildren(t *testing.T) {
	ctx := context.TODO()
	r, _, clean := newTestResolver(t)
	defer clean()

	children, err := r.ListChildren(ctx, "vol", "bucket", "", 0)
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, "a", children[0].Name)
	require.True(t, children[0].IsDir)
	require.Equal(t, "top", children[1].Name)
	require.False(t, children[1].IsDir)

	children, err = r.ListChildren(ctx, "vol", "bucket", "", 1)
	require.NoError(t, err)
	require.Len(t, children, 1)

	children, err = r.ListChildren(ctx, "vol", "bucket", "a/b/", 0)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "k1", children[0].Name)

	_, err = r.ListChildren(ctx, "vol", "bucket", "nope", 0)
	require.ErrorIs(t, err, apierrors.ErrDirectoryNotFound)
}
