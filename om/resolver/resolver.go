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
	"strings"

	apierrors "github.com/cubefs/nsdb/errors"
	"github.com/cubefs/nsdb/om/meta"
	"github.com/cubefs/nsdb/om/store"
	"github.com/cubefs/nsdb/proto"
)

const pathSeparator = "/"

type (
	// Parent is the directory a leaf path segment lives in. Directory is nil
	// when the leaf sits at the bucket root, ObjectID is then the bucket's.
	Parent struct {
		Bucket    *proto.BucketInfo
		Directory *proto.DirectoryInfo
		ObjectID  uint64
		LeafName  string
		Segments  []string
	}

	// WalkResult describes how far a path exists below a bucket
	WalkResult struct {
		// ObjectID of the deepest existing directory, or of the bucket
		ObjectID    uint64
		Directories []*proto.DirectoryInfo
		Missing     []string
	}

	Child struct {
		Name      string               `json:"name"`
		IsDir     bool                 `json:"is_dir"`
		Directory *proto.DirectoryInfo `json:"directory,omitempty"`
		Key       *proto.KeyInfo       `json:"key,omitempty"`
	}
)

// SplitPath normalizes a slash separated path into its segments. Empty
// segments are dropped, relative segments are refused.
func SplitPath(keyPath string) ([]string, error) {
	raw := strings.Split(keyPath, pathSeparator)
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		switch s {
		case "":
			continue
		case ".", "..":
			return nil, apierrors.ErrInvalidPath
		}
		segments = append(segments, s)
	}
	if len(segments) == 0 {
		return nil, apierrors.ErrInvalidPath
	}
	return segments, nil
}

func JoinPath(segments []string) string {
	return strings.Join(segments, pathSeparator)
}

type Resolver struct {
	m *meta.Manager
}

func New(m *meta.Manager) *Resolver {
	return &Resolver{m: m}
}

// ResolveBucket returns the bucket, distinguishing a missing volume from a
// missing bucket.
func (r *Resolver) ResolveBucket(ctx context.Context, volume, bucket string) (*proto.BucketInfo, error) {
	info, err := r.m.GetBucket(ctx, volume, bucket)
	if err == nil {
		return info, nil
	}
	if err != meta.ErrNotFound {
		return nil, err
	}
	if _, err = r.m.GetVolume(ctx, volume); err != nil {
		if err == meta.ErrNotFound {
			return nil, apierrors.ErrVolumeNotFound
		}
		return nil, err
	}
	return nil, apierrors.ErrBucketNotFound
}

// Walk follows segments from the bucket root through the directory table and
// stops at the first missing one. A key met on the way is an error.
func (r *Resolver) Walk(ctx context.Context, bucket *proto.BucketInfo, segments []string) (*WalkResult, error) {
	ret := &WalkResult{ObjectID: bucket.ObjectID}
	for i, name := range segments {
		dir, err := r.m.GetDirectory(ctx, ret.ObjectID, name)
		if err == nil {
			ret.Directories = append(ret.Directories, dir)
			ret.ObjectID = dir.ObjectID
			continue
		}
		if err != meta.ErrNotFound {
			return nil, err
		}
		exists, err := r.m.Table(store.KeyCF).Exists(ctx, meta.ChildKey(ret.ObjectID, name))
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, apierrors.ErrFileExistsInPath
		}
		ret.Missing = segments[i:]
		break
	}
	return ret, nil
}

// ResolveParent returns the directory keyPath's leaf lives in. Every
// intermediate directory must exist.
func (r *Resolver) ResolveParent(ctx context.Context, volume, bucket, keyPath string) (*Parent, error) {
	segments, err := SplitPath(keyPath)
	if err != nil {
		return nil, err
	}
	bucketInfo, err := r.ResolveBucket(ctx, volume, bucket)
	if err != nil {
		return nil, err
	}
	return r.resolveParentIn(ctx, bucketInfo, segments)
}

func (r *Resolver) resolveParentIn(ctx context.Context, bucket *proto.BucketInfo, segments []string) (*Parent, error) {
	parent := &Parent{
		Bucket:   bucket,
		ObjectID: bucket.ObjectID,
		LeafName: segments[len(segments)-1],
		Segments: segments,
	}
	for _, name := range segments[:len(segments)-1] {
		dir, err := r.m.GetDirectory(ctx, parent.ObjectID, name)
		if err != nil {
			if err == meta.ErrNotFound {
				return nil, apierrors.ErrParentNotFound
			}
			return nil, err
		}
		parent.Directory = dir
		parent.ObjectID = dir.ObjectID
	}
	return parent, nil
}

func (r *Resolver) LookupKey(ctx context.Context, volume, bucket, keyPath string) (*proto.KeyInfo, error) {
	parent, err := r.ResolveParent(ctx, volume, bucket, keyPath)
	if err != nil {
		return nil, err
	}
	key, err := r.m.GetKey(ctx, parent.ObjectID, parent.LeafName)
	if err == meta.ErrNotFound {
		return nil, apierrors.ErrKeyNotFound
	}
	return key, err
}

func (r *Resolver) LookupDirectory(ctx context.Context, volume, bucket, dirPath string) (*proto.DirectoryInfo, error) {
	parent, err := r.ResolveParent(ctx, volume, bucket, dirPath)
	if err != nil {
		if err == apierrors.ErrParentNotFound {
			return nil, apierrors.ErrDirectoryNotFound
		}
		return nil, err
	}
	dir, err := r.m.GetDirectory(ctx, parent.ObjectID, parent.LeafName)
	if err == meta.ErrNotFound {
		return nil, apierrors.ErrDirectoryNotFound
	}
	return dir, err
}

// ListChildren lists the immediate directories and keys under dirPath, an
// empty dirPath lists the bucket root. Directories come before keys, each
// group in name order, at most count entries when count is positive.
func (r *Resolver) ListChildren(ctx context.Context, volume, bucket, dirPath string, count int) ([]Child, error) {
	bucketInfo, err := r.ResolveBucket(ctx, volume, bucket)
	if err != nil {
		return nil, err
	}
	parentID := bucketInfo.ObjectID
	if strings.Trim(dirPath, pathSeparator) != "" {
		dir, err := r.LookupDirectory(ctx, volume, bucket, dirPath)
		if err != nil {
			return nil, err
		}
		parentID = dir.ObjectID
	}

	prefix := meta.ChildPrefix(parentID)
	dirs, err := r.m.Table(store.DirectoryCF).List(ctx, prefix, "", count)
	if err != nil {
		return nil, err
	}
	ret := make([]Child, 0, len(dirs))
	for _, kv := range dirs {
		dir := &proto.DirectoryInfo{}
		if err = dir.Unmarshal(kv.Value); err != nil {
			return nil, err
		}
		ret = append(ret, Child{Name: meta.ChildName(kv.Key), IsDir: true, Directory: dir})
	}
	if count > 0 && len(ret) >= count {
		return ret, nil
	}

	remain := 0
	if count > 0 {
		remain = count - len(ret)
	}
	keys, err := r.m.Table(store.KeyCF).List(ctx, prefix, "", remain)
	if err != nil {
		return nil, err
	}
	for _, kv := range keys {
		key := &proto.KeyInfo{}
		if err = key.Unmarshal(kv.Value); err != nil {
			return nil, err
		}
		ret = append(ret, Child{Name: meta.ChildName(kv.Key), Key: key})
	}
	return ret, nil
}
