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

package request

import (
	"context"
	"fmt"

	"github.com/cubefs/nsdb/acl"
	apierrors "github.com/cubefs/nsdb/errors"
	"github.com/cubefs/nsdb/om/lock"
	"github.com/cubefs/nsdb/om/meta"
	"github.com/cubefs/nsdb/om/replay"
	"github.com/cubefs/nsdb/om/resolver"
	"github.com/cubefs/nsdb/om/store"
	"github.com/cubefs/nsdb/proto"
)

// createDirectory creates the directory and every missing ancestor.
type createDirectory struct {
	noCleanup
	segments []string
	bucket   *proto.BucketInfo
	walk     *resolver.WalkResult
}

func (h *createDirectory) preValidate(req *proto.Request) (err error) {
	if err = validName("volume", req.Volume); err != nil {
		return
	}
	if err = validName("bucket", req.Bucket); err != nil {
		return
	}
	h.segments, err = resolver.SplitPath(req.Key)
	return
}

func (h *createDirectory) action() acl.Action { return acl.ActionCreate }

func (h *createDirectory) lockOf(req *proto.Request) (lock.Resource, []string) {
	return bucketLock(req)
}

func (h *createDirectory) resolve(ctx context.Context, c *applyContext) error {
	bucket, err := c.resolver.ResolveBucket(ctx, c.req.Volume, c.req.Bucket)
	if err != nil {
		return err
	}
	walk, err := c.resolver.Walk(ctx, bucket, h.segments)
	if err != nil {
		return err
	}
	h.bucket, h.walk = bucket, walk
	return nil
}

func (h *createDirectory) classify(ctx context.Context, c *applyContext) replay.Outcome {
	if len(h.walk.Missing) > 0 {
		return replay.Outcome{Kind: replay.Fresh}
	}
	leaf := h.walk.Directories[len(h.walk.Directories)-1]
	outcome := replay.Classify(ctx, leaf, c.logIndex, nil)
	if !outcome.IsReplay() {
		return replay.Reject(apierrors.ErrDirectoryAlreadyExists)
	}
	c.resp.Directory = leaf
	return outcome
}

func (h *createDirectory) mutate(ctx context.Context, c *applyContext) error {
	bucket, missing := h.bucket, h.walk.Missing
	if bucket.HasNamespaceQuota() && bucket.UsedNamespace+int64(len(missing)) > bucket.QuotaInNamespace {
		return fmt.Errorf("%w: bucket %s/%s holds %d of %d entries, %d more requested", apierrors.ErrQuotaExceeded,
			bucket.Volume, bucket.Name, bucket.UsedNamespace, bucket.QuotaInNamespace, len(missing))
	}

	parentID := h.walk.ObjectID
	var dir *proto.DirectoryInfo
	for _, name := range missing {
		objectID, err := c.objectID()
		if err != nil {
			return err
		}
		dir = &proto.DirectoryInfo{
			Name:             name,
			ParentObjectID:   parentID,
			ObjectID:         objectID,
			UpdateID:         c.logIndex,
			CreationTime:     c.req.Mtime,
			ModificationTime: c.req.Mtime,
		}
		if err = c.batch.Put(store.DirectoryCF, meta.ChildKey(parentID, name), dir); err != nil {
			return err
		}
		parentID = objectID
	}

	bucket.UsedNamespace += int64(len(missing))
	bucket.ModificationTime = c.req.Mtime
	if err := putBucket(c, bucket); err != nil {
		return err
	}
	c.resp.Directory = dir
	return nil
}
