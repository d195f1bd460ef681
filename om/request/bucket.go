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
	"github.com/cubefs/nsdb/om/store"
	"github.com/cubefs/nsdb/proto"
)

type setBucketProperty struct {
	noCleanup
	volume *proto.VolumeInfo
	bucket *proto.BucketInfo
}

func (h *setBucketProperty) preValidate(req *proto.Request) error {
	if err := validName("volume", req.Volume); err != nil {
		return err
	}
	if err := validName("bucket", req.Bucket); err != nil {
		return err
	}
	args := req.BucketArgs
	if args == nil || (args.IsVersionEnabled == nil && args.QuotaInBytes == nil && args.QuotaInNamespace == nil) {
		return fmt.Errorf("%w: no bucket property to set", apierrors.ErrInvalidRequest)
	}
	return validQuota(derefInt64(args.QuotaInBytes), derefInt64(args.QuotaInNamespace))
}

func (h *setBucketProperty) action() acl.Action { return acl.ActionWrite }

func (h *setBucketProperty) lockOf(req *proto.Request) (lock.Resource, []string) {
	return bucketLock(req)
}

func (h *setBucketProperty) resolve(ctx context.Context, c *applyContext) error {
	bucket, err := c.resolver.ResolveBucket(ctx, c.req.Volume, c.req.Bucket)
	if err != nil {
		return err
	}
	volume, err := c.m.GetVolume(ctx, c.req.Volume)
	if err != nil {
		if err == meta.ErrNotFound {
			return apierrors.ErrVolumeNotFound
		}
		return err
	}
	h.bucket, h.volume = bucket, volume
	return nil
}

func (h *setBucketProperty) classify(ctx context.Context, c *applyContext) replay.Outcome {
	outcome := replay.Classify(ctx, h.bucket, c.logIndex, nil)
	if outcome.IsReplay() {
		c.resp.Bucket = h.bucket
	}
	return outcome
}

// mutate applies the given properties. A quota lower than the current
// usage is accepted, it only stops further growth.
func (h *setBucketProperty) mutate(ctx context.Context, c *applyContext) error {
	args, bucket := c.req.BucketArgs, h.bucket
	if args.IsVersionEnabled != nil {
		bucket.IsVersionEnabled = *args.IsVersionEnabled
	}
	if args.QuotaInBytes != nil {
		if err := checkVolumeBytesQuota(ctx, c, h.volume, bucket.Name, *args.QuotaInBytes); err != nil {
			return err
		}
		bucket.QuotaInBytes = *args.QuotaInBytes
	}
	if args.QuotaInNamespace != nil {
		bucket.QuotaInNamespace = *args.QuotaInNamespace
	}
	bucket.ModificationTime = c.req.Mtime
	if err := bucket.SetUpdateID(c.logIndex); err != nil {
		return err
	}
	if err := c.batch.Put(store.BucketCF, meta.BucketKey(bucket.Volume, bucket.Name), bucket); err != nil {
		return err
	}
	c.resp.Bucket = bucket
	return nil
}

// putBucket stages the bucket after a child operation changed its usage.
func putBucket(c *applyContext, bucket *proto.BucketInfo) error {
	if err := bucket.SetUpdateID(c.logIndex); err != nil {
		return err
	}
	return c.batch.Put(store.BucketCF, meta.BucketKey(bucket.Volume, bucket.Name), bucket)
}
