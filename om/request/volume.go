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
	"strings"

	"github.com/cubefs/nsdb/acl"
	apierrors "github.com/cubefs/nsdb/errors"
	"github.com/cubefs/nsdb/om/lock"
	"github.com/cubefs/nsdb/om/meta"
	"github.com/cubefs/nsdb/om/replay"
	"github.com/cubefs/nsdb/om/store"
	"github.com/cubefs/nsdb/proto"
)

func validName(kind, name string) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %s name %q", apierrors.ErrInvalidRequest, kind, name)
	}
	return nil
}

func validQuota(quotas ...int64) error {
	for _, q := range quotas {
		if q < 0 {
			return fmt.Errorf("%w: negative quota %d", apierrors.ErrInvalidRequest, q)
		}
	}
	return nil
}

// volumeLock serializes everything that changes the bucket set of a volume
func volumeLock(req *proto.Request) (lock.Resource, []string) {
	return lock.VolumeLock, []string{req.Volume}
}

func bucketLock(req *proto.Request) (lock.Resource, []string) {
	return lock.BucketLock, []string{req.Volume, req.Bucket}
}

// noCleanup is for requests without a staged step, they never replay partially
type noCleanup struct{}

func (noCleanup) cleanup(context.Context, *applyContext) error { return nil }

type createVolume struct {
	noCleanup
	existing *proto.VolumeInfo
}

func (h *createVolume) preValidate(req *proto.Request) error {
	if err := validName("volume", req.Volume); err != nil {
		return err
	}
	if req.VolumeArgs != nil {
		return validQuota(req.VolumeArgs.QuotaInBytes, req.VolumeArgs.QuotaInNamespace)
	}
	return nil
}

func (h *createVolume) action() acl.Action { return acl.ActionCreate }

func (h *createVolume) lockOf(req *proto.Request) (lock.Resource, []string) {
	return volumeLock(req)
}

func (h *createVolume) resolve(ctx context.Context, c *applyContext) error {
	info, err := c.m.GetVolume(ctx, c.req.Volume)
	if err != nil && err != meta.ErrNotFound {
		return err
	}
	h.existing = info
	return nil
}

func (h *createVolume) classify(ctx context.Context, c *applyContext) replay.Outcome {
	if h.existing == nil {
		return replay.Outcome{Kind: replay.Fresh}
	}
	outcome := replay.Classify(ctx, h.existing, c.logIndex, nil)
	if !outcome.IsReplay() {
		return replay.Reject(apierrors.ErrVolumeAlreadyExists)
	}
	c.resp.Volume = h.existing
	return outcome
}

func (h *createVolume) mutate(ctx context.Context, c *applyContext) error {
	objectID, err := c.objectID()
	if err != nil {
		return err
	}
	info := &proto.VolumeInfo{
		Name:             c.req.Volume,
		Owner:            c.req.Principal,
		ObjectID:         objectID,
		UpdateID:         c.logIndex,
		CreationTime:     c.req.Mtime,
		ModificationTime: c.req.Mtime,
	}
	if args := c.req.VolumeArgs; args != nil {
		if args.Owner != "" {
			info.Owner = args.Owner
		}
		info.QuotaInBytes = args.QuotaInBytes
		info.QuotaInNamespace = args.QuotaInNamespace
	}
	if err = c.batch.Put(store.VolumeCF, meta.VolumeKey(info.Name), info); err != nil {
		return err
	}
	c.resp.Volume = info
	return nil
}

type createBucket struct {
	noCleanup
	volume   *proto.VolumeInfo
	existing *proto.BucketInfo
}

func (h *createBucket) preValidate(req *proto.Request) error {
	if err := validName("volume", req.Volume); err != nil {
		return err
	}
	if err := validName("bucket", req.Bucket); err != nil {
		return err
	}
	if args := req.BucketArgs; args != nil {
		return validQuota(derefInt64(args.QuotaInBytes), derefInt64(args.QuotaInNamespace))
	}
	return nil
}

func (h *createBucket) action() acl.Action { return acl.ActionCreate }

func (h *createBucket) lockOf(req *proto.Request) (lock.Resource, []string) {
	return volumeLock(req)
}

func (h *createBucket) resolve(ctx context.Context, c *applyContext) error {
	volume, err := c.m.GetVolume(ctx, c.req.Volume)
	if err != nil {
		if err == meta.ErrNotFound {
			return apierrors.ErrVolumeNotFound
		}
		return err
	}
	h.volume = volume
	info, err := c.m.GetBucket(ctx, c.req.Volume, c.req.Bucket)
	if err != nil && err != meta.ErrNotFound {
		return err
	}
	h.existing = info
	return nil
}

func (h *createBucket) classify(ctx context.Context, c *applyContext) replay.Outcome {
	if h.existing == nil {
		return replay.Outcome{Kind: replay.Fresh}
	}
	outcome := replay.Classify(ctx, h.existing, c.logIndex, nil)
	if !outcome.IsReplay() {
		return replay.Reject(apierrors.ErrBucketAlreadyExists)
	}
	c.resp.Bucket = h.existing
	return outcome
}

func (h *createBucket) mutate(ctx context.Context, c *applyContext) error {
	objectID, err := c.objectID()
	if err != nil {
		return err
	}
	info := &proto.BucketInfo{
		Volume:           c.req.Volume,
		Name:             c.req.Bucket,
		ObjectID:         objectID,
		UpdateID:         c.logIndex,
		CreationTime:     c.req.Mtime,
		ModificationTime: c.req.Mtime,
	}
	if args := c.req.BucketArgs; args != nil {
		info.IsVersionEnabled = args.IsVersionEnabled != nil && *args.IsVersionEnabled
		info.QuotaInBytes = derefInt64(args.QuotaInBytes)
		info.QuotaInNamespace = derefInt64(args.QuotaInNamespace)
	}

	volume := h.volume
	if volume.QuotaInNamespace > 0 && volume.UsedNamespace+1 > volume.QuotaInNamespace {
		return fmt.Errorf("%w: volume %s holds %d of %d buckets", apierrors.ErrQuotaExceeded,
			volume.Name, volume.UsedNamespace, volume.QuotaInNamespace)
	}
	if err = checkVolumeBytesQuota(ctx, c, volume, info.Name, info.QuotaInBytes); err != nil {
		return err
	}

	volume.UsedNamespace++
	volume.ModificationTime = c.req.Mtime
	if err = volume.SetUpdateID(c.logIndex); err != nil {
		return err
	}
	if err = c.batch.Put(store.VolumeCF, meta.VolumeKey(volume.Name), volume); err != nil {
		return err
	}
	if err = c.batch.Put(store.BucketCF, meta.BucketKey(info.Volume, info.Name), info); err != nil {
		return err
	}
	c.resp.Bucket = info
	return nil
}

// checkVolumeBytesQuota verifies the byte quotas of the buckets of volume,
// with bucket's quota replaced by quota, add up to no more than the volume's.
func checkVolumeBytesQuota(ctx context.Context, c *applyContext, volume *proto.VolumeInfo, bucket string, quota int64) error {
	if volume.QuotaInBytes <= 0 {
		return nil
	}
	buckets, err := c.m.ListBuckets(ctx, volume.Name)
	if err != nil {
		return err
	}
	total := quota
	for _, b := range buckets {
		if b.Name != bucket {
			total += b.QuotaInBytes
		}
	}
	if total > volume.QuotaInBytes {
		return fmt.Errorf("%w: bucket quotas of volume %s add up to %d over %d", apierrors.ErrQuotaExceeded,
			volume.Name, total, volume.QuotaInBytes)
	}
	return nil
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
