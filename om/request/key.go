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

func validKeyRequest(req *proto.Request, paths ...string) error {
	if err := validName("volume", req.Volume); err != nil {
		return err
	}
	if err := validName("bucket", req.Bucket); err != nil {
		return err
	}
	for _, p := range paths {
		if _, err := resolver.SplitPath(p); err != nil {
			return fmt.Errorf("%w: key %q", err, p)
		}
	}
	return nil
}

func lookupKey(ctx context.Context, c *applyContext, parentID uint64, name string) (*proto.KeyInfo, error) {
	key, err := c.m.GetKey(ctx, parentID, name)
	if err == meta.ErrNotFound {
		return nil, nil
	}
	return key, err
}

// refuseDirectory fails when name under parentID is a directory.
func refuseDirectory(ctx context.Context, c *applyContext, parentID uint64, name string) error {
	exists, err := c.m.Table(store.DirectoryCF).Exists(ctx, meta.ChildKey(parentID, name))
	if err != nil {
		return err
	}
	if exists {
		return apierrors.ErrDirectoryAlreadyExists
	}
	return nil
}

func checkBytesQuota(bucket *proto.BucketInfo, delta int64) error {
	if delta > 0 && bucket.HasBytesQuota() && bucket.UsedBytes+delta > bucket.QuotaInBytes {
		return fmt.Errorf("%w: bucket %s/%s uses %d of %d bytes, %d more requested", apierrors.ErrQuotaExceeded,
			bucket.Volume, bucket.Name, bucket.UsedBytes, bucket.QuotaInBytes, delta)
	}
	return nil
}

func checkNamespaceQuota(bucket *proto.BucketInfo, delta int64) error {
	if delta > 0 && bucket.HasNamespaceQuota() && bucket.UsedNamespace+delta > bucket.QuotaInNamespace {
		return fmt.Errorf("%w: bucket %s/%s holds %d of %d entries", apierrors.ErrQuotaExceeded,
			bucket.Volume, bucket.Name, bucket.UsedNamespace, bucket.QuotaInNamespace)
	}
	return nil
}

// classifyByBucket classifies a request against its bucket. Every applied
// change under a bucket stamps it and a bucket is changed in log order, so a
// bucket stamped at or after logIndex already carries the request even when
// its target was removed since.
func classifyByBucket(ctx context.Context, bucket *proto.BucketInfo, logIndex uint64, staged replay.StagedCheck) replay.Outcome {
	return replay.Classify(ctx, bucket, logIndex, staged)
}

// createKey stages an open key, the key becomes visible on commit. The open
// key is written without any replay check.
type createKey struct {
	noCleanup
	parent *resolver.Parent
}

func (h *createKey) preValidate(req *proto.Request) error {
	return validKeyRequest(req, req.Key)
}

func (h *createKey) action() acl.Action { return acl.ActionCreate }

func (h *createKey) lockOf(req *proto.Request) (lock.Resource, []string) {
	return bucketLock(req)
}

func (h *createKey) resolve(ctx context.Context, c *applyContext) (err error) {
	if h.parent, err = c.resolver.ResolveParent(ctx, c.req.Volume, c.req.Bucket, c.req.Key); err != nil {
		return
	}
	return refuseDirectory(ctx, c, h.parent.ObjectID, h.parent.LeafName)
}

func (h *createKey) classify(context.Context, *applyContext) replay.Outcome {
	return replay.Outcome{Kind: replay.Fresh}
}

func (h *createKey) mutate(ctx context.Context, c *applyContext) error {
	objectID, err := c.objectID()
	if err != nil {
		return err
	}
	open := &proto.KeyInfo{
		Volume:           c.req.Volume,
		Bucket:           c.req.Bucket,
		KeyName:          resolver.JoinPath(h.parent.Segments),
		FileName:         h.parent.LeafName,
		ParentObjectID:   h.parent.ObjectID,
		ObjectID:         objectID,
		UpdateID:         c.logIndex,
		CreationTime:     c.req.Mtime,
		ModificationTime: c.req.Mtime,
	}
	if args := c.req.KeyArgs; args != nil {
		if err = checkBytesQuota(h.parent.Bucket, args.DataSize); err != nil {
			return err
		}
		open.AppendVersion(args.DataSize, args.Locations, false)
	}
	name := meta.OpenKey(h.parent.ObjectID, h.parent.LeafName, c.req.ClientID)
	if err = c.batch.Put(store.OpenKeyCF, name, open); err != nil {
		return err
	}
	c.resp.Key = open
	return nil
}

// commitKey turns the open key of the client into the visible key.
type commitKey struct {
	parent   *resolver.Parent
	openName string
	open     *proto.KeyInfo
	existing *proto.KeyInfo
}

func (h *commitKey) preValidate(req *proto.Request) error {
	return validKeyRequest(req, req.Key)
}

func (h *commitKey) action() acl.Action { return acl.ActionWrite }

func (h *commitKey) lockOf(req *proto.Request) (lock.Resource, []string) {
	return bucketLock(req)
}

func (h *commitKey) resolve(ctx context.Context, c *applyContext) (err error) {
	if h.parent, err = c.resolver.ResolveParent(ctx, c.req.Volume, c.req.Bucket, c.req.Key); err != nil {
		return
	}
	parentID, name := h.parent.ObjectID, h.parent.LeafName
	h.openName = meta.OpenKey(parentID, name, c.req.ClientID)
	if h.open, err = c.m.GetOpenKey(ctx, parentID, name, c.req.ClientID); err != nil {
		if err != meta.ErrNotFound {
			return
		}
		h.open = nil
	}
	h.existing, err = lookupKey(ctx, c, parentID, name)
	return
}

// classify treats the commit as a replay when the key already carries this
// log index. The open key may have been written again by a redelivered
// create, in which case it only needs to be removed.
func (h *commitKey) classify(ctx context.Context, c *applyContext) replay.Outcome {
	staged := func(ctx context.Context) (bool, error) {
		return c.m.Table(store.OpenKeyCF).ExistsAtOrBelow(ctx, h.openName, c.logIndex)
	}
	if h.existing != nil {
		if outcome := replay.Classify(ctx, h.existing, c.logIndex, staged); outcome.Kind != replay.Fresh {
			c.resp.Key = h.existing
			return outcome
		}
	}
	// the committed key may have been deleted or renamed by a later entry
	if outcome := classifyByBucket(ctx, h.parent.Bucket, c.logIndex, staged); outcome.Kind != replay.Fresh {
		c.resp.Key = h.existing
		return outcome
	}
	if h.open == nil {
		return replay.Reject(fmt.Errorf("%w: no open key %s", apierrors.ErrKeyNotFound, h.openName))
	}
	return replay.Outcome{Kind: replay.Fresh}
}

func (h *commitKey) mutate(ctx context.Context, c *applyContext) error {
	// a directory may have taken the name since the key was created
	if err := refuseDirectory(ctx, c, h.parent.ObjectID, h.parent.LeafName); err != nil {
		return err
	}
	bucket, key := h.parent.Bucket, h.open
	size, locations := key.DataSize, []proto.KeyLocation(nil)
	if latest := key.LatestVersion(); latest != nil {
		locations = latest.Locations
	}
	if args := c.req.KeyArgs; args != nil {
		size, locations = args.DataSize, args.Locations
	}

	var usedBefore, keysDelta int64
	key.Versions = nil
	if h.existing != nil {
		key.Versions = h.existing.Versions
		key.CreationTime = h.existing.CreationTime
		usedBefore = h.existing.UsedBytes()
	} else {
		keysDelta = 1
	}
	key.AppendVersion(size, locations, bucket.IsVersionEnabled)
	bytesDelta := key.UsedBytes() - usedBefore
	if err := checkBytesQuota(bucket, bytesDelta); err != nil {
		return err
	}
	if err := checkNamespaceQuota(bucket, keysDelta); err != nil {
		return err
	}

	key.ModificationTime = c.req.Mtime
	if err := key.SetUpdateID(c.logIndex); err != nil {
		return err
	}
	if h.existing != nil && !bucket.IsVersionEnabled {
		// the replaced data is released by block deletion
		replaced := meta.DeletedKey(h.existing.ObjectID, c.logIndex)
		if err := c.batch.Put(store.DeletedCF, replaced, h.existing); err != nil {
			return err
		}
	}
	if err := c.batch.Put(store.KeyCF, meta.ChildKey(h.parent.ObjectID, h.parent.LeafName), key); err != nil {
		return err
	}
	c.batch.Delete(store.OpenKeyCF, h.openName)

	bucket.UsedBytes += bytesDelta
	bucket.UsedNamespace += keysDelta
	bucket.ModificationTime = c.req.Mtime
	if err := putBucket(c, bucket); err != nil {
		return err
	}
	c.createdKeys += int(keysDelta)
	c.resp.Key = key
	return nil
}

func (h *commitKey) cleanup(ctx context.Context, c *applyContext) error {
	c.batch.Delete(store.OpenKeyCF, h.openName)
	return nil
}

type deleteKey struct {
	noCleanup
	parent   *resolver.Parent
	existing *proto.KeyInfo
}

func (h *deleteKey) preValidate(req *proto.Request) error {
	return validKeyRequest(req, req.Key)
}

func (h *deleteKey) action() acl.Action { return acl.ActionDelete }

func (h *deleteKey) lockOf(req *proto.Request) (lock.Resource, []string) {
	return bucketLock(req)
}

func (h *deleteKey) resolve(ctx context.Context, c *applyContext) (err error) {
	if h.parent, err = c.resolver.ResolveParent(ctx, c.req.Volume, c.req.Bucket, c.req.Key); err != nil {
		return
	}
	h.existing, err = lookupKey(ctx, c, h.parent.ObjectID, h.parent.LeafName)
	return
}

func (h *deleteKey) classify(ctx context.Context, c *applyContext) replay.Outcome {
	// the key is gone already, or was recreated after the delete
	if outcome := classifyByBucket(ctx, h.parent.Bucket, c.logIndex, nil); outcome.Kind != replay.Fresh {
		return outcome
	}
	if h.existing == nil {
		return replay.Reject(apierrors.ErrKeyNotFound)
	}
	return replay.Outcome{Kind: replay.Fresh}
}

func (h *deleteKey) mutate(ctx context.Context, c *applyContext) error {
	bucket, key := h.parent.Bucket, h.existing
	c.batch.Delete(store.KeyCF, meta.ChildKey(h.parent.ObjectID, h.parent.LeafName))

	key.ModificationTime = c.req.Mtime
	if err := key.SetUpdateID(c.logIndex); err != nil {
		return err
	}
	if err := c.batch.Put(store.DeletedCF, meta.DeletedKey(key.ObjectID, c.logIndex), key); err != nil {
		return err
	}

	bucket.UsedBytes -= key.UsedBytes()
	if bucket.UsedBytes < 0 {
		bucket.UsedBytes = 0
	}
	if bucket.UsedNamespace > 0 {
		bucket.UsedNamespace--
	}
	bucket.ModificationTime = c.req.Mtime
	if err := putBucket(c, bucket); err != nil {
		return err
	}
	c.resp.Key = key
	return nil
}

// renameKey moves a key within its bucket, the object id is kept.
type renameKey struct {
	noCleanup
	from, to *resolver.Parent
	source   *proto.KeyInfo
	target   *proto.KeyInfo
}

func (h *renameKey) preValidate(req *proto.Request) error {
	if err := validKeyRequest(req, req.Key, req.ToKey); err != nil {
		return err
	}
	from, _ := resolver.SplitPath(req.Key)
	to, _ := resolver.SplitPath(req.ToKey)
	if resolver.JoinPath(from) == resolver.JoinPath(to) {
		return fmt.Errorf("%w: rename %q to itself", apierrors.ErrInvalidRequest, req.Key)
	}
	return nil
}

func (h *renameKey) action() acl.Action { return acl.ActionWrite }

func (h *renameKey) lockOf(req *proto.Request) (lock.Resource, []string) {
	return bucketLock(req)
}

func (h *renameKey) resolve(ctx context.Context, c *applyContext) (err error) {
	if h.from, err = c.resolver.ResolveParent(ctx, c.req.Volume, c.req.Bucket, c.req.Key); err != nil {
		return
	}
	if h.to, err = c.resolver.ResolveParent(ctx, c.req.Volume, c.req.Bucket, c.req.ToKey); err != nil {
		return
	}
	if h.source, err = lookupKey(ctx, c, h.from.ObjectID, h.from.LeafName); err != nil {
		return
	}
	h.target, err = lookupKey(ctx, c, h.to.ObjectID, h.to.LeafName)
	return
}

func (h *renameKey) classify(ctx context.Context, c *applyContext) replay.Outcome {
	// the moved key may have been changed, moved again or deleted since
	if outcome := classifyByBucket(ctx, h.from.Bucket, c.logIndex, nil); outcome.Kind != replay.Fresh {
		c.resp.Key = h.target
		return outcome
	}
	if h.target != nil {
		return replay.Reject(apierrors.ErrKeyAlreadyExists)
	}
	if h.source == nil {
		return replay.Reject(apierrors.ErrKeyNotFound)
	}
	return replay.Outcome{Kind: replay.Fresh}
}

func (h *renameKey) mutate(ctx context.Context, c *applyContext) error {
	if err := refuseDirectory(ctx, c, h.to.ObjectID, h.to.LeafName); err != nil {
		return err
	}
	key := h.source
	key.KeyName = resolver.JoinPath(h.to.Segments)
	key.FileName = h.to.LeafName
	key.ParentObjectID = h.to.ObjectID
	key.ModificationTime = c.req.Mtime
	if err := key.SetUpdateID(c.logIndex); err != nil {
		return err
	}
	c.batch.Delete(store.KeyCF, meta.ChildKey(h.from.ObjectID, h.from.LeafName))
	if err := c.batch.Put(store.KeyCF, meta.ChildKey(h.to.ObjectID, h.to.LeafName), key); err != nil {
		return err
	}

	bucket := h.from.Bucket
	bucket.ModificationTime = c.req.Mtime
	if err := putBucket(c, bucket); err != nil {
		return err
	}
	c.resp.Key = key
	return nil
}
