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

package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const maxReaders = 1 << 20

const (
	VolumeLock Resource = iota + 1
	BucketLock
)

var (
	ErrMultipleResources = errors.New("owner already holds a lock on another resource")
	ErrLockUpgrade       = errors.New("can not upgrade a shared lock to exclusive")
	ErrInvalidResource   = errors.New("invalid lock resource")
	ErrInvalidOwner      = errors.New("lock owner must not be zero")
)

type (
	Resource uint8

	resourceKey struct {
		resource Resource
		name     string
	}

	resourceLock struct {
		sem *semaphore.Weighted
		// holders and waiters of sem
		refs int

		writer      uint64
		writerDepth int
		readers     map[uint64]int
	}

	ownerHold struct {
		key   resourceKey
		count int
	}
)

func (r Resource) String() string {
	switch r {
	case VolumeLock:
		return "VOLUME_LOCK"
	case BucketLock:
		return "BUCKET_LOCK"
	default:
		return "UNKNOWN_LOCK"
	}
}

func (r Resource) idCount() int {
	switch r {
	case VolumeLock:
		return 1
	case BucketLock:
		return 2
	default:
		return 0
	}
}

// Manager hands out reentrant read/write locks on named resources. Lock
// entries exist only while held or waited for. An owner may hold locks on a
// single resource at a time.
type Manager struct {
	lock   sync.Mutex
	locks  map[resourceKey]*resourceLock
	owners map[uint64]*ownerHold
}

func NewManager() *Manager {
	return &Manager{
		locks:  make(map[resourceKey]*resourceLock),
		owners: make(map[uint64]*ownerHold),
	}
}

// Acquire takes the exclusive lock of resource identified by ids, blocking
// until no other owner holds it or ctx is done.
func (m *Manager) Acquire(ctx context.Context, owner uint64, resource Resource, ids ...string) (*Handle, error) {
	return m.acquire(ctx, owner, true, resource, ids)
}

// AcquireRead takes the shared lock of resource identified by ids.
func (m *Manager) AcquireRead(ctx context.Context, owner uint64, resource Resource, ids ...string) (*Handle, error) {
	return m.acquire(ctx, owner, false, resource, ids)
}

func (m *Manager) acquire(ctx context.Context, owner uint64, exclusive bool, resource Resource, ids []string) (*Handle, error) {
	if resource.idCount() == 0 || len(ids) != resource.idCount() {
		return nil, ErrInvalidResource
	}
	if owner == 0 {
		return nil, ErrInvalidOwner
	}
	key := resourceKey{resource: resource, name: strings.Join(ids, "/")}
	h := &Handle{m: m, owner: owner, key: key, exclusive: exclusive}

	m.lock.Lock()
	if hold, ok := m.owners[owner]; ok {
		if hold.key != key {
			m.lock.Unlock()
			return nil, ErrMultipleResources
		}
		rl := m.locks[key]
		switch {
		case rl.writer == owner:
			// a writer may take the lock again in either mode
			rl.writerDepth++
			h.exclusive = true
		case exclusive:
			m.lock.Unlock()
			return nil, ErrLockUpgrade
		default:
			rl.readers[owner]++
		}
		hold.count++
		m.lock.Unlock()
		return h, nil
	}

	rl, ok := m.locks[key]
	if !ok {
		rl = &resourceLock{sem: semaphore.NewWeighted(maxReaders), readers: make(map[uint64]int)}
		m.locks[key] = rl
	}
	rl.refs++
	m.lock.Unlock()

	weight := int64(1)
	if exclusive {
		weight = maxReaders
	}
	if err := rl.sem.Acquire(ctx, weight); err != nil {
		m.lock.Lock()
		m.unref(key, rl)
		m.lock.Unlock()
		return nil, err
	}

	m.lock.Lock()
	if exclusive {
		rl.writer = owner
		rl.writerDepth = 1
	} else {
		rl.readers[owner] = 1
	}
	m.owners[owner] = &ownerHold{key: key, count: 1}
	m.lock.Unlock()
	return h, nil
}

func (m *Manager) release(h *Handle) {
	m.lock.Lock()
	defer m.lock.Unlock()

	rl := m.locks[h.key]
	if rl.writer == h.owner {
		rl.writerDepth--
		if rl.writerDepth == 0 {
			rl.writer = 0
			rl.sem.Release(maxReaders)
			m.unref(h.key, rl)
		}
	} else {
		rl.readers[h.owner]--
		if rl.readers[h.owner] == 0 {
			delete(rl.readers, h.owner)
			rl.sem.Release(1)
			m.unref(h.key, rl)
		}
	}

	hold := m.owners[h.owner]
	hold.count--
	if hold.count == 0 {
		delete(m.owners, h.owner)
	}
}

func (m *Manager) unref(key resourceKey, rl *resourceLock) {
	rl.refs--
	if rl.refs == 0 {
		delete(m.locks, key)
	}
}

// Len returns the number of resources currently locked or waited for.
func (m *Manager) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.locks)
}

// IsHeld reports whether owner holds any lock.
func (m *Manager) IsHeld(owner uint64) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	_, ok := m.owners[owner]
	return ok
}

// Handle is one acquisition of a lock.
type Handle struct {
	m         *Manager
	owner     uint64
	key       resourceKey
	exclusive bool
	released  int32
}

// Release gives the acquisition back. Only the first call has effect.
func (h *Handle) Release() {
	if !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return
	}
	h.m.release(h)
}

func (h *Handle) Resource() Resource {
	return h.key.resource
}

func (h *Handle) Name() string {
	return h.key.name
}

func (h *Handle) Exclusive() bool {
	return h.exclusive
}
