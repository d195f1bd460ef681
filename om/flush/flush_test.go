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

package flush

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/nsdb/om/store"
	"github.com/cubefs/nsdb/proto"
	"github.com/cubefs/nsdb/util"
)

var errWrite = errors.New("mock write error")

type writeCall struct {
	keys         []string
	appliedIndex uint64
}

type mockWriter struct {
	lock sync.Mutex
	// fail the next n writes, a negative n fails forever
	failures int
	calls    []writeCall
}

func (w *mockWriter) BatchWrite(ctx context.Context, mutations []store.Mutation, appliedIndex uint64) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.failures != 0 {
		if w.failures > 0 {
			w.failures--
		}
		return errWrite
	}
	call := writeCall{appliedIndex: appliedIndex}
	for _, m := range mutations {
		call.keys = append(call.keys, string(m.Key))
	}
	w.calls = append(w.calls, call)
	return nil
}

func (w *mockWriter) writtenKeys() []string {
	w.lock.Lock()
	defer w.lock.Unlock()
	var keys []string
	for _, c := range w.calls {
		keys = append(keys, c.keys...)
	}
	return keys
}

func (w *mockWriter) setFailures(n int) {
	w.lock.Lock()
	w.failures = n
	w.lock.Unlock()
}

func mutationsOf(keys ...string) []store.Mutation {
	ret := make([]store.Mutation, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, store.Mutation{CF: store.KeyCF, Key: []byte(k), Value: []byte(k)})
	}
	return ret
}

func waitDurable(t *testing.T, p *Pending) *proto.Response {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := p.Wait(ctx)
	require.NoError(t, err)
	return resp
}

func TestEngine_SizeTrigger(t *testing.T) {
	w := &mockWriter{}
	e := NewEngine(Config{MaxBatchSize: 2, FlushIntervalMs: 3600 * 1000}, w, nil, 0)
	defer e.Close(context.Background())

	p1 := e.Enqueue(1, mutationsOf("a"), &proto.Response{LogIndex: 1})
	time.Sleep(20 * time.Millisecond)
	require.False(t, p1.Durable())

	p2 := e.Enqueue(2, mutationsOf("b"), &proto.Response{LogIndex: 2})
	require.Equal(t, uint64(2), waitDurable(t, p2).LogIndex)
	require.True(t, p1.Durable())
	require.Equal(t, []string{"a", "b"}, w.writtenKeys())
	require.Equal(t, uint64(2), e.LastFlushedIndex())
}

func TestEngine_IntervalTrigger(t *testing.T) {
	w := &mockWriter{}
	e := NewEngine(Config{MaxBatchSize: 100, FlushIntervalMs: 5}, w, nil, 10)
	defer e.Close(context.Background())

	require.Equal(t, uint64(10), e.LastFlushedIndex())
	p := e.Enqueue(11, mutationsOf("a"), &proto.Response{LogIndex: 11})
	waitDurable(t, p)
	require.Equal(t, uint64(11), e.LastFlushedIndex())
	require.Equal(t, uint64(1), e.Stats().Batches)
}

func TestEngine_Watermark(t *testing.T) {
	w := &mockWriter{}
	e := NewEngine(Config{MaxBatchSize: 100, FlushIntervalMs: 2}, w, nil, 0)
	defer e.Close(context.Background())

	e.Begin(1)
	e.Begin(2)
	e.Begin(3)
	p3 := e.Enqueue(3, mutationsOf("c"), nil)
	p2 := e.Enqueue(2, mutationsOf("b"), nil)
	time.Sleep(30 * time.Millisecond)
	// 1 is still applying, nothing above it may be written
	require.False(t, p2.Durable())
	require.False(t, p3.Durable())
	require.Empty(t, w.writtenKeys())
	require.Equal(t, 1, e.Stats().InFlight)
	require.Equal(t, 2, e.Stats().Buffered)

	p1 := e.Enqueue(1, mutationsOf("a"), nil)
	waitDurable(t, p3)
	require.True(t, p1.Durable())
	require.True(t, p2.Durable())
	require.Equal(t, []string{"a", "b", "c"}, w.writtenKeys())
	require.Equal(t, uint64(3), e.LastFlushedIndex())
}

func TestEngine_Abort(t *testing.T) {
	w := &mockWriter{}
	e := NewEngine(Config{MaxBatchSize: 100, FlushIntervalMs: 2}, w, nil, 0)
	defer e.Close(context.Background())

	e.Begin(1)
	e.Begin(2)
	p2 := e.Enqueue(2, mutationsOf("b"), nil)
	time.Sleep(20 * time.Millisecond)
	require.False(t, p2.Durable())

	e.Abort(1)
	waitDurable(t, p2)
	require.Equal(t, 0, e.Stats().InFlight)
}

func TestEngine_Retry(t *testing.T) {
	w := &mockWriter{failures: 3}
	e := NewEngine(Config{MaxBatchSize: 1, RetryIntervalMs: 1}, w, nil, 0)
	defer e.Close(context.Background())

	p := e.Enqueue(1, mutationsOf("a", "b"), nil)
	waitDurable(t, p)
	require.Equal(t, uint64(3), e.Stats().WriteFailures)
	// the same batch is retried, never split
	require.Len(t, w.calls, 1)
	require.Equal(t, []string{"a", "b"}, w.calls[0].keys)
}

func TestEngine_Evict(t *testing.T) {
	var (
		lock    sync.Mutex
		evicted []uint64
	)
	evict := func(mutations []store.Mutation, logIndex uint64) {
		lock.Lock()
		evicted = append(evicted, logIndex)
		lock.Unlock()
	}
	e := NewEngine(Config{MaxBatchSize: 2}, &mockWriter{}, evict, 0)
	defer e.Close(context.Background())

	e.Enqueue(5, mutationsOf("a"), nil)
	p := e.Enqueue(6, mutationsOf("b"), nil)
	waitDurable(t, p)

	lock.Lock()
	defer lock.Unlock()
	require.Equal(t, []uint64{5, 6}, evicted)
}

func TestEngine_RedeliveredIndexKeepsAppliedIndex(t *testing.T) {
	w := &mockWriter{}
	e := NewEngine(Config{MaxBatchSize: 1}, w, nil, 20)
	defer e.Close(context.Background())

	p := e.Enqueue(15, nil, nil)
	waitDurable(t, p)
	require.Equal(t, uint64(20), w.calls[0].appliedIndex)
	require.Equal(t, uint64(20), e.LastFlushedIndex())
}

func TestEngine_CloseDrains(t *testing.T) {
	w := &mockWriter{}
	e := NewEngine(Config{MaxBatchSize: 100, FlushIntervalMs: 3600 * 1000}, w, nil, 0)

	var pendings []*Pending
	for i := uint64(1); i <= 3; i++ {
		pendings = append(pendings, e.Enqueue(i, mutationsOf("k"), nil))
	}
	require.NoError(t, e.Close(context.Background()))
	for _, p := range pendings {
		require.True(t, p.Durable())
	}
	// closing twice is fine
	require.NoError(t, e.Close(context.Background()))
}

func TestEngine_CloseUnflushed(t *testing.T) {
	w := &mockWriter{failures: -1}
	e := NewEngine(Config{MaxBatchSize: 1, RetryIntervalMs: 1}, w, nil, 0)

	p := e.Enqueue(1, mutationsOf("a"), nil)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Close(ctx), ErrUnflushed)
	require.False(t, p.Durable())
	require.Equal(t, 1, e.Stats().Buffered)
	require.Zero(t, e.LastFlushedIndex())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer waitCancel()
	_, err := p.Wait(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngine_AtomicBatchOnStore(t *testing.T) {
	ctx := context.Background()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	s, err := store.NewStore(ctx, &store.Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	e := NewEngine(Config{MaxBatchSize: 2, FlushIntervalMs: 3600 * 1000}, s, nil, 0)
	e.Enqueue(10, mutationsOf("k10"), nil)
	p := e.Enqueue(11, []store.Mutation{
		{CF: store.KeyCF, Key: []byte("k11"), Value: []byte("v")},
		{CF: store.OpenKeyCF, Key: []byte("k11/1")},
	}, nil)
	waitDurable(t, p)
	require.NoError(t, e.Close(ctx))

	for _, key := range []string{"k10", "k11"} {
		_, err = s.Get(ctx, store.KeyCF, []byte(key))
		require.NoError(t, err)
	}
	idx, err := s.LastAppliedIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(11), idx)
}

func TestEngine_ConcurrentEnqueue(t *testing.T) {
	w := &mockWriter{}
	e := NewEngine(Config{MaxBatchSize: 8, FlushIntervalMs: 1}, w, nil, 0)

	const n = 200
	for i := uint64(1); i <= n; i++ {
		e.Begin(i)
	}
	var wg sync.WaitGroup
	pendings := make([]*Pending, n+1)
	for i := uint64(1); i <= n; i++ {
		wg.Add(1)
		go func(idx uint64) {
			defer wg.Done()
			pendings[idx] = e.Enqueue(idx, nil, nil)
		}(i)
	}
	wg.Wait()
	waitDurable(t, pendings[n])
	require.NoError(t, e.Close(context.Background()))

	// applied indexes of consecutive batches never go backwards
	var last uint64
	for _, c := range w.calls {
		require.GreaterOrEqual(t, c.appliedIndex, last)
		last = c.appliedIndex
	}
	require.Equal(t, uint64(n), last)
}
