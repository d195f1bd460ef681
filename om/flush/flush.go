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
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"golang.org/x/time/rate"

	"github.com/cubefs/nsdb/metrics"
	"github.com/cubefs/nsdb/om/store"
	"github.com/cubefs/nsdb/proto"
)

const (
	defaultMaxBatchSize    = 1000
	defaultFlushIntervalMs = 10
	defaultRetryIntervalMs = 100
)

var ErrUnflushed = errors.New("flush engine closed with entries not yet durable")

type (
	Config struct {
		// MaxBatchSize triggers a flush once this many entries are buffered
		MaxBatchSize    int `json:"max_batch_size"`
		FlushIntervalMs int `json:"flush_interval_ms"`
		RetryIntervalMs int `json:"retry_interval_ms"`
	}

	// Writer persists mutations and the applied index in one atomic write
	Writer interface {
		BatchWrite(ctx context.Context, mutations []store.Mutation, appliedIndex uint64) error
	}

	// EvictFunc releases the cache overlay entries of a durable log entry
	EvictFunc func(mutations []store.Mutation, logIndex uint64)

	Stats struct {
		Buffered         int    `json:"buffered"`
		InFlight         int    `json:"in_flight"`
		LastFlushedIndex uint64 `json:"last_flushed_index"`
		Batches          uint64 `json:"batches"`
		WriteFailures    uint64 `json:"write_failures"`
	}

	entry struct {
		logIndex  uint64
		mutations []store.Mutation
		pending   *Pending
	}
)

func (cfg *Config) init() {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.FlushIntervalMs <= 0 {
		cfg.FlushIntervalMs = defaultFlushIntervalMs
	}
	if cfg.RetryIntervalMs <= 0 {
		cfg.RetryIntervalMs = defaultRetryIntervalMs
	}
}

// Engine buffers applied log entries and persists them in the background.
// Entries are written in log index order: a batch only contains entries below
// the lowest index that has begun applying but is not yet enqueued.
type Engine struct {
	cfg     Config
	writer  Writer
	evict   EvictFunc
	limiter *rate.Limiter

	lock sync.Mutex
	// double buffer, current receives entries while idle is being flushed
	current []*entry
	idle    []*entry
	// log indexes begun but not yet enqueued or aborted
	inflight *treemap.Map
	closed   bool

	lastFlushed   uint64
	batches       uint64
	writeFailures uint64

	notifyC chan struct{}
	done    chan struct{}
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewEngine(cfg Config, writer Writer, evict EvictFunc, lastFlushed uint64) *Engine {
	cfg.init()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		writer:      writer,
		evict:       evict,
		limiter:     rate.NewLimiter(rate.Every(time.Duration(cfg.RetryIntervalMs)*time.Millisecond), 1),
		current:     make([]*entry, 0, cfg.MaxBatchSize),
		idle:        make([]*entry, 0, cfg.MaxBatchSize),
		inflight:    treemap.NewWith(utils.UInt64Comparator),
		lastFlushed: lastFlushed,
		notifyC:     make(chan struct{}, 1),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	metrics.LastFlushedIndex.Set(float64(lastFlushed))
	go e.run()
	return e
}

// Begin registers logIndex as being applied. Entries above it are held back
// until it is enqueued or aborted. Callers register indexes in log order.
func (e *Engine) Begin(logIndex uint64) {
	e.lock.Lock()
	e.inflight.Put(logIndex, struct{}{})
	e.lock.Unlock()
}

// Abort withdraws a begun logIndex that will not be enqueued.
func (e *Engine) Abort(logIndex uint64) {
	e.lock.Lock()
	e.inflight.Remove(logIndex)
	e.lock.Unlock()
	e.notify()
}

// Enqueue hands the result of applying logIndex to the engine and returns at
// once. The returned Pending is released after the mutations are durable.
func (e *Engine) Enqueue(logIndex uint64, mutations []store.Mutation, resp *proto.Response) *Pending {
	p := newPending(logIndex, resp)

	e.lock.Lock()
	e.inflight.Remove(logIndex)
	e.current = append(e.current, &entry{logIndex: logIndex, mutations: mutations, pending: p})
	full := len(e.current) >= e.cfg.MaxBatchSize
	e.lock.Unlock()

	metrics.FlushPendingEntries.Inc()
	if full {
		e.notify()
	}
	return p
}

func (e *Engine) LastFlushedIndex() uint64 {
	return atomic.LoadUint64(&e.lastFlushed)
}

func (e *Engine) Stats() Stats {
	e.lock.Lock()
	defer e.lock.Unlock()
	return Stats{
		Buffered:         len(e.current),
		InFlight:         e.inflight.Size(),
		LastFlushedIndex: atomic.LoadUint64(&e.lastFlushed),
		Batches:          atomic.LoadUint64(&e.batches),
		WriteFailures:    atomic.LoadUint64(&e.writeFailures),
	}
}

// Close flushes what is buffered and stops the engine. When ctx ends first
// the pending write is abandoned and ErrUnflushed is returned, entries not yet
// durable stay unreleased.
func (e *Engine) Close(ctx context.Context) error {
	e.lock.Lock()
	if e.closed {
		e.lock.Unlock()
		<-e.stopped
		return nil
	}
	e.closed = true
	e.lock.Unlock()

	close(e.done)
	select {
	case <-e.stopped:
	case <-ctx.Done():
		e.cancel()
		<-e.stopped
	}
	e.cancel()

	e.lock.Lock()
	defer e.lock.Unlock()
	if len(e.current) > 0 {
		return ErrUnflushed
	}
	return nil
}

func (e *Engine) notify() {
	select {
	case e.notifyC <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	defer close(e.stopped)
	ticker := time.NewTicker(time.Duration(e.cfg.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.notifyC:
		case <-ticker.C:
		case <-e.done:
			e.drain()
			return
		}
		e.flush()
	}
}

// drain flushes until the buffer is empty or nothing more can be written.
func (e *Engine) drain() {
	for e.ctx.Err() == nil {
		if n := e.flush(); n == 0 {
			return
		}
	}
}

// flush swaps the buffers and writes the entries below the in-flight
// watermark, the rest goes back to the new current buffer. It returns the
// number of entries made durable.
func (e *Engine) flush() int {
	e.lock.Lock()
	if len(e.current) == 0 {
		e.lock.Unlock()
		return 0
	}
	batch := e.current
	e.current = e.idle[:0]
	e.idle = nil

	sort.Slice(batch, func(i, j int) bool { return batch[i].logIndex < batch[j].logIndex })
	watermark := uint64(math.MaxUint64)
	if lowest, _ := e.inflight.Min(); lowest != nil {
		watermark = lowest.(uint64)
	}
	n := sort.Search(len(batch), func(i int) bool { return batch[i].logIndex >= watermark })
	// held back entries keep their place ahead of newer arrivals
	e.current = append(e.current, batch[n:]...)
	e.lock.Unlock()

	ready := batch[:n]
	if len(ready) > 0 && !e.write(ready) {
		// abandoned on close, keep them buffered and unreleased
		e.lock.Lock()
		e.current = append(e.current, ready...)
		e.lock.Unlock()
		return 0
	}

	for i := range batch {
		batch[i] = nil
	}
	e.lock.Lock()
	e.idle = batch[:0]
	e.lock.Unlock()
	return n
}

// write persists entries, retrying the same batch until it succeeds. It
// returns false only when the engine is closed with the write still failing.
func (e *Engine) write(entries []*entry) bool {
	span, ctx := trace.StartSpanFromContext(e.ctx, "flush")
	defer span.Finish()

	size := 0
	for _, en := range entries {
		size += len(en.mutations)
	}
	mutations := make([]store.Mutation, 0, size)
	for _, en := range entries {
		mutations = append(mutations, en.mutations...)
	}
	appliedIndex := entries[len(entries)-1].logIndex
	if last := atomic.LoadUint64(&e.lastFlushed); last > appliedIndex {
		// a redelivered entry never moves the applied index back
		appliedIndex = last
	}

	start := time.Now()
	for {
		err := e.writer.BatchWrite(ctx, mutations, appliedIndex)
		if err == nil {
			break
		}
		atomic.AddUint64(&e.writeFailures, 1)
		metrics.FlushFailuresTotal.Inc()
		span.Errorf("write batch of log index [%d, %d] failed: %s", entries[0].logIndex, entries[len(entries)-1].logIndex, errors.Detail(err))
		if err = e.limiter.Wait(ctx); err != nil {
			span.Warnf("stop retrying batch of log index [%d, %d]: %s", entries[0].logIndex, entries[len(entries)-1].logIndex, err)
			return false
		}
	}
	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	metrics.FlushBatchSize.Observe(float64(len(entries)))

	atomic.StoreUint64(&e.lastFlushed, appliedIndex)
	atomic.AddUint64(&e.batches, 1)
	metrics.LastFlushedIndex.Set(float64(appliedIndex))
	span.Debugf("flushed %d entries with %d mutations up to log index %d", len(entries), len(mutations), appliedIndex)

	for _, en := range entries {
		if e.evict != nil {
			e.evict(en.mutations, en.logIndex)
		}
		en.pending.release()
	}
	metrics.FlushPendingEntries.Sub(float64(len(entries)))
	return true
}
