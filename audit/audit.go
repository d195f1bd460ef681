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

package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/cubefs/nsdb/metrics"
	"github.com/cubefs/nsdb/proto"
)

const defaultPoolSize = 4

// Event describes a fresh or rejected apply. Replays never produce one.
type Event struct {
	Op        proto.Op      `json:"op"`
	TraceID   string        `json:"trace_id,omitempty"`
	ClientID  uint64        `json:"client_id"`
	LogIndex  uint64        `json:"log_index"`
	Principal string        `json:"principal"`
	Resource  string        `json:"resource"`
	Status    proto.Status  `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Emitter takes events fire-and-forget, Emit must not block the apply path.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

type multi []Emitter

func (m multi) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}

// Multi fans each event out to all emitters in order.
func Multi(emitters ...Emitter) Emitter {
	return multi(emitters)
}

type discard struct{}

func (discard) Emit(context.Context, Event) {}

var Discard Emitter = discard{}

type Config struct {
	PoolSize int `json:"pool_size"`
}

// LogEmitter writes events as json lines through the process logger on a
// small task pool. Events arriving while the pool is saturated are dropped.
type LogEmitter struct {
	pool    taskpool.TaskPool
	dropped uint64

	lock   sync.RWMutex
	closed bool
}

func NewLogEmitter(cfg Config) *LogEmitter {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	return &LogEmitter{pool: taskpool.New(cfg.PoolSize, cfg.PoolSize)}
}

func (l *LogEmitter) Emit(_ context.Context, ev Event) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if l.closed {
		return
	}
	if !l.pool.TryRun(func() {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Warnf("encode audit event of log index %d failed: %s", ev.LogIndex, err)
			return
		}
		log.Info("audit ", string(data))
	}) {
		atomic.AddUint64(&l.dropped, 1)
	}
}

func (l *LogEmitter) Dropped() uint64 {
	return atomic.LoadUint64(&l.dropped)
}

func (l *LogEmitter) Close() {
	l.lock.Lock()
	defer l.lock.Unlock()
	if !l.closed {
		l.closed = true
		l.pool.Close()
	}
}

type metricEmitter struct{}

// MetricEmitter counts events by op and status.
var MetricEmitter Emitter = metricEmitter{}

func (metricEmitter) Emit(_ context.Context, ev Event) {
	metrics.RequestsTotal.WithLabelValues(ev.Op.String(), ev.Status.String()).Inc()
	metrics.ApplyDuration.WithLabelValues(ev.Op.String()).Observe(ev.Duration.Seconds())
}
