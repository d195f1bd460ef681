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

package applier

import (
	"context"
	"hash/crc32"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"golang.org/x/sync/errgroup"

	"github.com/cubefs/nsdb/om/flush"
	"github.com/cubefs/nsdb/proto"
)

const defaultWorkers = 8

type (
	Config struct {
		Workers int `json:"workers"`
	}

	// Engine applies a single request at its log index
	Engine interface {
		Apply(ctx context.Context, req *proto.Request, logIndex uint64) (*flush.Pending, error)
	}

	// Tracker registers log indexes before they are applied
	Tracker interface {
		Begin(logIndex uint64)
		Abort(logIndex uint64)
	}

	task struct {
		req      *proto.Request
		logIndex uint64
		// position of the result
		pos int
	}
)

// Applier applies committed log entries. Requests on different buckets run
// on parallel workers while requests on one bucket keep their log order.
// Requests that read or change more than one bucket are applied alone.
type Applier struct {
	workers int
	engine  Engine
	tracker Tracker
}

func New(cfg Config, engine Engine, tracker Tracker) *Applier {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Applier{workers: cfg.Workers, engine: engine, tracker: tracker}
}

// isBarrier reports whether the request must not overlap with any other
func isBarrier(req *proto.Request) bool {
	return req.Op.VolumeScoped() || req.Op == proto.OpSetBucketProperty || req.Op == proto.OpUnknown
}

// ApplyCommittedEntries applies entries in log order and returns the
// pending response of every request entry. Entries that carry no request
// are skipped. On error the entries not yet applied are withdrawn and must
// be applied again.
func (a *Applier) ApplyCommittedEntries(ctx context.Context, entries []raftpb.Entry) ([]*flush.Pending, error) {
	span, ctx := trace.StartSpanFromContext(ctx, "apply_committed_entries")
	defer span.Finish()
	start := time.Now()

	tasks := make([]task, 0, len(entries))
	for i := range entries {
		entry := &entries[i]
		if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
			continue
		}
		req := &proto.Request{}
		if err := req.Unmarshal(entry.Data); err != nil {
			// applied as an unknown request so the index still gets a response
			span.Errorf("decode request at log index %d failed: %s", entry.Index, err)
			req = &proto.Request{Op: proto.OpUnknown}
		}
		tasks = append(tasks, task{req: req, logIndex: entry.Index, pos: len(tasks)})
	}
	for i := range tasks {
		a.tracker.Begin(tasks[i].logIndex)
	}

	rets := make([]*flush.Pending, len(tasks))
	segStart := 0
	for i := 0; i <= len(tasks); i++ {
		if i < len(tasks) && !isBarrier(tasks[i].req) {
			continue
		}
		if err := a.applyParallel(ctx, tasks[segStart:i], rets); err != nil {
			a.abort(tasks, rets)
			return nil, err
		}
		if i < len(tasks) {
			if err := a.applyOne(ctx, tasks[i], rets); err != nil {
				a.abort(tasks, rets)
				return nil, err
			}
		}
		segStart = i + 1
	}

	span.Debugf("applied %d requests of %d entries, cost: %dus", len(tasks), len(entries), time.Since(start).Microseconds())
	return rets, nil
}

func (a *Applier) applyOne(ctx context.Context, t task, rets []*flush.Pending) error {
	if t.req.TraceID != "" {
		_, ctx = trace.StartSpanFromContextWithTraceID(ctx, "", t.req.TraceID)
	}
	pending, err := a.engine.Apply(ctx, t.req, t.logIndex)
	if err != nil {
		return err
	}
	rets[t.pos] = pending
	return nil
}

// applyParallel partitions tasks by resource, each partition keeps log order.
func (a *Applier) applyParallel(ctx context.Context, tasks []task, rets []*flush.Pending) error {
	if len(tasks) == 0 {
		return nil
	}
	if len(tasks) == 1 {
		return a.applyOne(ctx, tasks[0], rets)
	}

	partitions := make([][]task, a.workers)
	for _, t := range tasks {
		i := crc32.ChecksumIEEE([]byte(t.req.ResourceName())) % uint32(a.workers)
		partitions[i] = append(partitions[i], t)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range partitions {
		if len(p) == 0 {
			continue
		}
		part := p
		g.Go(func() error {
			for _, t := range part {
				if err := a.applyOne(gctx, t, rets); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *Applier) abort(tasks []task, rets []*flush.Pending) {
	for _, t := range tasks {
		if rets[t.pos] == nil {
			a.tracker.Abort(t.logIndex)
		}
	}
}
