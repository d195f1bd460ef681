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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/nsdb/acl"
	"github.com/cubefs/nsdb/audit"
	apierrors "github.com/cubefs/nsdb/errors"
	"github.com/cubefs/nsdb/metrics"
	"github.com/cubefs/nsdb/om/flush"
	"github.com/cubefs/nsdb/om/lock"
	"github.com/cubefs/nsdb/om/meta"
	"github.com/cubefs/nsdb/om/replay"
	"github.com/cubefs/nsdb/om/resolver"
	"github.com/cubefs/nsdb/om/store"
	"github.com/cubefs/nsdb/proto"
)

type (
	// Flusher takes the applied result of each log index in charge
	Flusher interface {
		Begin(logIndex uint64)
		Abort(logIndex uint64)
		Enqueue(logIndex uint64, mutations []store.Mutation, resp *proto.Response) *flush.Pending
	}

	// handler is the capability set every request type implements. A new
	// handler is created per request so it can carry what it resolved from one
	// step to the next.
	handler interface {
		// preValidate checks the request alone, without namespace state
		preValidate(req *proto.Request) error
		action() acl.Action
		lockOf(req *proto.Request) (lock.Resource, []string)
		// resolve loads the entries the request targets, a missing volume,
		// bucket or parent fails it
		resolve(ctx context.Context, c *applyContext) error
		classify(ctx context.Context, c *applyContext) replay.Outcome
		// mutate stages the effect of a fresh request and fills the response
		mutate(ctx context.Context, c *applyContext) error
		// cleanup stages what a partially replayed request left behind
		cleanup(ctx context.Context, c *applyContext) error
	}

	applyContext struct {
		req      *proto.Request
		logIndex uint64
		m        *meta.Manager
		resolver *resolver.Resolver
		batch    *meta.Batch
		resp     *proto.Response

		nextOffset  int
		createdKeys int
	}
)

var handlers = map[proto.Op]func() handler{
	proto.OpCreateVolume:      func() handler { return &createVolume{} },
	proto.OpCreateBucket:      func() handler { return &createBucket{} },
	proto.OpSetBucketProperty: func() handler { return &setBucketProperty{} },
	proto.OpCreateDirectory:   func() handler { return &createDirectory{} },
	proto.OpCreateKey:         func() handler { return &createKey{} },
	proto.OpCommitKey:         func() handler { return &commitKey{} },
	proto.OpDeleteKey:         func() handler { return &deleteKey{} },
	proto.OpRenameKey:         func() handler { return &renameKey{} },
}

// objectID returns the next object id created by this request.
func (c *applyContext) objectID() (uint64, error) {
	if c.nextOffset > proto.MaxObjectIDOffset {
		return 0, fmt.Errorf("%w: more than %d objects created by one request", apierrors.ErrInvalidRequest, proto.MaxObjectIDOffset+1)
	}
	id := proto.ObjectIDFromIndex(c.logIndex, c.nextOffset)
	c.nextOffset++
	return id, nil
}

// Engine applies ordered requests to the cache overlay and hands the
// results to the flusher.
type Engine struct {
	m        *meta.Manager
	resolver *resolver.Resolver
	flusher  Flusher
	checker  acl.Checker
	emitter  audit.Emitter
	// onPhase observes the phases of every request, nil outside tests
	onPhase func(Phase)
}

func NewEngine(m *meta.Manager, flusher Flusher, checker acl.Checker, emitter audit.Emitter) *Engine {
	if checker == nil {
		checker = acl.AllowAll
	}
	if emitter == nil {
		emitter = audit.Discard
	}
	return &Engine{
		m:        m,
		resolver: resolver.New(m),
		flusher:  flusher,
		checker:  checker,
		emitter:  emitter,
	}
}

// Apply applies req at logIndex and returns the pending response right after
// the cache is updated. An error is returned only when ctx ends while
// waiting for the lock: the request was not applied and must be redelivered.
func (e *Engine) Apply(ctx context.Context, req *proto.Request, logIndex uint64) (*flush.Pending, error) {
	span := trace.SpanFromContextSafe(ctx)
	start := time.Now()

	e.flusher.Begin(logIndex)
	c := &applyContext{
		req:      req,
		logIndex: logIndex,
		m:        e.m,
		resolver: e.resolver,
		batch:    e.m.NewBatch(),
		resp:     &proto.Response{Op: req.Op, ClientID: req.ClientID, LogIndex: logIndex},
	}
	sm := newStateMachine(e.onPhase)

	mutations, err := e.apply(ctx, c, sm)
	if err != nil {
		e.flusher.Abort(logIndex)
		span.Warnf("apply %s at log index %d interrupted: %s", req.Op, logIndex, err)
		return nil, err
	}
	sm.moveTo(PhaseEnqueued)
	pending := e.flusher.Enqueue(logIndex, mutations, c.resp)

	switch sm.outcome {
	case PhaseFreshApply, PhaseRejected:
		if c.createdKeys > 0 {
			metrics.KeysTotal.Add(float64(c.createdKeys))
		}
		e.emitter.Emit(ctx, audit.Event{
			Op:        req.Op,
			TraceID:   req.TraceID,
			ClientID:  req.ClientID,
			LogIndex:  logIndex,
			Principal: req.Principal,
			Resource:  acl.ResourcePath(req.Volume, req.Bucket, req.Key),
			Status:    c.resp.Status,
			Message:   c.resp.Message,
			Duration:  time.Since(start),
		})
	default:
		span.Debugf("%s at log index %d is a replay: %s", req.Op, logIndex, sm.outcome)
	}
	return pending, nil
}

func (e *Engine) apply(ctx context.Context, c *applyContext, sm *stateMachine) ([]store.Mutation, error) {
	span := trace.SpanFromContextSafe(ctx)
	req := c.req

	newHandler, ok := handlers[req.Op]
	if !ok {
		e.reject(ctx, c, sm, apierrors.ErrUnknownOp)
		return nil, nil
	}
	h := newHandler()
	if err := h.preValidate(req); err != nil {
		e.reject(ctx, c, sm, err)
		return nil, nil
	}
	allowed, err := e.checker.Check(ctx, req.Principal, acl.ResourcePath(req.Volume, req.Bucket, req.Key), h.action())
	if err != nil {
		e.reject(ctx, c, sm, errors.Info(err, "check permission failed"))
		return nil, nil
	}
	if !allowed {
		e.reject(ctx, c, sm, apierrors.ErrPermissionDenied)
		return nil, nil
	}

	resource, ids := h.lockOf(req)
	handle, err := e.m.Locks().Acquire(ctx, c.logIndex, resource, ids...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		e.reject(ctx, c, sm, err)
		return nil, nil
	}
	defer handle.Release()
	sm.moveTo(PhaseLocked)

	if err = h.resolve(ctx, c); err != nil {
		handle.Release()
		e.reject(ctx, c, sm, err)
		return nil, nil
	}
	sm.moveTo(PhaseResolved)

	outcome := h.classify(ctx, c)
	sm.moveTo(phaseOf(outcome.Kind))
	switch outcome.Kind {
	case replay.Fresh:
		err = h.mutate(ctx, c)
	case replay.ReplayPartial:
		c.resp.Replay = true
		err = h.cleanup(ctx, c)
	case replay.ReplayFull:
		c.resp.Replay = true
	case replay.Rejected:
		err = outcome.Err
	}
	if err != nil {
		if !sm.rejected() {
			sm.moveTo(PhaseRejected)
		}
		// drop whatever was staged before the failure
		c.batch = e.m.NewBatch()
		c.createdKeys = 0
		c.resp.Replay = false
		e.fail(c, err)
		span.Infof("%s at log index %d rejected: %s", req.Op, c.logIndex, errors.Detail(err))
	}

	mutations := c.batch.Commit(c.logIndex)
	handle.Release()
	sm.moveTo(PhaseUnlocked)
	return mutations, nil
}

// reject fails a request that never reached classification.
func (e *Engine) reject(ctx context.Context, c *applyContext, sm *stateMachine, err error) {
	sm.moveTo(PhaseRejected)
	e.fail(c, err)
	sm.moveTo(PhaseUnlocked)
	trace.SpanFromContextSafe(ctx).Infof("%s at log index %d rejected: %s", c.req.Op, c.logIndex, errors.Detail(err))
}

func (e *Engine) fail(c *applyContext, err error) {
	c.resp.Status = apierrors.StatusOf(err)
	c.resp.Message = err.Error()
	c.resp.Volume, c.resp.Bucket, c.resp.Directory, c.resp.Key = nil, nil, nil, nil
}
