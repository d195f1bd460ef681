// Copyright 2023 The CubeFS Authors.
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

package server

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/cubefs/nsdb/acl"
	"github.com/cubefs/nsdb/audit"
	"github.com/cubefs/nsdb/common/kvstore"
	"github.com/cubefs/nsdb/om/applier"
	"github.com/cubefs/nsdb/om/flush"
	"github.com/cubefs/nsdb/om/meta"
	"github.com/cubefs/nsdb/om/request"
	"github.com/cubefs/nsdb/om/resolver"
	"github.com/cubefs/nsdb/om/store"
	"github.com/cubefs/nsdb/proto"
)

const (
	defaultCloseTimeoutS = 30
	maxListNum           = 1000
)

type Config struct {
	StoreConfig   store.Config    `json:"store_config"`
	FlushConfig   flush.Config    `json:"flush_config"`
	ApplierConfig applier.Config  `json:"applier_config"`
	AuditConfig   audit.Config    `json:"audit_config"`
	AuditLog      auditlog.Config `json:"auditlog"`
	// DeniedPrincipals are refused every mutation
	DeniedPrincipals []string `json:"denied_principals"`
	CloseTimeoutS    int      `json:"close_timeout_s"`
}

type Stats struct {
	NextIndex    uint64         `json:"next_index"`
	Flush        flush.Stats    `json:"flush"`
	CachedTables map[string]int `json:"cached_tables"`
	HeldLocks    int            `json:"held_locks"`
	Store        kvstore.Stats  `json:"store"`
}

// Server hosts one namespace metadata instance. Without a consensus layer in
// front it acts as its own log: requests submitted to Apply get consecutive
// log indexes and go through the same committed entry path.
type Server struct {
	cfg      *Config
	store    *store.Store
	meta     *meta.Manager
	flusher  *flush.Engine
	engine   *request.Engine
	applier  *applier.Applier
	resolver *resolver.Resolver
	emitter  *audit.LogEmitter

	auditLogHandler  rpc.ProgressHandler
	auditLogRecorder auditlog.LogCloser

	applyLock sync.Mutex
	nextIndex uint64
}

func NewServer(ctx context.Context, cfg *Config) *Server {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.CloseTimeoutS <= 0 {
		cfg.CloseTimeoutS = defaultCloseTimeoutS
	}

	s, err := store.NewStore(ctx, &cfg.StoreConfig)
	if err != nil {
		span.Fatalf("open store failed: %s", errors.Detail(err))
	}
	lastApplied, err := s.LastAppliedIndex(ctx)
	if err != nil {
		span.Fatalf("load last applied index failed: %s", errors.Detail(err))
	}

	var checker acl.Checker = acl.AllowAll
	if len(cfg.DeniedPrincipals) > 0 {
		checker = acl.NewDenyList(cfg.DeniedPrincipals)
	}

	m := meta.NewManager(s)
	flusher := flush.NewEngine(cfg.FlushConfig, s, m.Evict, lastApplied)
	emitter := audit.NewLogEmitter(cfg.AuditConfig)
	engine := request.NewEngine(m, flusher, checker, audit.Multi(audit.MetricEmitter, emitter))

	server := &Server{
		cfg:       cfg,
		store:     s,
		meta:      m,
		flusher:   flusher,
		engine:    engine,
		applier:   applier.New(cfg.ApplierConfig, engine, flusher),
		resolver:  resolver.New(m),
		emitter:   emitter,
		nextIndex: lastApplied + 1,
	}
	if cfg.AuditLog.LogDir != "" {
		server.auditLogHandler, server.auditLogRecorder, err = auditlog.Open("NSDB", &cfg.AuditLog)
		if err != nil {
			span.Fatalf("open audit log failed: %s", errors.Detail(err))
		}
	}

	span.Infof("server started, last applied index: %d", lastApplied)
	return server
}

// Apply submits requests as consecutive log entries and returns their
// pending responses in order. On error a prefix of the requests may have been
// applied, their indexes are never handed out again.
func (s *Server) Apply(ctx context.Context, reqs []*proto.Request) ([]*flush.Pending, error) {
	s.applyLock.Lock()
	defer s.applyLock.Unlock()

	entries := make([]raftpb.Entry, 0, len(reqs))
	for i, req := range reqs {
		data, err := req.Marshal()
		if err != nil {
			return nil, errors.Info(err, "encode request failed")
		}
		entries = append(entries, raftpb.Entry{
			Type:  raftpb.EntryNormal,
			Index: s.nextIndex + uint64(i),
			Data:  data,
		})
	}
	rets, err := s.applier.ApplyCommittedEntries(ctx, entries)
	s.nextIndex += uint64(len(entries))
	if err != nil {
		return nil, err
	}
	return rets, nil
}

func (s *Server) LookupKey(ctx context.Context, volume, bucket, key string) (*proto.KeyInfo, error) {
	return s.resolver.LookupKey(ctx, volume, bucket, key)
}

func (s *Server) ListChildren(ctx context.Context, volume, bucket, dirPath string, count int) ([]resolver.Child, error) {
	if count <= 0 || count > maxListNum {
		count = maxListNum
	}
	return s.resolver.ListChildren(ctx, volume, bucket, dirPath, count)
}

func (s *Server) Stats(ctx context.Context) (*Stats, error) {
	storeStats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	cached := make(map[string]int)
	for cf, n := range s.meta.CachedEntries() {
		cached[cf.String()] = n
	}

	s.applyLock.Lock()
	next := s.nextIndex
	s.applyLock.Unlock()
	return &Stats{
		NextIndex:    next,
		Flush:        s.flusher.Stats(),
		CachedTables: cached,
		HeldLocks:    s.meta.Locks().Len(),
		Store:        storeStats,
	}, nil
}

// Close stops taking requests and waits for what was applied to become durable.
func (s *Server) Close() {
	span, ctx := trace.StartSpanFromContext(context.Background(), "close")
	s.applyLock.Lock()
	defer s.applyLock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.CloseTimeoutS)*time.Second)
	defer cancel()
	if err := s.flusher.Close(ctx); err != nil {
		span.Errorf("close flush engine: %s, %d entries are not durable", err, s.flusher.Stats().Buffered)
	}
	s.emitter.Close()
	if s.auditLogRecorder != nil {
		s.auditLogRecorder.Close()
	}
	s.store.Close()
	span.Info("server closed")
}
