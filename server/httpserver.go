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
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/cubefs/nsdb/errors"
	"github.com/cubefs/nsdb/metrics"
	"github.com/cubefs/nsdb/proto"
)

const (
	defaultShutdownTimeoutS      = 30
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type (
	ApplyArgs struct {
		Requests []*proto.Request `json:"requests"`
		// Wait blocks until the responses are durable
		Wait bool `json:"wait"`
	}
	ApplyRet struct {
		Responses []*proto.Response `json:"responses"`
	}
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	handlers := []rpc.ProgressHandler{profile.NewProfileHandler(addr)}
	if h.auditLogHandler != nil {
		handlers = append([]rpc.ProgressHandler{h.auditLogHandler}, handlers...)
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), handlers...),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	router := rpc.New()
	router.Handle(http.MethodGet, "/stats", h.Stats)
	router.Handle(http.MethodGet, "/metrics", h.Metrics)
	router.Handle(http.MethodPost, "/apply", h.Apply)
	router.Handle(http.MethodGet, "/key", h.Key)
	router.Handle(http.MethodGet, "/list", h.List)

	return router
}

func (h *HttpServer) Stats(c *rpc.Context) {
	stats, err := h.Server.Stats(c.Request.Context())
	if err != nil {
		c.RespondError(err)
		return
	}
	c.RespondJSON(stats)
}

func (h *HttpServer) Metrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

func (h *HttpServer) Apply(c *rpc.Context) {
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), "http_apply")
	defer span.Finish()

	args := &ApplyArgs{}
	if err := json.NewDecoder(c.Request.Body).Decode(args); err != nil {
		c.RespondError(rpc.NewError(http.StatusBadRequest, "BadRequest", err))
		return
	}
	if len(args.Requests) == 0 {
		c.RespondError(rpc.NewError(http.StatusBadRequest, "BadRequest", apierrors.ErrInvalidRequest))
		return
	}
	mtime := time.Now().UnixNano()
	for _, req := range args.Requests {
		if req.Mtime == 0 {
			req.Mtime = mtime
		}
		if req.TraceID == "" {
			req.TraceID = span.TraceID()
		}
	}

	pendings, err := h.Server.Apply(ctx, args.Requests)
	if err != nil {
		span.Errorf("apply %d requests failed: %s", len(args.Requests), err)
		c.RespondError(err)
		return
	}
	ret := &ApplyRet{Responses: make([]*proto.Response, 0, len(pendings))}
	for _, p := range pendings {
		resp := p.Response()
		if args.Wait {
			if resp, err = p.Wait(ctx); err != nil {
				c.RespondError(rpc.NewError(http.StatusGatewayTimeout, "NotDurable", err))
				return
			}
		}
		ret.Responses = append(ret.Responses, resp)
	}
	c.RespondJSON(ret)
}

func (h *HttpServer) Key(c *rpc.Context) {
	query := c.Request.URL.Query()
	key, err := h.LookupKey(c.Request.Context(), query.Get("volume"), query.Get("bucket"), query.Get("key"))
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.RespondJSON(key)
}

func (h *HttpServer) List(c *rpc.Context) {
	query := c.Request.URL.Query()
	count := 0
	if s := query.Get("count"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			c.RespondError(rpc.NewError(http.StatusBadRequest, "BadRequest", err))
			return
		}
		count = n
	}
	children, err := h.ListChildren(c.Request.Context(), query.Get("volume"), query.Get("bucket"), query.Get("path"), count)
	if err != nil {
		respondLookupError(c, err)
		return
	}
	c.RespondJSON(children)
}

func respondLookupError(c *rpc.Context, err error) {
	status := apierrors.StatusOf(err)
	code := http.StatusInternalServerError
	switch status {
	case proto.StatusVolumeNotFound, proto.StatusBucketNotFound, proto.StatusDirectoryNotFound, proto.StatusKeyNotFound:
		code = http.StatusNotFound
	case proto.StatusInvalidRequest:
		code = http.StatusBadRequest
	}
	c.RespondError(rpc.NewError(code, status.String(), err))
}
