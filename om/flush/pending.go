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

	"github.com/cubefs/nsdb/proto"
)

// Pending is the response of an applied log entry awaiting durability.
// The response is final once applied, it is only not yet guaranteed to
// survive a crash until Done is closed.
type Pending struct {
	logIndex uint64
	resp     *proto.Response
	done     chan struct{}
}

func newPending(logIndex uint64, resp *proto.Response) *Pending {
	return &Pending{logIndex: logIndex, resp: resp, done: make(chan struct{})}
}

func (p *Pending) LogIndex() uint64 {
	return p.logIndex
}

// Response returns the response without waiting for durability.
func (p *Pending) Response() *proto.Response {
	return p.resp
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

func (p *Pending) Durable() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the entry is durable. A ctx error means the entry is
// still pending, not that it failed.
func (p *Pending) Wait(ctx context.Context) (*proto.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.resp, nil
	}
}

func (p *Pending) release() {
	close(p.done)
}
