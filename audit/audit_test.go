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
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/nsdb/metrics"
	"github.com/cubefs/nsdb/proto"
)

type recorder struct {
	events []Event
}

func (r *recorder) Emit(_ context.Context, ev Event) {
	r.events = append(r.events, ev)
}

func TestMulti(t *testing.T) {
	r1, r2 := &recorder{}, &recorder{}
	e := Multi(r1, Discard, r2)
	e.Emit(context.TODO(), Event{Op: proto.OpCommitKey, LogIndex: 7})
	require.Len(t, r1.events, 1)
	require.Len(t, r2.events, 1)
	require.Equal(t, uint64(7), r2.events[0].LogIndex)
}

func TestLogEmitter(t *testing.T) {
	l := NewLogEmitter(Config{PoolSize: 1})
	for i := 0; i < 10; i++ {
		l.Emit(context.TODO(), Event{Op: proto.OpCreateKey, LogIndex: uint64(i), Status: proto.StatusOK})
	}
	l.Close()
	// emitting after close is a no-op
	l.Emit(context.TODO(), Event{Op: proto.OpCreateKey})
	l.Close()
	require.LessOrEqual(t, l.Dropped(), uint64(10))
}

func TestMetricEmitter(t *testing.T) {
	counter := metrics.RequestsTotal.WithLabelValues(proto.OpDeleteKey.String(), proto.StatusKeyNotFound.String())
	before := testutil.ToFloat64(counter)
	MetricEmitter.Emit(context.TODO(), Event{Op: proto.OpDeleteKey, Status: proto.StatusKeyNotFound})
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}
