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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/nsdb/om/replay"
)

func TestStateMachine(t *testing.T) {
	sm := newStateMachine(nil)
	for _, p := range []Phase{PhaseLocked, PhaseResolved, PhaseFreshApply, PhaseRejected, PhaseUnlocked, PhaseEnqueued} {
		sm.moveTo(p)
	}
	require.True(t, sm.rejected())
	require.Equal(t, PhaseEnqueued, sm.phase)
	require.Len(t, sm.trail, 7)

	sm = newStateMachine(nil)
	sm.moveTo(PhaseRejected)
	sm.moveTo(PhaseUnlocked)
	require.Panics(t, func() { sm.moveTo(PhaseLocked) })

	sm = newStateMachine(nil)
	require.Panics(t, func() { sm.moveTo(PhaseResolved) })

	sm = newStateMachine(nil)
	sm.moveTo(PhaseLocked)
	sm.moveTo(PhaseResolved)
	sm.moveTo(PhaseReplayFull)
	require.Panics(t, func() { sm.moveTo(PhaseRejected) })
	require.Equal(t, PhaseReplayFull, sm.outcome)
}

func TestPhaseOf(t *testing.T) {
	require.Equal(t, PhaseFreshApply, phaseOf(replay.Fresh))
	require.Equal(t, PhaseReplayFull, phaseOf(replay.ReplayFull))
	require.Equal(t, PhaseReplayPartial, phaseOf(replay.ReplayPartial))
	require.Equal(t, PhaseRejected, phaseOf(replay.Rejected))
	require.Equal(t, "FRESH_APPLY", PhaseFreshApply.String())
}
