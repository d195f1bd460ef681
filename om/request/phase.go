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
	"fmt"

	"github.com/cubefs/nsdb/om/replay"
)

// Phase is a step of applying one request.
type Phase uint8

const (
	PhaseReceived Phase = iota + 1
	PhaseLocked
	PhaseResolved
	PhaseFreshApply
	PhaseReplayFull
	PhaseReplayPartial
	PhaseRejected
	PhaseUnlocked
	PhaseEnqueued
)

var phaseNames = map[Phase]string{
	PhaseReceived:      "RECEIVED",
	PhaseLocked:        "LOCKED",
	PhaseResolved:      "RESOLVED",
	PhaseFreshApply:    "FRESH_APPLY",
	PhaseReplayFull:    "REPLAY_FULL",
	PhaseReplayPartial: "REPLAY_PARTIAL",
	PhaseRejected:      "REJECTED",
	PhaseUnlocked:      "UNLOCKED",
	PhaseEnqueued:      "ENQUEUED",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// a request may be rejected before it holds the lock, it still passes
// through UNLOCKED on the way out
var transitions = map[Phase][]Phase{
	PhaseReceived:      {PhaseLocked, PhaseRejected},
	PhaseLocked:        {PhaseResolved, PhaseRejected},
	PhaseResolved:      {PhaseFreshApply, PhaseReplayFull, PhaseReplayPartial, PhaseRejected},
	PhaseFreshApply:    {PhaseUnlocked, PhaseRejected},
	PhaseReplayFull:    {PhaseUnlocked},
	PhaseReplayPartial: {PhaseUnlocked, PhaseRejected},
	PhaseRejected:      {PhaseUnlocked},
	PhaseUnlocked:      {PhaseEnqueued},
}

func phaseOf(kind replay.Kind) Phase {
	switch kind {
	case replay.Fresh:
		return PhaseFreshApply
	case replay.ReplayFull:
		return PhaseReplayFull
	case replay.ReplayPartial:
		return PhaseReplayPartial
	default:
		return PhaseRejected
	}
}

type stateMachine struct {
	phase Phase
	// outcome is the last classification phase entered
	outcome Phase
	trail   []Phase
	// observe is called after every transition, may be nil
	observe func(Phase)
}

func newStateMachine(observe func(Phase)) *stateMachine {
	return &stateMachine{phase: PhaseReceived, trail: []Phase{PhaseReceived}, observe: observe}
}

// moveTo panics on a transition the table does not allow, it is a bug in
// the engine rather than a property of the request.
func (s *stateMachine) moveTo(next Phase) {
	for _, p := range transitions[s.phase] {
		if p == next {
			s.phase = next
			s.trail = append(s.trail, next)
			switch next {
			case PhaseFreshApply, PhaseReplayFull, PhaseReplayPartial, PhaseRejected:
				s.outcome = next
			}
			if s.observe != nil {
				s.observe(next)
			}
			return
		}
	}
	panic(fmt.Sprintf("invalid request phase transition %s -> %s", s.phase, next))
}

func (s *stateMachine) rejected() bool {
	return s.outcome == PhaseRejected
}
