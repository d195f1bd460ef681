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

package replay

import (
	"context"

	"github.com/cubefs/nsdb/proto"
)

const (
	Fresh Kind = iota + 1
	ReplayFull
	ReplayPartial
	Rejected
)

type (
	Kind uint8

	// Outcome is the classification of one request against the entry it targets.
	// Err is set only for Rejected.
	Outcome struct {
		Kind Kind
		Err  error
	}

	// StagedCheck reports whether the intermediate record a multi-step request
	// consumes still exists. A nil check means the request has no staged step.
	StagedCheck func(ctx context.Context) (bool, error)
)

func (k Kind) String() string {
	switch k {
	case Fresh:
		return "FRESH"
	case ReplayFull:
		return "REPLAY_FULL"
	case ReplayPartial:
		return "REPLAY_PARTIAL"
	case Rejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

func (o Outcome) IsReplay() bool {
	return o.Kind == ReplayFull || o.Kind == ReplayPartial
}

func Reject(err error) Outcome {
	return Outcome{Kind: Rejected, Err: err}
}

// IsReplay reports whether an entry last modified at updateID already carries
// the effect of the request at logIndex.
func IsReplay(updateID, logIndex uint64) bool {
	return updateID >= logIndex
}

// Classify decides how the request at logIndex must be applied given the
// entry it targets. existing is nil when the target does not exist.
func Classify(ctx context.Context, existing proto.Versioned, logIndex uint64, staged StagedCheck) Outcome {
	if existing == nil || !IsReplay(existing.GetUpdateID(), logIndex) {
		return Outcome{Kind: Fresh}
	}
	if staged == nil {
		return Outcome{Kind: ReplayFull}
	}
	ok, err := staged(ctx)
	if err != nil {
		return Reject(err)
	}
	if ok {
		return Outcome{Kind: ReplayPartial}
	}
	return Outcome{Kind: ReplayFull}
}
