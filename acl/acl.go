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

package acl

import (
	"context"
	"strings"
)

type Action uint8

const (
	ActionCreate Action = iota + 1
	ActionWrite
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "CREATE"
	case ActionWrite:
		return "WRITE"
	case ActionDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Checker decides whether principal may perform action on resourcePath,
// a slash separated path like "vol/bucket/key".
type Checker interface {
	Check(ctx context.Context, principal, resourcePath string, action Action) (bool, error)
}

type allowAll struct{}

func (allowAll) Check(context.Context, string, string, Action) (bool, error) {
	return true, nil
}

// AllowAll grants every request, used when access control is disabled.
var AllowAll Checker = allowAll{}

// ResourcePath joins the non empty parts of a resource.
func ResourcePath(parts ...string) string {
	ret := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			ret = append(ret, p)
		}
	}
	return strings.Join(ret, "/")
}

// DenyList refuses every action of the listed principals and allows the
// rest. It serves as the static checker configured on the server.
type DenyList struct {
	principals map[string]struct{}
}

func NewDenyList(principals []string) *DenyList {
	d := &DenyList{principals: make(map[string]struct{}, len(principals))}
	for _, p := range principals {
		d.principals[p] = struct{}{}
	}
	return d
}

func (d *DenyList) Check(_ context.Context, principal, _ string, _ Action) (bool, error) {
	_, denied := d.principals[principal]
	return !denied, nil
}
