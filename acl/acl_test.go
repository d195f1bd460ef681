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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResourcePath(t *testing.T) {
	require.Equal(t, "vol", ResourcePath("vol", "", ""))
	require.Equal(t, "vol/bucket/a/b", ResourcePath("vol", "bucket", "/a/b/"))
}

func TestCheckers(t *testing.T) {
	ctx := context.TODO()
	ok, err := AllowAll.Check(ctx, "anyone", "vol", ActionCreate)
	require.NoError(t, err)
	require.True(t, ok)

	d := NewDenyList([]string{"mallory"})
	ok, err = d.Check(ctx, "mallory", "vol/bucket", ActionWrite)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = d.Check(ctx, "alice", "vol/bucket", ActionDelete)
	require.NoError(t, err)
	require.True(t, ok)
}
