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

package util

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenTmpPath(t *testing.T) {
	path, err := GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	require.NotEqual(t, "", path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	other, err := GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(other)
	require.NotEqual(t, path, other)
}

func TestStringsToBytes(t *testing.T) {
	str := "test"
	require.Equal(t, str, string(StringsToBytes(str)))
	require.Nil(t, StringsToBytes(""))
}

func TestBytesToString(t *testing.T) {
	b := []byte("test")
	require.Equal(t, string(b), BytesToString(b))
	require.Equal(t, "", BytesToString(nil))
}
