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

package errors

import (
	"errors"

	"github.com/cubefs/nsdb/proto"
)

var (
	ErrVolumeNotFound    = errors.New("volume not found")
	ErrBucketNotFound    = errors.New("bucket not found")
	ErrDirectoryNotFound = errors.New("directory not found")
	ErrKeyNotFound       = errors.New("key not found")
	ErrParentNotFound    = errors.New("parent directory not found")

	ErrVolumeAlreadyExists    = errors.New("volume already exists")
	ErrBucketAlreadyExists    = errors.New("bucket already exists")
	ErrDirectoryAlreadyExists = errors.New("directory already exists")
	ErrKeyAlreadyExists       = errors.New("key already exists")
	ErrFileExistsInPath       = errors.New("a file exists in the given path")

	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidPath      = errors.New("invalid path")
	ErrUnknownOp        = errors.New("unknown request op")
)

var statusMap = []struct {
	err    error
	status proto.Status
}{
	{ErrVolumeNotFound, proto.StatusVolumeNotFound},
	{ErrBucketNotFound, proto.StatusBucketNotFound},
	{ErrDirectoryNotFound, proto.StatusDirectoryNotFound},
	// a missing parent or a missing staged record surfaces as key not found
	{ErrKeyNotFound, proto.StatusKeyNotFound},
	{ErrParentNotFound, proto.StatusKeyNotFound},
	{ErrVolumeAlreadyExists, proto.StatusVolumeAlreadyExists},
	{ErrBucketAlreadyExists, proto.StatusBucketAlreadyExists},
	{ErrDirectoryAlreadyExists, proto.StatusDirectoryAlreadyExists},
	{ErrKeyAlreadyExists, proto.StatusKeyAlreadyExists},
	{ErrFileExistsInPath, proto.StatusInvalidRequest},
	{ErrQuotaExceeded, proto.StatusQuotaExceeded},
	{ErrPermissionDenied, proto.StatusPermissionDenied},
	{ErrInvalidRequest, proto.StatusInvalidRequest},
	{ErrInvalidPath, proto.StatusInvalidRequest},
	{ErrUnknownOp, proto.StatusInvalidRequest},
}

// StatusOf maps an apply error to the status returned to the client.
// Errors outside the taxonomy are internal errors.
func StatusOf(err error) proto.Status {
	if err == nil {
		return proto.StatusOK
	}
	for _, m := range statusMap {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return proto.StatusInternalError
}
