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

package proto

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type Op uint8

const (
	OpUnknown Op = iota
	OpCreateVolume
	OpCreateBucket
	OpSetBucketProperty
	OpCreateDirectory
	OpCreateKey
	OpCommitKey
	OpDeleteKey
	OpRenameKey
)

var opNames = map[Op]string{
	OpUnknown:           "Unknown",
	OpCreateVolume:      "CreateVolume",
	OpCreateBucket:      "CreateBucket",
	OpSetBucketProperty: "SetBucketProperty",
	OpCreateDirectory:   "CreateDirectory",
	OpCreateKey:         "CreateKey",
	OpCommitKey:         "CommitKey",
	OpDeleteKey:         "DeleteKey",
	OpRenameKey:         "RenameKey",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "Op(" + strconv.Itoa(int(o)) + ")"
}

// VolumeScoped reports whether the request serializes on a volume rather than a bucket.
func (o Op) VolumeScoped() bool {
	return o == OpCreateVolume || o == OpCreateBucket
}

type Status int

const (
	StatusOK Status = iota
	StatusVolumeNotFound
	StatusBucketNotFound
	StatusDirectoryNotFound
	StatusKeyNotFound
	StatusVolumeAlreadyExists
	StatusBucketAlreadyExists
	StatusDirectoryAlreadyExists
	StatusKeyAlreadyExists
	StatusQuotaExceeded
	StatusPermissionDenied
	StatusInvalidRequest
	StatusInternalError
)

var statusNames = map[Status]string{
	StatusOK:                     "OK",
	StatusVolumeNotFound:         "VOLUME_NOT_FOUND",
	StatusBucketNotFound:         "BUCKET_NOT_FOUND",
	StatusDirectoryNotFound:      "DIRECTORY_NOT_FOUND",
	StatusKeyNotFound:            "KEY_NOT_FOUND",
	StatusVolumeAlreadyExists:    "VOLUME_ALREADY_EXISTS",
	StatusBucketAlreadyExists:    "BUCKET_ALREADY_EXISTS",
	StatusDirectoryAlreadyExists: "DIRECTORY_ALREADY_EXISTS",
	StatusKeyAlreadyExists:       "KEY_ALREADY_EXISTS",
	StatusQuotaExceeded:          "QUOTA_EXCEEDED",
	StatusPermissionDenied:       "PERMISSION_DENIED",
	StatusInvalidRequest:         "INVALID_REQUEST",
	StatusInternalError:          "INTERNAL_ERROR",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for status, n := range statusNames {
		if n == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", name)
}

type (
	VolumeArgs struct {
		Owner            string `json:"owner"`
		QuotaInBytes     int64  `json:"quota_in_bytes"`
		QuotaInNamespace int64  `json:"quota_in_namespace"`
	}

	// BucketArgs nil fields are left unchanged by SetBucketProperty
	BucketArgs struct {
		IsVersionEnabled *bool  `json:"is_version_enabled,omitempty"`
		QuotaInBytes     *int64 `json:"quota_in_bytes,omitempty"`
		QuotaInNamespace *int64 `json:"quota_in_namespace,omitempty"`
	}

	KeyArgs struct {
		DataSize  int64         `json:"data_size"`
		Locations []KeyLocation `json:"locations"`
	}

	// Request is a namespace mutation as it is carried in a committed log entry.
	// The log index is not part of the request, it is assigned by the log.
	Request struct {
		Op        Op     `json:"op"`
		TraceID   string `json:"trace_id,omitempty"`
		ClientID  uint64 `json:"client_id"`
		Principal string `json:"principal"`
		Volume    string `json:"volume"`
		Bucket    string `json:"bucket,omitempty"`
		// Key is the slash separated path of a key or directory
		Key   string `json:"key,omitempty"`
		ToKey string `json:"to_key,omitempty"`
		// Mtime is stamped by the leader so every replica applies the same time
		Mtime int64 `json:"mtime"`

		VolumeArgs *VolumeArgs `json:"volume_args,omitempty"`
		BucketArgs *BucketArgs `json:"bucket_args,omitempty"`
		KeyArgs    *KeyArgs    `json:"key_args,omitempty"`
	}

	Response struct {
		Op       Op     `json:"op"`
		ClientID uint64 `json:"client_id"`
		LogIndex uint64 `json:"log_index"`
		Status   Status `json:"status"`
		Message  string `json:"message,omitempty"`
		Replay   bool   `json:"replay,omitempty"`

		Volume    *VolumeInfo    `json:"volume,omitempty"`
		Bucket    *BucketInfo    `json:"bucket,omitempty"`
		Directory *DirectoryInfo `json:"directory,omitempty"`
		Key       *KeyInfo       `json:"key,omitempty"`
	}
)

func (r *Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func (r *Request) Unmarshal(data []byte) error {
	return json.Unmarshal(data, r)
}

// ResourceName returns the name of the lockable resource the request touches.
func (r *Request) ResourceName() string {
	if r.Op.VolumeScoped() {
		return r.Volume
	}
	return r.Volume + "/" + r.Bucket
}

func (r *Response) OK() bool {
	return r.Status == StatusOK
}
