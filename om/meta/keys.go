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

package meta

import (
	"strconv"
	"strings"
)

// table keys
// volume:          /{volume}
// bucket:          /{volume}/{bucket}
// directory, key:  {parentObjectID}/{name}
// open key:        {parentObjectID}/{name}/{clientID}
// deleted key:     {objectID}/{updateID}

const keySeparator = "/"

func VolumeKey(volume string) string {
	return keySeparator + volume
}

func BucketKey(volume, bucket string) string {
	return keySeparator + volume + keySeparator + bucket
}

// BucketPrefix is the common prefix of all bucket keys of volume
func BucketPrefix(volume string) string {
	return keySeparator + volume + keySeparator
}

func ChildKey(parentObjectID uint64, name string) string {
	return ChildPrefix(parentObjectID) + name
}

// ChildPrefix is the common prefix of every directory and key under parentObjectID
func ChildPrefix(parentObjectID uint64) string {
	return strconv.FormatUint(parentObjectID, 10) + keySeparator
}

func OpenKey(parentObjectID uint64, name string, clientID uint64) string {
	return ChildKey(parentObjectID, name) + keySeparator + strconv.FormatUint(clientID, 10)
}

func DeletedKey(objectID, updateID uint64) string {
	return strconv.FormatUint(objectID, 10) + keySeparator + strconv.FormatUint(updateID, 10)
}

// ChildName extracts the child name from a directory or key table key
func ChildName(key string) string {
	if i := strings.Index(key, keySeparator); i >= 0 {
		return key[i+1:]
	}
	return key
}
