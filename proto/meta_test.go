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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectIDFromIndex(t *testing.T) {
	seen := make(map[uint64]struct{})
	for idx := uint64(1); idx <= 100; idx++ {
		for offset := 0; offset < 4; offset++ {
			id := ObjectIDFromIndex(idx, offset)
			_, ok := seen[id]
			require.False(t, ok)
			seen[id] = struct{}{}
		}
	}
	require.Less(t, ObjectIDFromIndex(10, MaxObjectIDOffset), ObjectIDFromIndex(11, 0))
	require.Equal(t, ObjectIDFromIndex(10, 0)+1, ObjectIDFromIndex(10, 1))
}

func TestSetUpdateID(t *testing.T) {
	key := &KeyInfo{UpdateID: 10}
	require.NoError(t, key.SetUpdateID(10))
	require.NoError(t, key.SetUpdateID(12))
	require.Equal(t, uint64(12), key.GetUpdateID())

	err := key.SetUpdateID(11)
	require.Error(t, err)
	regression, ok := err.(*ErrUpdateIDRegression)
	require.True(t, ok)
	require.Equal(t, uint64(12), regression.Current)
	require.Equal(t, uint64(12), key.GetUpdateID())

	var versioned Versioned = &BucketInfo{}
	require.NoError(t, versioned.SetUpdateID(1))
}

func TestKeyInfo_AppendVersion(t *testing.T) {
	key := &KeyInfo{}
	require.Nil(t, key.LatestVersion())

	key.AppendVersion(10, []KeyLocation{{ContainerID: 1}}, false)
	require.Len(t, key.Versions, 1)
	require.Equal(t, uint64(0), key.LatestVersion().Version)

	// unversioned commit replaces
	key.AppendVersion(20, []KeyLocation{{ContainerID: 2}}, false)
	require.Len(t, key.Versions, 1)
	require.Equal(t, uint64(2), key.LatestVersion().Locations[0].ContainerID)
	require.Equal(t, int64(20), key.UsedBytes())

	key.AppendVersion(30, []KeyLocation{{ContainerID: 3}}, true)
	key.AppendVersion(40, []KeyLocation{{ContainerID: 4}}, true)
	require.Len(t, key.Versions, 3)
	require.Equal(t, int64(40), key.DataSize)
	require.Equal(t, int64(90), key.UsedBytes())
	require.Equal(t, uint64(2), key.LatestVersion().Version)
	require.Equal(t, uint64(4), key.LatestVersion().Locations[0].ContainerID)
}

func TestRecordEncodingIsCanonical(t *testing.T) {
	bucket := &BucketInfo{
		Volume:           "vol",
		Name:             "bucket",
		ObjectID:         ObjectIDFromIndex(3, 0),
		UpdateID:         3,
		IsVersionEnabled: true,
		QuotaInBytes:     1 << 30,
	}
	first, err := bucket.Marshal()
	require.NoError(t, err)
	second, err := bucket.Marshal()
	require.NoError(t, err)
	require.Equal(t, first, second)

	decoded := &BucketInfo{}
	require.NoError(t, decoded.Unmarshal(first))
	require.Equal(t, bucket, decoded)

	require.Error(t, decoded.Unmarshal([]byte{0xff, 0x00}))
}

func TestRequestAndStatus(t *testing.T) {
	req := &Request{Op: OpCommitKey, Volume: "vol", Bucket: "bucket", Key: "a/b"}
	require.Equal(t, "vol/bucket", req.ResourceName())
	require.Equal(t, "vol", (&Request{Op: OpCreateBucket, Volume: "vol", Bucket: "b"}).ResourceName())
	require.Equal(t, "CommitKey", OpCommitKey.String())
	require.Equal(t, "Op(200)", Op(200).String())

	data, err := json.Marshal(&Response{Status: StatusQuotaExceeded})
	require.NoError(t, err)
	require.Contains(t, string(data), "QUOTA_EXCEEDED")

	resp := &Response{}
	require.NoError(t, json.Unmarshal(data, resp))
	require.Equal(t, StatusQuotaExceeded, resp.Status)
	require.False(t, resp.OK())
}
