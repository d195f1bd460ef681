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

import "fmt"

const (
	// objectIDEpoch marks ids allocated by the apply pipeline
	objectIDEpoch = uint64(1) << 62
	// MaxObjectIDOffset bounds the number of objects one log index may create
	MaxObjectIDOffset = 1<<8 - 1
)

// ObjectIDFromIndex derives the immutable object id of the offset-th object
// created by the request applied at logIndex.
// | epoch  | log index | offset |
// | 2 bits | 54 bits   | 8 bits |
func ObjectIDFromIndex(logIndex uint64, offset int) uint64 {
	return objectIDEpoch | (logIndex << 8 & (objectIDEpoch - 1)) | uint64(offset&MaxObjectIDOffset)
}

type (
	// Versioned is implemented by every namespace entry
	Versioned interface {
		GetUpdateID() uint64
		SetUpdateID(logIndex uint64) error
	}

	VolumeInfo struct {
		Name             string `cbor:"n" json:"name"`
		Owner            string `cbor:"o" json:"owner"`
		ObjectID         uint64 `cbor:"oid" json:"object_id"`
		UpdateID         uint64 `cbor:"uid" json:"update_id"`
		QuotaInBytes     int64  `cbor:"qb" json:"quota_in_bytes"`
		QuotaInNamespace int64  `cbor:"qn" json:"quota_in_namespace"`
		UsedNamespace    int64  `cbor:"un" json:"used_namespace"`
		CreationTime     int64  `cbor:"ct" json:"creation_time"`
		ModificationTime int64  `cbor:"mt" json:"modification_time"`
	}

	BucketInfo struct {
		Volume           string `cbor:"v" json:"volume"`
		Name             string `cbor:"n" json:"name"`
		ObjectID         uint64 `cbor:"oid" json:"object_id"`
		UpdateID         uint64 `cbor:"uid" json:"update_id"`
		IsVersionEnabled bool   `cbor:"ve" json:"is_version_enabled"`
		QuotaInBytes     int64  `cbor:"qb" json:"quota_in_bytes"`
		QuotaInNamespace int64  `cbor:"qn" json:"quota_in_namespace"`
		UsedBytes        int64  `cbor:"ub" json:"used_bytes"`
		UsedNamespace    int64  `cbor:"un" json:"used_namespace"`
		CreationTime     int64  `cbor:"ct" json:"creation_time"`
		ModificationTime int64  `cbor:"mt" json:"modification_time"`
	}

	DirectoryInfo struct {
		Name             string `cbor:"n" json:"name"`
		ParentObjectID   uint64 `cbor:"pid" json:"parent_object_id"`
		ObjectID         uint64 `cbor:"oid" json:"object_id"`
		UpdateID         uint64 `cbor:"uid" json:"update_id"`
		CreationTime     int64  `cbor:"ct" json:"creation_time"`
		ModificationTime int64  `cbor:"mt" json:"modification_time"`
	}

	KeyLocation struct {
		ContainerID uint64 `cbor:"c" json:"container_id"`
		LocalID     uint64 `cbor:"l" json:"local_id"`
		Offset      uint64 `cbor:"o" json:"offset"`
		Length      uint64 `cbor:"len" json:"length"`
	}

	KeyLocationVersion struct {
		Version   uint64        `cbor:"ver" json:"version"`
		DataSize  int64         `cbor:"ds" json:"data_size"`
		Locations []KeyLocation `cbor:"locs" json:"locations"`
	}

	KeyInfo struct {
		Volume           string               `cbor:"v" json:"volume"`
		Bucket           string               `cbor:"b" json:"bucket"`
		KeyName          string               `cbor:"k" json:"key_name"`
		FileName         string               `cbor:"f" json:"file_name"`
		ParentObjectID   uint64               `cbor:"pid" json:"parent_object_id"`
		ObjectID         uint64               `cbor:"oid" json:"object_id"`
		UpdateID         uint64               `cbor:"uid" json:"update_id"`
		DataSize         int64                `cbor:"ds" json:"data_size"`
		Versions         []KeyLocationVersion `cbor:"vers" json:"versions"`
		CreationTime     int64                `cbor:"ct" json:"creation_time"`
		ModificationTime int64                `cbor:"mt" json:"modification_time"`
	}
)

// ErrUpdateIDRegression is returned when an entry would be stamped with an
// index lower than the one it already carries.
type ErrUpdateIDRegression struct {
	Current uint64
	Next    uint64
}

func (e *ErrUpdateIDRegression) Error() string {
	return fmt.Sprintf("update id can not move backwards from %d to %d", e.Current, e.Next)
}

func setUpdateID(current *uint64, next uint64) error {
	if next < *current {
		return &ErrUpdateIDRegression{Current: *current, Next: next}
	}
	*current = next
	return nil
}

func (v *VolumeInfo) GetUpdateID() uint64 { return v.UpdateID }
func (v *VolumeInfo) SetUpdateID(idx uint64) error { return setUpdateID(&v.UpdateID, idx) }
func (v *VolumeInfo) Marshal() ([]byte, error) { return marshal(v) }
func (v *VolumeInfo) Unmarshal(data []byte) error { return unmarshal(data, v) }
func (b *BucketInfo) GetUpdateID() uint64 { return b.UpdateID }
func (b *BucketInfo) SetUpdateID(idx uint64) error { return setUpdateID(&b.UpdateID, idx) }
func (b *BucketInfo) Marshal() ([]byte, error) { return marshal(b) }
func (b *BucketInfo) Unmarshal(data []byte) error { return unmarshal(data, b) }
func (d *DirectoryInfo) GetUpdateID() uint64 { return d.UpdateID }
func (d *DirectoryInfo) SetUpdateID(idx uint64) error { return setUpdateID(&d.UpdateID, idx) }
func (d *DirectoryInfo) Marshal() ([]byte, error) { return marshal(d) }
func (d *DirectoryInfo) Unmarshal(data []byte) error { return unmarshal(data, d) }
func (k *KeyInfo) GetUpdateID() uint64 { return k.UpdateID }
func (k *KeyInfo) SetUpdateID(idx uint64) error { return setUpdateID(&k.UpdateID, idx) }
func (k *KeyInfo) Marshal() ([]byte, error) { return marshal(k) }
func (k *KeyInfo) Unmarshal(data []byte) error { return unmarshal(data, k) }

// LatestVersion returns the newest location version, nil when the key has none.
func (k *KeyInfo) LatestVersion() *KeyLocationVersion {
	if len(k.Versions) == 0 {
		return nil
	}
	return &k.Versions[len(k.Versions)-1]
}

// AppendVersion records locations as a new version when versioning is
// enabled, or replaces the current version otherwise.
func (k *KeyInfo) AppendVersion(size int64, locations []KeyLocation, versioning bool) {
	k.DataSize = size
	if !versioning || len(k.Versions) == 0 {
		var next uint64
		if latest := k.LatestVersion(); latest != nil {
			next = latest.Version
		}
		k.Versions = []KeyLocationVersion{{Version: next, DataSize: size, Locations: locations}}
		return
	}
	k.Versions = append(k.Versions, KeyLocationVersion{
		Version:   k.LatestVersion().Version + 1,
		DataSize:  size,
		Locations: locations,
	})
}

// UsedBytes is the size of all versions held by the key.
func (k *KeyInfo) UsedBytes() int64 {
	var n int64
	for i := range k.Versions {
		n += k.Versions[i].DataSize
	}
	return n
}

func (b *BucketInfo) HasBytesQuota() bool { return b.QuotaInBytes > 0 }
func (b *BucketInfo) HasNamespaceQuota() bool { return b.QuotaInNamespace > 0 }
