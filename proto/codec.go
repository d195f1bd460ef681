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
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// records are persisted in canonical cbor so equal records encode to equal bytes
	encOptions = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		Time:        cbor.TimeUnix,
		IndefLength: cbor.IndefLengthForbidden,
	}
	decOptions = cbor.DecOptions{
		MaxArrayElements: 65536,
		MaxMapPairs:      4096,
		MaxNestedLevels:  32,
		IndefLength:      cbor.IndefLengthForbidden,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, decMode, err = newModes(encOptions, decOptions); err != nil {
		panic(err)
	}
}

func newModes(encOpts cbor.EncOptions, decOpts cbor.DecOptions) (cbor.EncMode, cbor.DecMode, error) {
	em, err := encOpts.EncMode()
	if err != nil {
		return nil, nil, fmt.Errorf("build cbor encode mode: %w", err)
	}
	dm, err := decOpts.DecMode()
	if err != nil {
		return nil, nil, fmt.Errorf("build cbor decode mode: %w", err)
	}
	return em, dm, nil
}

func marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}
