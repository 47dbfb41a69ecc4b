/*
SPDX-License-Identifier: Apache-2.0

Copyright 2026 Genome Research Ltd.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package types

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	mapset "github.com/deckarep/golang-set/v2"
)

// Metadata is the attribute bag attached to updates and enrichments.
// Values are scalars or string sets; sets are merged by union when two
// updates for the same target are combined.
type Metadata map[string]any

// Get returns the value stored under key.
func (m Metadata) Get(key string) (any, bool) {
	value, ok := m[key]
	return value, ok
}

// GetString returns the value under key when it is a string.
func (m Metadata) GetString(key string) (string, bool) {
	value, ok := m[key].(string)
	return value, ok
}

// GetSet returns the value under key as a string set. Stored metadata
// round-trips sets through JSON arrays, so string slices are accepted and
// converted.
func (m Metadata) GetSet(key string) (mapset.Set[string], bool) {
	switch value := m[key].(type) {
	case mapset.Set[string]:
		return value, true
	case []string:
		return mapset.NewThreadUnsafeSet(value...), true
	case []any:
		set := mapset.NewThreadUnsafeSet[string]()

		for _, element := range value {
			s, ok := element.(string)
			if !ok {
				return nil, false
			}

			set.Add(s)
		}

		return set, true
	default:
		return nil, false
	}
}

// Keys returns the metadata keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Copy returns a copy of the metadata. Set values are cloned so the copy
// can be mutated independently.
func (m Metadata) Copy() Metadata {
	if m == nil {
		return nil
	}
	cp := make(Metadata, len(m))
	for key, value := range m {
		if set, ok := value.(mapset.Set[string]); ok {
			cp[key] = set.Clone()
			continue
		}
		cp[key] = value
	}
	return cp
}

// hashUpdate computes the content hash of an update from its target and a
// canonical rendering of its metadata. Key order and set element order do
// not affect the result.
func hashUpdate(target string, metadata Metadata) uint64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(target)

	for _, key := range metadata.Keys() {
		_, _ = digest.WriteString(key)
		switch value := metadata[key].(type) {
		case mapset.Set[string]:
			elements := value.ToSlice()
			sort.Strings(elements)
			for _, element := range elements {
				_, _ = digest.WriteString(element)
			}
		default:
			_, _ = fmt.Fprintf(digest, "%v", value)
		}
	}

	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(metadata)))
	_, _ = digest.Write(size[:])

	return digest.Sum64()
}
