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
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// UpdateCollection is a batch of updates from one retrieval cycle.
type UpdateCollection []Update

// MostRecent returns every update carrying the collection's maximum
// timestamp. Returns nil for an empty collection.
func (c UpdateCollection) MostRecent() []Update {
	if len(c) == 0 {
		return nil
	}

	var latest time.Time
	for _, update := range c {
		if update.Timestamp.After(latest) {
			latest = update.Timestamp
		}
	}

	var recent []Update
	for _, update := range c {
		if update.Timestamp.Equal(latest) {
			recent = append(recent, update)
		}
	}
	return recent
}

// ForTarget returns the updates relating to the given target.
func (c UpdateCollection) ForTarget(target string) []Update {
	var matched []Update
	for _, update := range c {
		if update.Target == target {
			matched = append(matched, update)
		}
	}
	return matched
}

// Merge combines updates sharing a target into one update per target. The
// combined timestamp is the maximum; scalar metadata keys take the value of
// the newest update carrying them; set-valued keys are unioned element-wise.
// Arrival order within the batch does not affect the result: same-target
// updates are folded in (timestamp, hash) order. The merged collection is
// returned sorted by target.
func (c UpdateCollection) Merge() UpdateCollection {
	if len(c) == 0 {
		return nil
	}

	groups := make(map[string][]Update)
	for _, update := range c {
		groups[update.Target] = append(groups[update.Target], update)
	}

	merged := make(UpdateCollection, 0, len(groups))
	for target, group := range groups {
		merged = append(merged, mergeGroup(target, group))
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Target < merged[j].Target
	})
	return merged
}

// mergeGroup folds same-target updates into one.
func mergeGroup(target string, group []Update) Update {
	if len(group) == 1 {
		return group[0]
	}

	// Hash breaks timestamp ties so the fold is arrival-order independent.
	sort.Slice(group, func(i, j int) bool {
		if !group[i].Timestamp.Equal(group[j].Timestamp) {
			return group[i].Timestamp.Before(group[j].Timestamp)
		}
		return group[i].Hash < group[j].Hash
	})

	metadata := make(Metadata)
	for _, update := range group {
		for key, value := range update.Metadata {
			incoming, incomingIsSet := value.(mapset.Set[string])
			if !incomingIsSet {
				metadata[key] = value
				continue
			}
			existing, existingIsSet := metadata[key].(mapset.Set[string])
			if existingIsSet {
				metadata[key] = existing.Union(incoming)
			} else {
				metadata[key] = incoming.Clone()
			}
		}
	}

	return NewUpdate(target, group[len(group)-1].Timestamp, metadata)
}
