// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package deps tracks which callers depend on which entities.
//
// The index is two maps kept as exact inverses: caller → entity keys, and
// entity key → callers. The forward direction makes re-registering a
// caller's dependencies a cheap diff; the reverse direction makes "who
// cares that this entity changed" a single lookup. Invalidation is driven
// entirely off the reverse map.
//
// DESIGN DECISION: The index computes flush sets but does not clear caches
// WHY: Cached denormalized responses are owned by the coordinator. Handing
// back the list of affected callers keeps ownership in one place and makes
// the symmetry of the two maps testable in isolation.
package deps

import (
	"sync"

	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
)

// CallerRef names one registered caller instance.
type CallerRef struct {
	CallerID    string
	InstanceKey string
}

// Index is the bidirectional dependency map. All methods are safe for
// concurrent use.
type Index struct {
	mu sync.RWMutex

	// forward: callerID → instanceKey → set of entity keys
	forward map[string]map[string]map[store.EntityKey]bool

	// reverse: entity key → callerID → set of instance keys
	reverse map[store.EntityKey]map[string]map[string]bool
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		forward: make(map[string]map[string]map[store.EntityKey]bool),
		reverse: make(map[store.EntityKey]map[string]map[string]bool),
	}
}

// AddDeps registers the entities of a normalized response as the caller's
// current dependency set. Edges the caller no longer touches are removed
// from both maps; new ones are added to both. Calling it again with the
// same response is a no-op.
func (x *Index) AddDeps(resp *store.NormalizedResponse, callerID, instanceKey string) {
	next := make(map[store.EntityKey]bool)

	if resp != nil {
		for _, key := range resp.Entities.Keys() {
			next[key] = true
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	current := x.forwardSet(callerID, instanceKey)

	for key := range current {
		if !next[key] {
			delete(current, key)
			x.removeReverse(key, callerID, instanceKey)
		}
	}

	for key := range next {
		if !current[key] {
			current[key] = true
			x.addReverse(key, callerID, instanceKey)
		}
	}
}

// Remove drops every edge of a caller instance, typically on unsubscribe.
func (x *Index) Remove(callerID, instanceKey string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	byKey, ok := x.forward[callerID]
	if !ok {
		return
	}

	for key := range byKey[instanceKey] {
		x.removeReverse(key, callerID, instanceKey)
	}

	delete(byKey, instanceKey)

	if len(byKey) == 0 {
		delete(x.forward, callerID)
	}
}

// Flush returns the callers whose dependency sets intersect the changed
// entities, excluding the origin. The origin's response is replaced by the
// operation that produced the change in the same pass, so clearing it here
// would only cause redundant work.
func (x *Index) Flush(changed []store.EntityKey, originCallerID, originInstanceKey string) []CallerRef {
	x.mu.RLock()
	defer x.mu.RUnlock()

	seen := make(map[CallerRef]bool)

	var out []CallerRef

	for _, key := range changed {
		for callerID, instanceKeys := range x.reverse[key] {
			for instanceKey := range instanceKeys {
				if callerID == originCallerID && instanceKey == originInstanceKey {
					continue
				}

				ref := CallerRef{CallerID: callerID, InstanceKey: instanceKey}
				if seen[ref] {
					continue
				}

				seen[ref] = true

				out = append(out, ref)
			}
		}
	}

	return out
}

// Dependencies returns a copy of the caller's current entity set, mainly
// for tests and debugging.
func (x *Index) Dependencies(callerID, instanceKey string) []store.EntityKey {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []store.EntityKey

	for key := range x.forward[callerID][instanceKey] {
		out = append(out, key)
	}

	return out
}

// Dependents returns a copy of the caller set registered for an entity,
// mainly for tests and debugging.
func (x *Index) Dependents(key store.EntityKey) []CallerRef {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []CallerRef

	for callerID, instanceKeys := range x.reverse[key] {
		for instanceKey := range instanceKeys {
			out = append(out, CallerRef{CallerID: callerID, InstanceKey: instanceKey})
		}
	}

	return out
}

func (x *Index) forwardSet(callerID, instanceKey string) map[store.EntityKey]bool {
	byKey, ok := x.forward[callerID]
	if !ok {
		byKey = make(map[string]map[store.EntityKey]bool)
		x.forward[callerID] = byKey
	}

	set, ok := byKey[instanceKey]
	if !ok {
		set = make(map[store.EntityKey]bool)
		byKey[instanceKey] = set
	}

	return set
}

func (x *Index) addReverse(key store.EntityKey, callerID, instanceKey string) {
	byCaller, ok := x.reverse[key]
	if !ok {
		byCaller = make(map[string]map[string]bool)
		x.reverse[key] = byCaller
	}

	instanceKeys, ok := byCaller[callerID]
	if !ok {
		instanceKeys = make(map[string]bool)
		byCaller[callerID] = instanceKeys
	}

	instanceKeys[instanceKey] = true
}

func (x *Index) removeReverse(key store.EntityKey, callerID, instanceKey string) {
	byCaller, ok := x.reverse[key]
	if !ok {
		return
	}

	instanceKeys, ok := byCaller[callerID]
	if !ok {
		return
	}

	delete(instanceKeys, instanceKey)

	if len(instanceKeys) == 0 {
		delete(byCaller, callerID)
	}

	if len(byCaller) == 0 {
		delete(x.reverse, key)
	}
}
