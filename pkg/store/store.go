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

// Package store holds the normalized cache state and the pure reducer that
// applies updates to it.
//
// The state is split into a flat entity table and per-caller result
// skeletons. Entities are the unit of normalization: every server object
// with a stable identity lives exactly once under (typeName, id), and every
// place that object appears in a response is recorded as a Ref. Result
// skeletons keep the shape of each caller's last response with Refs in leaf
// positions, so a response can be rebuilt from the entity table at any time.
//
// DESIGN DECISION: Document is map[string]interface{}, not generated structs
// WHY: The cache is schema-driven at runtime. Callers bring arbitrary
// queries; the walker decides per field how to store values. A flexible
// document model is the only representation that works for every schema.
// TRADE-OFF: Runtime type assertions instead of compile-time safety. The
// walker is the single producer of documents, which bounds the risk.
//
// DESIGN DECISION: The reducer is pure and the container owns all locking
// WHY: Host applications often embed the cache slice in their own state
// container. A pure Reduce(state, action) function composes with any such
// container; the bundled InMemoryContainer exists for hosts without one.
package store

import (
	"fmt"
	"sort"
	"strings"
)

// Document represents one JSON-shaped object: an entity body, a result
// skeleton, or a fragment of either. Values are scalars, Document, Ref,
// *PagedList, or []interface{} of those.
type Document map[string]interface{}

// Ref is a reference leaf pointing at an entity in the entity table.
// Derived structures never hold entity bodies directly, only Refs, so
// cyclic references between entities are representable without cycles in
// the state itself.
type Ref struct {
	TypeName string `json:"typeName"`
	ID       string `json:"id"`
}

// Key returns the entity key this reference points at.
func (r Ref) Key() EntityKey {
	return EntityKey{TypeName: r.TypeName, ID: r.ID}
}

// EntityKey identifies one entity in the entity table.
type EntityKey struct {
	TypeName string
	ID       string
}

func (k EntityKey) String() string {
	return k.TypeName + "." + k.ID
}

// PagedList is the bucket a pagination-argument field normalizes into.
// Different pages of the same field accumulate in one bucket instead of
// overwriting each other. Cursors run parallel to Refs: Cursors[i] is the
// cursor of Refs[i], or "" when the response carried none.
//
// EOF and BOF record that the server has confirmed the respective end of
// the list, which lets the denormalizer answer "first N" requests beyond
// the stored window without another fetch.
type PagedList struct {
	Refs    []Ref
	Cursors []string
	EOF     bool
	BOF     bool
}

// Copy returns a deep copy of the list.
func (p *PagedList) Copy() *PagedList {
	if p == nil {
		return nil
	}

	out := &PagedList{EOF: p.EOF, BOF: p.BOF}
	out.Refs = append(out.Refs, p.Refs...)
	out.Cursors = append(out.Cursors, p.Cursors...)

	return out
}

// EntityMap is the normalized entity table: typeName → id → body.
type EntityMap map[string]map[string]Document

// Keys returns every (typeName, id) present in the table, sorted for
// deterministic iteration.
func (m EntityMap) Keys() []EntityKey {
	keys := make([]EntityKey, 0, len(m))
	for typeName, byID := range m {
		for id := range byID {
			keys = append(keys, EntityKey{TypeName: typeName, ID: id})
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TypeName != keys[j].TypeName {
			return keys[i].TypeName < keys[j].TypeName
		}

		return keys[i].ID < keys[j].ID
	})

	return keys
}

// Get returns the entity body for key, or nil when absent. A missing
// entity is data, not an error: the denormalizer treats it as an
// incomplete subtree.
func (m EntityMap) Get(key EntityKey) Document {
	byID, ok := m[key.TypeName]
	if !ok {
		return nil
	}

	return byID[key.ID]
}

// Set installs body under key, creating the type bucket as needed.
func (m EntityMap) Set(key EntityKey, body Document) {
	byID, ok := m[key.TypeName]
	if !ok {
		byID = make(map[string]Document)
		m[key.TypeName] = byID
	}

	byID[key.ID] = body
}

// IsEmpty reports whether the table holds no entities at all.
func (m EntityMap) IsEmpty() bool {
	for _, byID := range m {
		if len(byID) > 0 {
			return false
		}
	}

	return true
}

// NormalizedResponse is the flat form of one server response: the entities
// it carried plus the result skeleton that arranges them.
type NormalizedResponse struct {
	Entities EntityMap
	Result   Document
}

// NewNormalizedResponse returns an empty normalized response ready to be
// filled by a walker.
func NewNormalizedResponse() *NormalizedResponse {
	return &NormalizedResponse{
		Entities: make(EntityMap),
		Result:   make(Document),
	}
}

// IsEmpty reports whether the response carries neither entities nor result
// fields. An empty shortened response means the store already held
// everything the server sent.
func (r *NormalizedResponse) IsEmpty() bool {
	if r == nil {
		return true
	}

	return r.Entities.IsEmpty() && len(r.Result) == 0
}

// Variables is one caller's variable bag. Values are plain JSON scalars and
// containers; a VariableFunc value is resolved against the caller's current
// partial response before each fetch.
type Variables map[string]interface{}

// VariableFunc computes a variable from the caller's current denormalized
// response, so pagination cursors can be derived from local data.
type VariableFunc func(current Document) interface{}

// Signature returns a stable string over names and resolved scalar values,
// used for pending-query identity. Function variables must be resolved
// before calling.
func (v Variables) Signature() string {
	if len(v) == 0 {
		return ""
	}

	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}

	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}

		fmt.Fprintf(&b, "%s=%v", name, v[name])
	}

	return b.String()
}

// ResultMap holds per-caller result skeletons: callerID → instanceKey →
// skeleton. Callers without an instance key use the empty string.
type ResultMap map[string]map[string]Document

// VariableMap mirrors ResultMap for variable bags.
type VariableMap map[string]map[string]Variables

// Data is the cached slice of host state.
type Data struct {
	Entities  EntityMap
	Result    ResultMap
	Variables VariableMap
}

// NewData returns an empty Data value with all maps allocated.
func NewData() Data {
	return Data{
		Entities:  make(EntityMap),
		Result:    make(ResultMap),
		Variables: make(VariableMap),
	}
}

// State is the full persisted cache state: the data slice plus the last
// transport error, or nil when the last operation succeeded.
type State struct {
	Error error
	Data  Data
}

// NewState returns an empty state.
func NewState() State {
	return State{Data: NewData()}
}

// StoredVariables returns the variable bag stored for (callerID,
// instanceKey), or nil.
func (s State) StoredVariables(callerID, instanceKey string) Variables {
	byKey, ok := s.Data.Variables[callerID]
	if !ok {
		return nil
	}

	return byKey[instanceKey]
}

// StoredResult returns the result skeleton stored for (callerID,
// instanceKey), or nil.
func (s State) StoredResult(callerID, instanceKey string) Document {
	byKey, ok := s.Data.Result[callerID]
	if !ok {
		return nil
	}

	return byKey[instanceKey]
}

// Container is the host-side state container the cache binds to. Dispatch
// applies one action through the reducer; GetState returns current state.
//
// Implementations must serialize dispatches: the cache relies on dispatch
// order being observation order.
type Container interface {
	Dispatch(action Action)
	GetState() State
}

// ToStateFn extracts the cache slice from a host container. The default
// works for the bundled InMemoryContainer; hosts embedding the slice
// elsewhere supply their own.
type ToStateFn func(c Container) State

// DefaultToState reads the container state directly.
func DefaultToState(c Container) State {
	return c.GetState()
}
