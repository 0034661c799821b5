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

package store

// ActionType identifies one of the three action kinds the reducer accepts.
//
// DESIGN DECISION: Namespaced string literals instead of iota enum
// WHY: Host containers multiplex actions from many sources. A namespaced
// literal cannot collide with host action types and reads well in logs.
// TRADE-OFF: No compiler enforcement of valid values, but the reducer
// ignores unknown types, which is the safe behavior inside a host loop.
type ActionType string

const (
	// ActionInsertQuery merges a normalized query response into the store.
	ActionInsertQuery ActionType = "@@gqlcache/INSERT_QUERY"

	// ActionInsertMutation merges a normalized mutation response. Incoming
	// arrays are authoritative replacements even for lists previously
	// populated by queries.
	ActionInsertMutation ActionType = "@@gqlcache/INSERT_MUTATION"

	// ActionSetError records a transport error without touching data.
	ActionSetError ActionType = "@@gqlcache/SET_ERROR"
)

// Action is one unit of state change. The three concrete kinds below are
// the only ones the reducer understands.
type Action interface {
	ActionType() ActionType
}

// InsertQuery merges Response into the entity table, installs the result
// skeleton and variables under (CallerID, InstanceKey), and clears the
// stored error.
type InsertQuery struct {
	CallerID    string
	InstanceKey string
	Response    *NormalizedResponse
	Variables   Variables
}

func (InsertQuery) ActionType() ActionType { return ActionInsertQuery }

// InsertMutation is InsertQuery with mutation merge semantics. Variables
// holds the union of every affected caller's bag, keyed the same way the
// callers store theirs.
type InsertMutation struct {
	CallerID    string
	InstanceKey string
	Response    *NormalizedResponse
	Variables   map[string]map[string]Variables
}

func (InsertMutation) ActionType() ActionType { return ActionInsertMutation }

// SetError stores the transport error. Data is left untouched so callers
// keep serving their last good response.
type SetError struct {
	Err error
}

func (SetError) ActionType() ActionType { return ActionSetError }
