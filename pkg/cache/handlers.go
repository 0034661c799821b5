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

package cache

import (
	"sort"

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
)

// HandlerKind is what a mutation handler decided to do with a caller's
// cached data.
type HandlerKind int

const (
	// HandlerNoop leaves the caller's data unchanged.
	HandlerNoop HandlerKind = iota

	// HandlerReplace installs Data as the caller's new denormalized
	// response.
	HandlerReplace

	// HandlerInvalidate discards the local merge for this caller and
	// refetches its query from the server instead.
	HandlerInvalidate
)

// HandlerResult is a mutation handler's decision. The zero value is a
// noop.
type HandlerResult struct {
	Kind HandlerKind
	Data store.Document
}

// Replace returns a result installing data.
func Replace(data store.Document) HandlerResult {
	return HandlerResult{Kind: HandlerReplace, Data: data}
}

// Invalidate returns a result requesting a refetch.
func Invalidate() HandlerResult {
	return HandlerResult{Kind: HandlerInvalidate}
}

// Noop returns a result leaving everything as is.
func Noop() HandlerResult {
	return HandlerResult{}
}

// MutationHandler folds a mutation into one caller's cached data.
//
// Optimistic runs before the server round trip with the user-supplied
// variables; Authoritative runs after it with the server's payload,
// already stripped of merge aliasing. Both receive a deep copy of the
// caller's current denormalized response, so a handler may build its
// result by mutating current in place and returning it.
//
// DESIGN DECISION: Two methods instead of one nullable-argument function
// WHY: The optimistic and authoritative passes are different operations
// with different inputs. Encoding the distinction as "serverDoc is nil"
// makes every handler start with a null check and hides the contract.
type MutationHandler interface {
	Optimistic(variables store.Variables, current store.Document, tools *HandlerTools) HandlerResult
	Authoritative(serverDoc store.Document, current store.Document, tools *HandlerTools) HandlerResult
}

// HandlerFuncs adapts two plain functions to MutationHandler. Either may
// be nil, meaning noop for that pass.
type HandlerFuncs struct {
	OnOptimistic    func(variables store.Variables, current store.Document, tools *HandlerTools) HandlerResult
	OnAuthoritative func(serverDoc store.Document, current store.Document, tools *HandlerTools) HandlerResult
}

// Compile-time check that HandlerFuncs implements MutationHandler.
var _ MutationHandler = HandlerFuncs{}

func (h HandlerFuncs) Optimistic(variables store.Variables, current store.Document, tools *HandlerTools) HandlerResult {
	if h.OnOptimistic == nil {
		return Noop()
	}

	return h.OnOptimistic(variables, current, tools)
}

func (h HandlerFuncs) Authoritative(serverDoc store.Document, current store.Document, tools *HandlerTools) HandlerResult {
	if h.OnAuthoritative == nil {
		return Noop()
	}

	return h.OnAuthoritative(serverDoc, current, tools)
}

// HandlerTools is the lookup surface handlers get for cross-reference
// work inside the store snapshot they run against.
type HandlerTools struct {
	snapshot store.Data
}

// GetType returns deep copies of every stored entity of the named type,
// sorted by ID for deterministic iteration. Handlers use it to find
// related entities the mutation touches without holding references into
// the live store.
func (t *HandlerTools) GetType(typeName string) []store.Document {
	byID := t.snapshot.Entities[typeName]
	if len(byID) == 0 {
		return nil
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	out := make([]store.Document, 0, len(ids))

	for _, id := range ids {
		body := byID[id]

		var copied store.Document
		if err := deepcopy.Copy(&copied, &body); err != nil {
			continue
		}

		out = append(out, copied)
	}

	return out
}

// copyForHandler deep-copies a denormalized response before a handler
// sees it.
func copyForHandler(doc store.Document) store.Document {
	if doc == nil {
		return nil
	}

	var copied store.Document
	if err := deepcopy.Copy(&copied, &doc); err != nil {
		return store.Document{}
	}

	return copied
}
