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

// Package cache is the coherence engine tying the store, the walkers, the
// dependency index, and the planner together behind three operations:
// Query, Mutate, and Subscribe.
//
// A Cache is an explicit handle created per host application. All
// configuration arrives at construction; there is no package-level mutable
// state. The normalized store is owned by the host's state container and
// reached only through dispatched actions and a state getter; everything
// else (per-caller responses, the dependency index, pending requests,
// cached mutations, subscriptions) is owned by the cache and mutated only
// under its lock.
package cache

import (
	"fmt"
	"sync"

	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gqlcache/pkg/deps"
	"github.com/united-manufacturing-hub/gqlcache/pkg/schema"
	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
	"github.com/united-manufacturing-hub/gqlcache/pkg/transport"
	"github.com/united-manufacturing-hub/gqlcache/pkg/walk"
)

// Options binds a Cache to its collaborators.
type Options struct {
	// Container is the host state container. Required.
	Container store.Container

	// ToState extracts the cache slice from the container. Defaults to
	// reading the container state directly.
	ToState store.ToStateFn

	// Schema is the parsed server schema. Required.
	Schema *schema.Schema

	// HTTPTransport is the default transport. Required unless every call
	// passes its own.
	HTTPTransport transport.Transport

	// PriorityTransport overrides HTTPTransport when present, typically a
	// websocket shared with subscriptions.
	PriorityTransport transport.Transport

	// Pagination renames the reserved cursor arguments.
	Pagination walk.PaginationWords

	// IDFieldName is the identity field. Defaults to "id".
	IDFieldName string

	// CursorFieldName is the per-item cursor field. Defaults to "cursor".
	CursorFieldName string

	// Logger receives structured logs. Defaults to a nop logger.
	Logger *zap.SugaredLogger
}

// Validate checks that the required collaborators are present.
func (o *Options) Validate() error {
	if o.Container == nil {
		return fmt.Errorf("%w: missing state container", ErrNotConfigured)
	}

	if o.Schema == nil {
		return fmt.Errorf("%w: missing schema", ErrNotConfigured)
	}

	return nil
}

func (o *Options) withDefaults() Options {
	out := *o

	if out.ToState == nil {
		out.ToState = store.DefaultToState
	}

	if out.Pagination == (walk.PaginationWords{}) {
		out.Pagination = walk.DefaultPaginationWords()
	}

	if out.IDFieldName == "" {
		out.IDFieldName = walk.DefaultIDFieldName
	}

	if out.CursorFieldName == "" {
		out.CursorFieldName = walk.DefaultCursorFieldName
	}

	if out.Logger == nil {
		out.Logger = zap.NewNop().Sugar()
	}

	return out
}

// QueryResponse is one caller instance's in-memory denormalized response.
// The struct identity changes whenever the content may have changed, so
// consumers comparing by identity observe every update.
type QueryResponse struct {
	Data       store.Document
	IsComplete bool
	FirstRun   bool
	Error      error
}

// CachedQuery is the in-memory record of one caller: its parsed document,
// its per-instance responses, and a refetch closure bound to it.
type CachedQuery struct {
	CallerID string
	Query    string

	doc       *ast.QueryDocument
	responses map[string]*QueryResponse

	// typeSet names every schema type the query touches, used to decide
	// whether a mutation's payload overlaps this caller.
	typeSet map[string]bool

	// fields indexes the query's selections as typeName → fieldName →
	// field, the raw material for projecting mutation payloads.
	fields map[string]map[string]*ast.Field

	// Refetch re-runs this caller's query with ForceFetch semantics.
	Refetch func(instanceKey string)
}

// Response returns the cached response for an instance, or nil.
func (q *CachedQuery) Response(instanceKey string) *QueryResponse {
	return q.responses[instanceKey]
}

// Cache is the coherence engine handle.
type Cache struct {
	opts   Options
	logger *zap.SugaredLogger
	index  *deps.Index

	// mu guards every map below. The cache is a single logical owner:
	// public operations take the lock for their store reads and in-memory
	// bookkeeping and release it around transport awaits.
	mu sync.Mutex

	queries       map[string]*CachedQuery
	mutations     map[string]*cachedMutation
	subscriptions map[string]*CachedSubscription
	handlers      map[string]map[string]registeredHandler
	pending       map[uint64]*pendingQuery
}

// registeredHandler ties a mutation handler to the caller that registered
// it.
type registeredHandler struct {
	handler     MutationHandler
	instanceKey string
}

// New creates a Cache bound to its collaborators.
func New(opts Options) (*Cache, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	resolved := opts.withDefaults()

	return &Cache{
		opts:          resolved,
		logger:        resolved.Logger,
		index:         deps.NewIndex(),
		queries:       make(map[string]*CachedQuery),
		mutations:     make(map[string]*cachedMutation),
		subscriptions: make(map[string]*CachedSubscription),
		handlers:      make(map[string]map[string]registeredHandler),
		pending:       make(map[uint64]*pendingQuery),
	}, nil
}

// state reads the current cache slice from the host container.
func (c *Cache) state() store.State {
	return c.opts.ToState(c.opts.Container)
}

// transportFor picks the transport for one call: per-call override first,
// then the priority transport, then the default.
func (c *Cache) transportFor(override transport.Transport) (transport.Transport, error) {
	if override != nil {
		return override, nil
	}

	if c.opts.PriorityTransport != nil {
		return c.opts.PriorityTransport, nil
	}

	if c.opts.HTTPTransport != nil {
		return c.opts.HTTPTransport, nil
	}

	return nil, fmt.Errorf("%w: missing transport", ErrNotConfigured)
}

// newContext builds a walk context for a parsed document against the
// current store snapshot.
func (c *Cache) newContext(doc *ast.QueryDocument, vars store.Variables, snapshot store.Data) (*walk.Context, error) {
	wctx, err := walk.NewContext(c.opts.Schema, doc, vars)
	if err != nil {
		return nil, err
	}

	wctx.Pagination = c.opts.Pagination
	wctx.IDField = c.opts.IDFieldName
	wctx.CursorField = c.opts.CursorFieldName
	wctx.Snapshot = snapshot

	return wctx, nil
}

// Index exposes the dependency index for tests and debugging.
func (c *Cache) Index() *deps.Index {
	return c.index
}

// PendingWaiterCount reports how many caller instances currently wait on
// in-flight server requests, for tests and debugging.
func (c *Cache) PendingWaiterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, p := range c.pending {
		n += len(p.waiters)
	}

	return n
}

// collectQueryShape walks a document once and records the type set and
// the per-type field index used for mutation projection.
func collectQueryShape(s *schema.Schema, doc *ast.QueryDocument) (map[string]bool, map[string]map[string]*ast.Field) {
	typeSet := make(map[string]bool)
	fields := make(map[string]map[string]*ast.Field)

	var visit func(sels ast.SelectionSet, parent *ast.Definition)

	visit = func(sels ast.SelectionSet, parent *ast.Definition) {
		for _, sel := range sels {
			switch sl := sel.(type) {
			case *ast.Field:
				if parent != nil {
					typeSet[parent.Name] = true

					byName, ok := fields[parent.Name]
					if !ok {
						byName = make(map[string]*ast.Field)
						fields[parent.Name] = byName
					}

					if _, exists := byName[sl.Name]; !exists {
						byName[sl.Name] = sl
					}
				}

				if sl.Definition != nil {
					child := s.NamedType(sl.Definition.Type)
					if child != nil && !s.IsLeaf(child) {
						typeSet[child.Name] = true
						visit(sl.SelectionSet, child)
					}
				}

			case *ast.InlineFragment:
				cond := s.Definition(sl.TypeCondition)
				if cond == nil {
					cond = parent
				}

				visit(sl.SelectionSet, cond)

			case *ast.FragmentSpread:
				if sl.Definition != nil {
					cond := s.Definition(sl.Definition.TypeCondition)
					if cond == nil {
						cond = parent
					}

					visit(sl.Definition.SelectionSet, cond)
				}
			}
		}
	}

	for _, op := range doc.Operations {
		var root *ast.Definition

		switch op.Operation {
		case ast.Mutation:
			root = s.Mutation()
		case ast.Subscription:
			root = s.Subscription()
		default:
			root = s.Query()
		}

		visit(op.SelectionSet, root)
	}

	return typeSet, fields
}
