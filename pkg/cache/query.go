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
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/united-manufacturing-hub/gqlcache/pkg/metrics"
	"github.com/united-manufacturing-hub/gqlcache/pkg/minimize"
	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
	"github.com/united-manufacturing-hub/gqlcache/pkg/transport"
	"github.com/united-manufacturing-hub/gqlcache/pkg/walk"
)

// QueryOptions configures one Query call.
type QueryOptions struct {
	// CallerID names the logical consumer. Defaults to the query string.
	CallerID string

	// InstanceKey distinguishes instances of one caller, like a list-item
	// identity.
	InstanceKey string

	// ForceFetch skips the cached response and asks the server for the
	// full query.
	ForceFetch bool

	// LocalOnly serves whatever the store holds and never contacts the
	// server.
	LocalOnly bool

	// Transport overrides the configured transports for this call.
	Transport transport.Transport

	// Variables merges over the caller's stored variables. A value of
	// type store.VariableFunc is resolved against the caller's current
	// partial response first.
	Variables store.Variables

	// MutationHandlers subscribes this caller to mutations by name.
	MutationHandlers map[string]MutationHandler

	// CustomMutations overrides the generated mutation document for the
	// named mutations, for callers that need full control of the payload
	// selection.
	CustomMutations map[string]string
}

// waiter is one caller instance waiting on a pending server request.
type waiter struct {
	callerID    string
	instanceKey string
	variables   store.Variables
}

// pendingQuery is one in-flight server request and the ordered list of
// callers it will serve. The list order decides who triggers the store
// write: the first waiter dispatches the response, the rest only their
// variables.
type pendingQuery struct {
	query   string
	waiters []waiter
}

// Query answers a GraphQL query from the local store when possible and
// fetches the missing remainder otherwise.
//
// The returned response reflects what the store can serve right now. When
// it is incomplete, a server fetch proceeds in the background and its
// result arrives through the container; callers observe it on their next
// read, or immediately through response identity changes.
func (c *Cache) Query(ctx context.Context, queryString string, opts *QueryOptions) (*QueryResponse, error) {
	start := time.Now()

	if opts == nil {
		opts = &QueryOptions{}
	}

	callerID := opts.CallerID
	if callerID == "" {
		callerID = queryString
	}

	c.mu.Lock()

	cq, known := c.queries[callerID]

	if known && cq.Query != queryString {
		// The caller moved to a new document. Stored result skeletons
		// keep their field keys, so whatever overlaps still serves
		// locally; only the in-memory record is rebuilt.
		doc, err := c.opts.Schema.ParseQuery(queryString)
		if err != nil {
			c.mu.Unlock()

			return nil, err
		}

		cq.Query = queryString
		cq.doc = doc
		cq.typeSet, cq.fields = collectQueryShape(c.opts.Schema, doc)
		cq.responses = make(map[string]*QueryResponse)
		c.invalidateMutationsOnNewQueryLocked(cq)
	}

	if known && !opts.ForceFetch {
		if resp := cq.responses[opts.InstanceKey]; resp != nil {
			c.registerHandlersLocked(callerID, opts)
			c.mu.Unlock()

			metrics.ObserveQuery(metrics.ResultHit, time.Since(start))

			return resp, nil
		}
	}

	if !known {
		doc, err := c.opts.Schema.ParseQuery(queryString)
		if err != nil {
			c.mu.Unlock()

			return nil, err
		}

		typeSet, fields := collectQueryShape(c.opts.Schema, doc)

		cq = &CachedQuery{
			CallerID:  callerID,
			Query:     queryString,
			doc:       doc,
			responses: make(map[string]*QueryResponse),
			typeSet:   typeSet,
			fields:    fields,
		}

		cq.Refetch = c.makeRefetch(queryString, callerID, opts.Transport)

		c.queries[callerID] = cq
		c.invalidateMutationsOnNewQueryLocked(cq)
	}

	c.registerHandlersLocked(callerID, opts)

	// Store reads happen under the lock so the response we cache is
	// consistent with the dependency registration below.
	st := c.state()

	variables := c.resolveVariables(st, cq, callerID, opts)

	wctx, err := c.newContext(cq.doc, variables, st.Data)
	if err != nil {
		c.mu.Unlock()

		return nil, err
	}

	rootSrc := st.StoredResult(callerID, opts.InstanceKey)
	result := walk.Denormalize(wctx, rootSrc)
	firstRun := rootSrc == nil

	if !firstRun {
		// Subscribe the caller to the entities it will render before the
		// server answers, so concurrent changes invalidate it correctly.
		if partial, nerr := walk.Normalize(wctx, result.Data); nerr == nil {
			c.index.AddDeps(partial, callerID, opts.InstanceKey)
		}
	}

	resp := &QueryResponse{
		Data:       result.Data,
		IsComplete: result.IsComplete,
		FirstRun:   firstRun,
	}

	cq.responses[opts.InstanceKey] = resp

	missing := result.Missing
	if opts.ForceFetch {
		missing = wctx.Op.SelectionSet
	}

	needFetch := len(missing) > 0 && !opts.LocalOnly

	c.mu.Unlock()

	metrics.ObserveQuery(metrics.ResultMiss, time.Since(start))

	if !needFetch {
		return resp, nil
	}

	t, err := c.transportFor(opts.Transport)
	if err != nil {
		return nil, err
	}

	go c.queryServer(ctx, t, wctx, callerID, opts.InstanceKey, variables, missing)

	return resp, nil
}

// makeRefetch binds a refetch closure to one caller.
func (c *Cache) makeRefetch(queryString, callerID string, override transport.Transport) func(string) {
	return func(instanceKey string) {
		_, err := c.Query(context.Background(), queryString, &QueryOptions{
			CallerID:    callerID,
			InstanceKey: instanceKey,
			ForceFetch:  true,
			Transport:   override,
		})
		if err != nil {
			c.logger.Errorf("refetch of %q failed: %v", callerID, err)
		}
	}
}

// resolveVariables merges stored and user-supplied variables and resolves
// function variables against the caller's current partial response.
func (c *Cache) resolveVariables(st store.State, cq *CachedQuery, callerID string, opts *QueryOptions) store.Variables {
	merged := make(store.Variables)

	for k, v := range st.StoredVariables(callerID, opts.InstanceKey) {
		merged[k] = v
	}

	for k, v := range opts.Variables {
		merged[k] = v
	}

	var current store.Document
	if resp := cq.responses[opts.InstanceKey]; resp != nil {
		current = resp.Data
	}

	for k, v := range merged {
		if fn, ok := v.(store.VariableFunc); ok {
			merged[k] = fn(current)
		}
	}

	return merged
}

// registerHandlersLocked records this caller's mutation handlers and
// custom mutation documents. A caller registering for a mutation whose
// merged document was already built invalidates that document, because
// the active component set just changed.
func (c *Cache) registerHandlersLocked(callerID string, opts *QueryOptions) {
	for name, handler := range opts.MutationHandlers {
		byCaller, ok := c.handlers[name]
		if !ok {
			byCaller = make(map[string]registeredHandler)
			c.handlers[name] = byCaller
		}

		if _, exists := byCaller[callerID]; !exists {
			if m := c.mutations[name]; m != nil {
				m.clearFull()
			}
		}

		byCaller[callerID] = registeredHandler{handler: handler, instanceKey: opts.InstanceKey}
	}

	for name, doc := range opts.CustomMutations {
		m := c.ensureMutationLocked(name)
		m.custom = doc
	}
}

// invalidateMutationsOnNewQueryLocked clears merged mutation documents
// whose payload type the new caller's query touches. The cheap per-caller
// singles survive; only the merge is redone.
func (c *Cache) invalidateMutationsOnNewQueryLocked(cq *CachedQuery) {
	for _, m := range c.mutations {
		if m.fullMutation == "" || m.payloadType == "" {
			continue
		}

		if cq.typeSet[m.payloadType] {
			m.clearFull()
		}
	}
}

// queryServer plans, dedupes, executes, and merges one server fetch.
func (c *Cache) queryServer(ctx context.Context, t transport.Transport, wctx *walk.Context, callerID, instanceKey string, variables store.Variables, missing ast.SelectionSet) {
	plan, err := minimize.Minimize(wctx, missing)
	if err != nil {
		c.logger.Errorf("failed to minimize query for %q: %v", callerID, err)

		return
	}

	if plan.Query == "" {
		return
	}

	key := pendingKey(plan.Query, plan.Variables)

	c.mu.Lock()

	if p, ok := c.pending[key]; ok {
		for _, w := range p.waiters {
			if w.callerID == callerID && w.instanceKey == instanceKey {
				// Identical entry already in flight; drop.
				c.mu.Unlock()

				return
			}
		}

		p.waiters = append(p.waiters, waiter{callerID: callerID, instanceKey: instanceKey, variables: variables})
		c.mu.Unlock()

		metrics.IncPendingJoin()

		return
	}

	c.pending[key] = &pendingQuery{
		query:   plan.Query,
		waiters: []waiter{{callerID: callerID, instanceKey: instanceKey, variables: variables}},
	}

	c.mu.Unlock()

	metrics.IncTransportRequest()

	resp, terr := t.HandleQuery(ctx, &transport.Request{
		Query:     plan.Query,
		Variables: map[string]interface{}(plan.Variables),
	})

	c.mu.Lock()
	p := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	if p == nil {
		return
	}

	if terr == nil && resp == nil {
		terr = errNoResponse
	}

	if terr == nil && resp.Err() != nil {
		terr = resp.Err()
	}

	if terr != nil {
		metrics.IncTransportError()
		c.failPending(p, terr)

		return
	}

	c.mergeServerResponse(p, wctx, missing, resp.Data, callerID, instanceKey)
}

// failPending attaches the error to every waiting caller's response and
// records it in the store. Caches are not invalidated: stale data beats
// no data after a transport failure.
func (c *Cache) failPending(p *pendingQuery, terr error) {
	c.mu.Lock()

	for _, w := range p.waiters {
		cq := c.queries[w.callerID]
		if cq == nil {
			continue
		}

		next := &QueryResponse{Error: terr}
		if old := cq.responses[w.instanceKey]; old != nil {
			next.Data = old.Data
			next.IsComplete = old.IsComplete
			next.FirstRun = old.FirstRun
		}

		cq.responses[w.instanceKey] = next
	}

	c.mu.Unlock()

	c.opts.Container.Dispatch(store.SetError{Err: terr})
}

// mergeServerResponse folds a successful server response into the store
// and refreshes every waiting caller.
func (c *Cache) mergeServerResponse(p *pendingQuery, wctx *walk.Context, missing ast.SelectionSet, data store.Document, originCaller, originKey string) {
	st := c.state()

	// The server response is shaped by the minimized selection, not the
	// caller's full document.
	minOp := &ast.OperationDefinition{
		Operation:    wctx.Op.Operation,
		Name:         wctx.Op.Name,
		SelectionSet: missing,
	}

	serverNorm, err := walk.Normalize(wctx.WithOperation(minOp).WithSnapshot(st.Data), data)
	if err != nil {
		c.logger.Errorf("failed to normalize server response: %v", err)
		c.failPending(p, err)

		return
	}

	// Re-denormalize against the fresh snapshot: the store may have
	// changed while the request was in flight.
	fctx := wctx.WithSnapshot(st.Data)
	local := walk.Denormalize(fctx, st.StoredResult(originCaller, originKey))

	localNorm, err := walk.Normalize(fctx, local.Data)
	if err != nil {
		c.logger.Errorf("failed to normalize local partial: %v", err)

		localNorm = store.NewNormalizedResponse()
	}

	shortened := store.Shorten(serverNorm, st.Data)
	full := store.MergeNormalized(localNorm, serverNorm)
	changed := shortened.Entities.Keys()

	hadSkeleton := st.StoredResult(originCaller, originKey) != nil

	c.mu.Lock()

	for _, w := range p.waiters {
		c.index.AddDeps(full, w.callerID, w.instanceKey)
	}

	isWaiter := make(map[string]bool, len(p.waiters))
	for _, w := range p.waiters {
		isWaiter[w.callerID+"\x00"+w.instanceKey] = true
	}

	for _, ref := range c.index.Flush(changed, "", "") {
		if isWaiter[ref.CallerID+"\x00"+ref.InstanceKey] {
			continue
		}

		c.clearResponseLocked(ref.CallerID, ref.InstanceKey)
	}

	c.mu.Unlock()

	if shortened.IsEmpty() && hadSkeleton {
		// The store already held everything the server sent, typically
		// because another request got there first. Drop cached responses
		// so the next read recomputes from the store.
		c.mu.Lock()

		for _, w := range p.waiters {
			c.clearResponseLocked(w.callerID, w.instanceKey)
		}

		c.mu.Unlock()

		return
	}

	first := p.waiters[0]
	c.opts.Container.Dispatch(store.InsertQuery{
		CallerID:    first.callerID,
		InstanceKey: first.instanceKey,
		Response: &store.NormalizedResponse{
			Entities: shortened.Entities,
			Result:   full.Result,
		},
		Variables: first.variables,
	})

	for _, w := range p.waiters[1:] {
		c.opts.Container.Dispatch(store.InsertQuery{
			CallerID:    w.callerID,
			InstanceKey: w.instanceKey,
			Variables:   w.variables,
		})
	}

	// Refresh every waiter's in-memory response from the merged result.
	refreshed := walk.Denormalize(wctx.WithSnapshot(c.state().Data), full.Result)

	c.mu.Lock()

	for _, w := range p.waiters {
		cq := c.queries[w.callerID]
		if cq == nil {
			continue
		}

		cq.responses[w.instanceKey] = &QueryResponse{
			Data:       refreshed.Data,
			IsComplete: refreshed.IsComplete,
		}
	}

	c.mu.Unlock()
}

// clearResponseLocked drops one caller instance's cached response, forcing
// re-denormalization on its next read.
func (c *Cache) clearResponseLocked(callerID, instanceKey string) {
	cq := c.queries[callerID]
	if cq == nil {
		return
	}

	delete(cq.responses, instanceKey)
}

func pendingKey(query string, vars store.Variables) uint64 {
	return xxhash.Sum64String(query + "\x00" + vars.Signature())
}
