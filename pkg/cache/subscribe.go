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
	"fmt"
	"strings"

	"github.com/looplab/fsm"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/united-manufacturing-hub/gqlcache/pkg/metrics"
	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
	"github.com/united-manufacturing-hub/gqlcache/pkg/transport"
	"github.com/united-manufacturing-hub/gqlcache/pkg/walk"
)

// Subscription lifecycle states and events.
const (
	subStatePending = "pending"
	subStateActive  = "active"
	subStateClosed  = "closed"

	subEventEstablish = "establish"
	subEventClose     = "close"
)

// Subscriber opens the server-side subscription. It receives the
// subscription document, the resolved variables, the patch handlers to
// feed events into, and a getter for the current denormalized result. It
// returns the function that tears the server subscription down.
type Subscriber func(subscriptionQuery string, variables store.Variables, handlers PatchHandlers, getCachedResult func() store.Document) (func(), error)

// PatchOptions addresses a patch inside the subscription result.
type PatchOptions struct {
	// Path is a dotted path to the node the patch applies to. Required
	// when the subscription has more than one top-level field.
	Path string
}

// PatchHandlers are the entry points a Subscriber feeds server events
// into. Add appends a document to a list node, Update merges into the
// node or the list element with the same identity, Remove deletes the
// element with the same identity. Error records a transport-level
// subscription failure; the subscription stays alive.
type PatchHandlers struct {
	Add    func(document store.Document, opts *PatchOptions) error
	Update func(document store.Document, opts *PatchOptions) error
	Remove func(document store.Document, opts *PatchOptions) error
	Error  func(err error)
}

// SubscriptionHandle is what Subscribe returns to the application.
type SubscriptionHandle struct {
	// Data returns the current denormalized subscription result.
	Data func() store.Document

	// SetVariables replaces the subscription's variable bag.
	SetVariables func(vars store.Variables)

	// Unsubscribe tears the subscription down and drops its
	// dependencies.
	Unsubscribe func() error
}

// SubscribeOptions configures one Subscribe call.
type SubscribeOptions struct {
	// CallerID names the subscription. Defaults to the subscription
	// string.
	CallerID string

	// Variables merges over the stored variables for this caller.
	Variables store.Variables
}

// CachedSubscription is the in-memory record of one live subscription.
type CachedSubscription struct {
	callerID  string
	query     string
	doc       *ast.QueryDocument
	variables store.Variables
	response  store.Document

	lifecycle   *fsm.FSM
	unsubscribe func()
	handle      *SubscriptionHandle
}

// Subscribe opens a subscription and keeps its denormalized view folded
// into the store as patches arrive.
//
// Subscribing twice under the same caller ID returns the existing handle.
func (c *Cache) Subscribe(ctx context.Context, subscriptionQuery string, subscriber Subscriber, opts *SubscribeOptions) (*SubscriptionHandle, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("subscriber must not be nil")
	}

	if opts == nil {
		opts = &SubscribeOptions{}
	}

	callerID := opts.CallerID
	if callerID == "" {
		callerID = subscriptionQuery
	}

	c.mu.Lock()

	if existing, ok := c.subscriptions[callerID]; ok {
		c.mu.Unlock()

		return existing.handle, nil
	}

	doc, err := c.opts.Schema.ParseQuery(subscriptionQuery)
	if err != nil {
		c.mu.Unlock()

		return nil, err
	}

	st := c.state()

	variables := make(store.Variables)
	for k, v := range st.StoredVariables(callerID, "") {
		variables[k] = v
	}

	for k, v := range opts.Variables {
		variables[k] = v
	}

	sub := &CachedSubscription{
		callerID:  callerID,
		query:     subscriptionQuery,
		doc:       doc,
		variables: variables,
		response:  make(store.Document),
		lifecycle: fsm.NewFSM(
			subStatePending,
			fsm.Events{
				{Name: subEventEstablish, Src: []string{subStatePending}, Dst: subStateActive},
				{Name: subEventClose, Src: []string{subStatePending, subStateActive}, Dst: subStateClosed},
			},
			fsm.Callbacks{},
		),
	}

	c.subscriptions[callerID] = sub

	c.mu.Unlock()

	handlers := PatchHandlers{
		Add: func(document store.Document, popts *PatchOptions) error {
			return c.applyPatch(sub, patchAdd, document, popts)
		},
		Update: func(document store.Document, popts *PatchOptions) error {
			return c.applyPatch(sub, patchUpdate, document, popts)
		},
		Remove: func(document store.Document, popts *PatchOptions) error {
			return c.applyPatch(sub, patchRemove, document, popts)
		},
		Error: func(err error) {
			// Undefined upstream behavior, defined here: record the
			// error and keep the subscription alive.
			c.logger.Warnw("subscription transport error", "caller", callerID, "error", err)
			c.opts.Container.Dispatch(store.SetError{Err: err})
		},
	}

	getCached := func() store.Document {
		c.mu.Lock()
		defer c.mu.Unlock()

		return copyForHandler(sub.response)
	}

	unsubscribe, err := subscriber(subscriptionQuery, variables, handlers, getCached)
	if err != nil {
		c.mu.Lock()
		delete(c.subscriptions, callerID)
		c.mu.Unlock()

		return nil, fmt.Errorf("subscriber failed to start: %w", err)
	}

	c.mu.Lock()

	sub.unsubscribe = unsubscribe

	if err := sub.lifecycle.Event(ctx, subEventEstablish); err != nil {
		c.logger.Errorf("subscription %q failed to activate: %v", callerID, err)
	}

	sub.handle = &SubscriptionHandle{
		Data: getCached,
		SetVariables: func(vars store.Variables) {
			c.mu.Lock()
			defer c.mu.Unlock()

			sub.variables = vars
		},
		Unsubscribe: func() error {
			return c.unsubscribe(sub)
		},
	}

	handle := sub.handle

	c.mu.Unlock()

	return handle, nil
}

func (c *Cache) unsubscribe(sub *CachedSubscription) error {
	c.mu.Lock()

	if sub.lifecycle.Current() == subStateClosed {
		c.mu.Unlock()

		return nil
	}

	if err := sub.lifecycle.Event(context.Background(), subEventClose); err != nil {
		c.mu.Unlock()

		return fmt.Errorf("failed to close subscription %q: %w", sub.callerID, err)
	}

	delete(c.subscriptions, sub.callerID)

	unsubscribe := sub.unsubscribe

	c.mu.Unlock()

	c.index.Remove(sub.callerID, "")

	if unsubscribe != nil {
		unsubscribe()
	}

	return nil
}

// WSSubscriber adapts a websocket transport into a Subscriber. Every
// pushed event document is applied as an update to the node named by its
// top-level field, falling back to an add when there is nothing to update
// yet. Applications with richer event vocabularies supply their own
// Subscriber instead.
func WSSubscriber(ws *transport.WSTransport) Subscriber {
	return func(query string, variables store.Variables, handlers PatchHandlers, _ func() store.Document) (func(), error) {
		return ws.Subscribe(&transport.Request{
			Query:     query,
			Variables: map[string]interface{}(variables),
		}, func(resp *transport.Response) {
			if err := resp.Err(); err != nil {
				handlers.Error(err)

				return
			}

			for field, raw := range resp.Data {
				doc, ok := toDocument(raw)
				if !ok {
					continue
				}

				popts := &PatchOptions{Path: field}

				if err := handlers.Update(doc, popts); err != nil {
					_ = handlers.Add(doc, popts)
				}
			}
		})
	}
}

type patchOp int

const (
	patchAdd patchOp = iota
	patchUpdate
	patchRemove
)

func (op patchOp) String() string {
	switch op {
	case patchAdd:
		return "add"
	case patchUpdate:
		return "update"
	default:
		return "remove"
	}
}

// applyPatch computes the subscription's next denormalized view, folds
// the change into the store, and invalidates the queries that depend on
// the touched entities.
func (c *Cache) applyPatch(sub *CachedSubscription, op patchOp, document store.Document, popts *PatchOptions) error {
	if popts == nil {
		popts = &PatchOptions{}
	}

	c.mu.Lock()

	if sub.lifecycle.Current() == subStateClosed {
		c.mu.Unlock()

		return fmt.Errorf("subscription %q is closed", sub.callerID)
	}

	path := popts.Path

	if path == "" {
		topLevel := topLevelFields(sub.doc)
		if len(topLevel) != 1 {
			c.mu.Unlock()

			return ErrAmbiguousPath
		}

		path = topLevel[0]
	}

	next := copyForHandler(sub.response)
	if next == nil {
		next = make(store.Document)
	}

	if err := patchAt(next, strings.Split(path, "."), op, document, c.opts.IDFieldName); err != nil {
		c.mu.Unlock()

		return err
	}

	st := c.state()

	wctx, err := c.newContext(sub.doc, sub.variables, st.Data)
	if err != nil {
		c.mu.Unlock()

		return err
	}

	norm, err := walk.Normalize(wctx, next)
	if err != nil {
		c.mu.Unlock()

		return fmt.Errorf("failed to normalize subscription patch: %w", err)
	}

	shortened := store.Shorten(norm, st.Data)

	c.index.AddDeps(norm, sub.callerID, "")

	// Queries rendering the same entities re-denormalize on their next
	// read.
	for _, ref := range c.index.Flush(shortened.Entities.Keys(), sub.callerID, "") {
		c.clearResponseLocked(ref.CallerID, ref.InstanceKey)
	}

	sub.response = next

	variables := sub.variables

	c.mu.Unlock()

	metrics.IncSubscriptionPatch(op.String())

	if !shortened.IsEmpty() {
		c.opts.Container.Dispatch(store.InsertQuery{
			CallerID: sub.callerID,
			Response: &store.NormalizedResponse{
				Entities: shortened.Entities,
				Result:   norm.Result,
			},
			Variables: variables,
		})
	}

	return nil
}

// topLevelFields lists the aliases of the operation's root selections.
func topLevelFields(doc *ast.QueryDocument) []string {
	if len(doc.Operations) == 0 {
		return nil
	}

	var out []string

	for _, sel := range doc.Operations[0].SelectionSet {
		if f, ok := sel.(*ast.Field); ok {
			out = append(out, f.Alias)
		}
	}

	return out
}

// patchAt applies one patch at a dotted path inside data, in place.
func patchAt(data store.Document, segments []string, op patchOp, document store.Document, idField string) error {
	if len(segments) == 0 {
		return ErrBadPatchPath
	}

	parent := data

	for _, segment := range segments[:len(segments)-1] {
		child, ok := parent[segment].(store.Document)
		if !ok {
			m, isMap := parent[segment].(map[string]interface{})
			if !isMap {
				return fmt.Errorf("%w: %q", ErrBadPatchPath, strings.Join(segments, "."))
			}

			child = store.Document(m)
		}

		parent = child
	}

	leaf := segments[len(segments)-1]

	switch op {
	case patchAdd:
		switch node := parent[leaf].(type) {
		case nil:
			parent[leaf] = []interface{}{document}
		case []interface{}:
			parent[leaf] = append(node, document)
		default:
			parent[leaf] = document
		}

		return nil

	case patchUpdate:
		switch node := parent[leaf].(type) {
		case []interface{}:
			id := fmt.Sprint(document[idField])

			for i, item := range node {
				if elem, ok := toDocument(item); ok && fmt.Sprint(elem[idField]) == id {
					node[i] = store.MergeDocument(elem, document)

					return nil
				}
			}

			return fmt.Errorf("%w: no element with %s=%s at %q", ErrBadPatchPath, idField, id, strings.Join(segments, "."))

		case store.Document:
			parent[leaf] = store.MergeDocument(node, document)

			return nil

		case map[string]interface{}:
			parent[leaf] = store.MergeDocument(store.Document(node), document)

			return nil

		default:
			parent[leaf] = document

			return nil
		}

	case patchRemove:
		node, ok := parent[leaf].([]interface{})
		if !ok {
			parent[leaf] = nil

			return nil
		}

		id := fmt.Sprint(document[idField])
		filtered := make([]interface{}, 0, len(node))

		for _, item := range node {
			if elem, isDoc := toDocument(item); isDoc && fmt.Sprint(elem[idField]) == id {
				continue
			}

			filtered = append(filtered, item)
		}

		parent[leaf] = filtered

		return nil
	}

	return ErrBadPatchPath
}

func toDocument(v interface{}) (store.Document, bool) {
	switch m := v.(type) {
	case store.Document:
		return m, true
	case map[string]interface{}:
		return store.Document(m), true
	default:
		return nil, false
	}
}
