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
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"

	"github.com/united-manufacturing-hub/gqlcache/pkg/metrics"
	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
	"github.com/united-manufacturing-hub/gqlcache/pkg/transport"
	"github.com/united-manufacturing-hub/gqlcache/pkg/walk"
)

// MutationOptions configures one Mutate call.
type MutationOptions struct {
	// Variables is the user-supplied variable bag for the mutation's own
	// arguments.
	Variables store.Variables

	// Components restricts the affected callers. Keys are caller IDs,
	// values their instance keys. Nil means every caller that registered
	// a handler for this mutation.
	Components map[string]string

	// Transport overrides the configured transports for this call.
	Transport transport.Transport
}

// MutationResult is the authoritative outcome of a mutation.
type MutationResult struct {
	// Data is the raw server payload, still carrying merge aliases.
	// Handlers received the de-aliased per-caller views already.
	Data store.Document
}

// activeComponent is one caller instance a mutation will touch.
type activeComponent struct {
	callerID    string
	instanceKey string
}

// variableEnhancer rewrites a user variable bag into the namespaced form
// the merged mutation document expects.
type variableEnhancer func(user store.Variables, out store.Variables)

// mutationSingle is one caller's reusable projection of the mutation
// payload: the caller-shaped selection, its namespaced twin, and the
// variable renames the namespacing introduced.
type mutationSingle struct {
	callerID   string
	selection  ast.SelectionSet
	namespaced ast.SelectionSet
	nsPrefix   string
	varRenames map[string]string
	varDefs    ast.VariableDefinitionList
}

// cachedMutation caches the expensive parts of mutation assembly between
// calls: per-caller singles survive any invalidation, the merged document
// is rebuilt when the active component set or the variable names change.
type cachedMutation struct {
	name        string
	payloadType string
	custom      string

	fullMutation string
	scalar       bool

	activeComponents []activeComponent
	singles          map[string]*mutationSingle
	variableSet      map[string]bool
	enhancers        []variableEnhancer
}

func (m *cachedMutation) clearFull() {
	m.fullMutation = ""
	m.activeComponents = nil
	m.enhancers = nil
	m.variableSet = nil
}

func (c *Cache) ensureMutationLocked(name string) *cachedMutation {
	m, ok := c.mutations[name]
	if !ok {
		m = &cachedMutation{
			name:    name,
			singles: make(map[string]*mutationSingle),
		}
		c.mutations[name] = m
	}

	return m
}

// Mutate runs an optimistic update for every affected caller, sends the
// merged mutation to the server, and folds the authoritative response back
// in through the same handlers.
//
// A transport failure leaves the optimistic state in place and records the
// error; the application decides whether to revert by re-invoking the
// mutation or refetching.
func (c *Cache) Mutate(ctx context.Context, mutationName string, opts *MutationOptions) (*MutationResult, error) {
	if mutationName == "" {
		return nil, ErrEmptyMutationName
	}

	if opts == nil {
		opts = &MutationOptions{}
	}

	fieldDef, err := c.opts.Schema.MutationField(mutationName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()

	m := c.ensureMutationLocked(mutationName)

	payloadDef := c.opts.Schema.NamedType(fieldDef.Type)
	if payloadDef != nil && !c.opts.Schema.IsLeaf(payloadDef) {
		m.payloadType = payloadDef.Name
	}

	active := c.activeComponentsLocked(mutationName, opts.Components)

	if err := c.updateCachedMutationLocked(m, fieldDef, active, opts.Variables); err != nil {
		c.mu.Unlock()

		return nil, err
	}

	c.mu.Unlock()

	// Optimistic pass: handlers see the user variables, no server data.
	if err := c.processMutationHandlers(mutationName, m, active, nil, opts.Variables); err != nil {
		return nil, err
	}

	namespacedVars := make(store.Variables)
	for k, v := range opts.Variables {
		namespacedVars[k] = v
	}

	for _, enhance := range m.enhancers {
		enhance(opts.Variables, namespacedVars)
	}

	t, err := c.transportFor(opts.Transport)
	if err != nil {
		return nil, err
	}

	metrics.IncTransportRequest()

	resp, terr := t.HandleQuery(ctx, &transport.Request{
		Query:     m.fullMutation,
		Variables: map[string]interface{}(namespacedVars),
	})

	if terr == nil && resp == nil {
		terr = errNoResponse
	}

	if terr == nil && resp.Err() != nil {
		terr = resp.Err()
	}

	if terr != nil {
		metrics.IncTransportError()
		// Optimistic state stays; the application owns the revert
		// decision.
		c.opts.Container.Dispatch(store.SetError{Err: terr})

		return nil, terr
	}

	if err := c.processMutationHandlers(mutationName, m, active, resp.Data, opts.Variables); err != nil {
		return nil, err
	}

	return &MutationResult{Data: resp.Data}, nil
}

// activeComponentsLocked computes the callers this mutation touches: those
// that registered a handler for it, optionally intersected with the
// user-supplied component set.
func (c *Cache) activeComponentsLocked(mutationName string, components map[string]string) []activeComponent {
	var out []activeComponent

	for callerID, reg := range c.handlers[mutationName] {
		instanceKey := reg.instanceKey

		if components != nil {
			userKey, ok := components[callerID]
			if !ok {
				continue
			}

			if userKey != "" {
				instanceKey = userKey
			}
		}

		out = append(out, activeComponent{callerID: callerID, instanceKey: instanceKey})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].callerID < out[j].callerID
	})

	return out
}

// updateCachedMutationLocked reuses the merged document when the active
// set and the variable names are unchanged, and rebuilds it otherwise.
// Per-caller singles always survive.
func (c *Cache) updateCachedMutationLocked(m *cachedMutation, fieldDef *ast.FieldDefinition, active []activeComponent, vars store.Variables) error {
	if m.custom != "" {
		m.fullMutation = m.custom
		m.activeComponents = active
		m.enhancers = nil

		return nil
	}

	if m.fullMutation != "" && sameVariableNames(vars, m.variableSet) && sameComponents(active, m.activeComponents) {
		return nil
	}

	m.clearFull()
	m.activeComponents = active

	m.variableSet = make(map[string]bool, len(vars))
	for name := range vars {
		m.variableSet[name] = true
	}

	return c.buildFullMutationLocked(m, fieldDef, active, vars)
}

func sameVariableNames(vars store.Variables, set map[string]bool) bool {
	if len(vars) != len(set) {
		return false
	}

	for name := range vars {
		if !set[name] {
			return false
		}
	}

	return true
}

func sameComponents(a, b []activeComponent) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// buildFullMutationLocked derives each caller's single projection and
// merges them into one printed mutation document.
//
// Namespacing: every caller's payload fields are aliased with a prefix
// derived from the caller ID, and the variables its arguments reference
// are renamed with the same prefix. Two callers requesting the same field
// with different arguments therefore never collide, and the response maps
// back to each caller mechanically.
func (c *Cache) buildFullMutationLocked(m *cachedMutation, fieldDef *ast.FieldDefinition, active []activeComponent, vars store.Variables) error {
	payloadDef := c.opts.Schema.NamedType(fieldDef.Type)

	m.scalar = c.opts.Schema.IsLeaf(payloadDef)

	var payloadSelections ast.SelectionSet

	if !m.scalar {
		for _, comp := range active {
			cq := c.queries[comp.callerID]
			if cq == nil {
				continue
			}

			single, ok := m.singles[comp.callerID]
			if !ok {
				single = c.buildSingleLocked(m, comp.callerID, cq, payloadDef)
				m.singles[comp.callerID] = single
			}

			payloadSelections = append(payloadSelections, single.namespaced...)

			renames := single.varRenames
			instanceKey := comp.instanceKey
			m.enhancers = append(m.enhancers, func(user store.Variables, out store.Variables) {
				callerVars := c.state().StoredVariables(single.callerID, instanceKey)

				for original, namespaced := range renames {
					if val, ok := callerVars[original]; ok {
						out[namespaced] = val
					} else if val, ok := user[original]; ok {
						out[namespaced] = val
					}
				}
			})
		}

		if len(payloadSelections) == 0 {
			// No caller projects anything; fall back to identity only so
			// the payload still normalizes.
			if idDef := payloadDef.Fields.ForName(c.opts.IDFieldName); idDef != nil {
				payloadSelections = ast.SelectionSet{&ast.Field{
					Name:  c.opts.IDFieldName,
					Alias: c.opts.IDFieldName,
				}}
			}
		}
	}

	// The mutation's own arguments reference user variables by their own
	// names; those are shared across callers, not namespaced.
	var args ast.ArgumentList

	var varDefs ast.VariableDefinitionList

	for _, argDef := range fieldDef.Arguments {
		if _, ok := vars[argDef.Name]; !ok {
			continue
		}

		args = append(args, &ast.Argument{
			Name:  argDef.Name,
			Value: &ast.Value{Raw: argDef.Name, Kind: ast.Variable},
		})

		varDefs = append(varDefs, &ast.VariableDefinition{
			Variable: argDef.Name,
			Type:     argDef.Type,
		})
	}

	for _, comp := range active {
		single := m.singles[comp.callerID]
		if single != nil {
			varDefs = append(varDefs, single.varDefs...)
		}
	}

	op := &ast.OperationDefinition{
		Operation: ast.Mutation,
		SelectionSet: ast.SelectionSet{&ast.Field{
			Name:         m.name,
			Alias:        m.name,
			Arguments:    args,
			SelectionSet: payloadSelections,
		}},
		VariableDefinitions: varDefs,
	}

	var buf bytes.Buffer

	formatter.NewFormatter(&buf).FormatQueryDocument(&ast.QueryDocument{
		Operations: ast.OperationList{op},
	})

	if buf.Len() == 0 {
		return fmt.Errorf("failed to print mutation %q", m.name)
	}

	m.fullMutation = buf.String()

	return nil
}

// buildSingleLocked projects one caller's query selections onto the
// mutation payload type and namespaces the result.
func (c *Cache) buildSingleLocked(m *cachedMutation, callerID string, cq *CachedQuery, payloadDef *ast.Definition) *mutationSingle {
	single := &mutationSingle{
		callerID:   callerID,
		nsPrefix:   nsPrefix(callerID),
		varRenames: make(map[string]string),
	}

	visited := map[string]bool{payloadDef.Name: true}
	single.selection = c.projectType(payloadDef, cq, visited)

	single.namespaced = namespaceSelections(single.selection, single.nsPrefix, true, single.varRenames)

	var queryVarDefs ast.VariableDefinitionList
	if len(cq.doc.Operations) > 0 {
		queryVarDefs = cq.doc.Operations[0].VariableDefinitions
	}

	names := make([]string, 0, len(single.varRenames))
	for original := range single.varRenames {
		names = append(names, original)
	}

	sort.Strings(names)

	for _, original := range names {
		def := queryVarDefs.ForName(original)
		if def == nil {
			continue
		}

		single.varDefs = append(single.varDefs, &ast.VariableDefinition{
			Variable: single.varRenames[original],
			Type:     def.Type,
		})
	}

	return single
}

// projectType builds the selection of every field the caller's query
// requests on typeDef, recursing into object fields. Cycles stop at the
// identity field; every object level keeps its identity so the response
// normalizes into entities.
func (c *Cache) projectType(typeDef *ast.Definition, cq *CachedQuery, visited map[string]bool) ast.SelectionSet {
	byName := cq.fields[typeDef.Name]
	if len(byName) == 0 {
		return nil
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}

	sort.Strings(names)

	var out ast.SelectionSet

	hasID := false

	for _, name := range names {
		qf := byName[name]

		fdef := typeDef.Fields.ForName(name)
		if fdef == nil {
			continue
		}

		field := &ast.Field{
			Name:      qf.Name,
			Alias:     qf.Alias,
			Arguments: append(ast.ArgumentList{}, qf.Arguments...),
		}

		childDef := c.opts.Schema.NamedType(fdef.Type)
		if childDef != nil && !c.opts.Schema.IsLeaf(childDef) {
			if visited[childDef.Name] {
				// Cycle: keep the reference but only its identity.
				idDef := childDef.Fields.ForName(c.opts.IDFieldName)
				if idDef == nil {
					continue
				}

				field.SelectionSet = ast.SelectionSet{&ast.Field{
					Name:  c.opts.IDFieldName,
					Alias: c.opts.IDFieldName,
				}}
			} else {
				visited[childDef.Name] = true
				sub := c.projectType(childDef, cq, visited)
				delete(visited, childDef.Name)

				if len(sub) == 0 {
					continue
				}

				field.SelectionSet = sub
			}
		}

		if qf.Name == c.opts.IDFieldName {
			hasID = true
		}

		out = append(out, field)
	}

	if !hasID && len(out) > 0 {
		if idDef := typeDef.Fields.ForName(c.opts.IDFieldName); idDef != nil {
			out = append(ast.SelectionSet{&ast.Field{
				Name:  c.opts.IDFieldName,
				Alias: c.opts.IDFieldName,
			}}, out...)
		}
	}

	return out
}

// nsPrefix derives a stable, collision-free alias prefix from a caller ID.
func nsPrefix(callerID string) string {
	return fmt.Sprintf("c%x", xxhash.Sum64String(callerID))
}

// namespaceSelections deep-copies a selection set, aliasing top-level
// fields with the prefix and renaming every referenced variable at any
// depth.
func namespaceSelections(sels ast.SelectionSet, prefix string, topLevel bool, renames map[string]string) ast.SelectionSet {
	out := make(ast.SelectionSet, 0, len(sels))

	for _, sel := range sels {
		f, ok := sel.(*ast.Field)
		if !ok {
			continue
		}

		copied := &ast.Field{
			Name:  f.Name,
			Alias: f.Alias,
		}

		if topLevel {
			copied.Alias = prefix + "_" + f.Alias
		}

		for _, arg := range f.Arguments {
			copied.Arguments = append(copied.Arguments, &ast.Argument{
				Name:  arg.Name,
				Value: namespaceValue(arg.Value, prefix, renames),
			})
		}

		copied.SelectionSet = namespaceSelections(f.SelectionSet, prefix, false, renames)

		out = append(out, copied)
	}

	return out
}

func namespaceValue(v *ast.Value, prefix string, renames map[string]string) *ast.Value {
	if v == nil {
		return nil
	}

	copied := *v

	if v.Kind == ast.Variable {
		namespaced := prefix + "_" + v.Raw
		renames[v.Raw] = namespaced
		copied.Raw = namespaced

		return &copied
	}

	if len(v.Children) > 0 {
		copied.Children = make(ast.ChildValueList, 0, len(v.Children))

		for _, child := range v.Children {
			copied.Children = append(copied.Children, &ast.ChildValue{
				Name:  child.Name,
				Value: namespaceValue(child.Value, prefix, renames),
			})
		}
	}

	return &copied
}

// denamespace extracts one caller's view from the merged mutation
// payload: merge aliases are stripped and the caller's own aliases
// restored.
func denamespace(payload store.Document, single *mutationSingle) store.Document {
	if payload == nil {
		return nil
	}

	if single == nil {
		return payload
	}

	out := make(store.Document)

	for _, sel := range single.selection {
		f, ok := sel.(*ast.Field)
		if !ok {
			continue
		}

		if val, ok := payload[single.nsPrefix+"_"+f.Alias]; ok {
			out[f.Alias] = val
		}
	}

	return out
}

// processMutationHandlers runs one pass (optimistic or authoritative)
// over the active callers and folds the accumulated entity diff into the
// store.
func (c *Cache) processMutationHandlers(mutationName string, m *cachedMutation, active []activeComponent, serverData store.Document, userVars store.Variables) error {
	authoritative := serverData != nil

	if authoritative {
		metrics.IncMutation(metrics.PhaseAuthoritative)
	} else {
		metrics.IncMutation(metrics.PhaseOptimistic)
	}

	st := c.state()
	tools := &HandlerTools{snapshot: st.Data}
	accum := store.NewNormalizedResponse()
	unionVars := make(map[string]map[string]store.Variables)

	var refetches []activeComponent

	var payload store.Document

	if authoritative {
		switch p := serverData[mutationName].(type) {
		case map[string]interface{}:
			payload = store.Document(p)
		case store.Document:
			payload = p
		default:
			// Scalar payloads arrive wrapped under the mutation name.
			payload = store.Document{mutationName: p}
		}
	}

	c.mu.Lock()

	handled := make(map[string]bool, len(active))

	for _, comp := range active {
		handled[comp.callerID+"\x00"+comp.instanceKey] = true

		cq := c.queries[comp.callerID]
		if cq == nil {
			c.mu.Unlock()

			return fmt.Errorf("%w: %q", ErrNoActiveQuery, comp.callerID)
		}

		resp := cq.responses[comp.instanceKey]
		if resp == nil {
			c.mu.Unlock()

			return fmt.Errorf("%w: %q", ErrNoActiveQuery, comp.callerID)
		}

		reg, ok := c.handlers[mutationName][comp.callerID]
		if !ok {
			continue
		}

		current := copyForHandler(resp.Data)

		var hres HandlerResult

		if authoritative {
			callerDoc := payload
			if !m.scalar && m.custom == "" {
				callerDoc = denamespace(payload, m.singles[comp.callerID])
			}

			hres = reg.handler.Authoritative(callerDoc, current, tools)
		} else {
			hres = reg.handler.Optimistic(userVars, current, tools)
		}

		switch hres.Kind {
		case HandlerInvalidate:
			refetches = append(refetches, comp)

			continue

		case HandlerNoop:
			continue

		case HandlerReplace:
			callerVars := st.StoredVariables(comp.callerID, comp.instanceKey)

			wctx, err := c.newContext(cq.doc, callerVars, st.Data)
			if err != nil {
				c.logger.Errorf("failed to build context for %q: %v", comp.callerID, err)

				continue
			}

			norm, err := walk.Normalize(wctx, hres.Data)
			if err != nil {
				c.logger.Errorf("failed to normalize handler result for %q: %v", comp.callerID, err)

				continue
			}

			accum = store.MergeNormalized(accum, &store.NormalizedResponse{Entities: norm.Entities})

			// Replace the response identity even when content is equal;
			// identity-comparing consumers must observe the pass.
			cq.responses[comp.instanceKey] = &QueryResponse{
				Data:       hres.Data,
				IsComplete: resp.IsComplete,
			}

			byKey, ok := unionVars[comp.callerID]
			if !ok {
				byKey = make(map[string]store.Variables)
				unionVars[comp.callerID] = byKey
			}

			byKey[comp.instanceKey] = callerVars
		}
	}

	shortened := store.Shorten(accum, st.Data)

	var toClear []string

	if authoritative && !shortened.IsEmpty() {
		// Only the authoritative response cascades invalidation; the
		// optimistic pass touches nothing but the handled callers.
		for _, ref := range c.index.Flush(shortened.Entities.Keys(), "", "") {
			if handled[ref.CallerID+"\x00"+ref.InstanceKey] {
				continue
			}

			c.clearResponseLocked(ref.CallerID, ref.InstanceKey)

			toClear = append(toClear, ref.CallerID)
		}
	}

	c.mu.Unlock()

	if len(toClear) > 0 {
		c.logger.Debugw("mutation invalidated dependent callers",
			"mutation", mutationName,
			"count", len(toClear),
		)
	}

	if !shortened.IsEmpty() {
		c.opts.Container.Dispatch(store.InsertMutation{
			Response:  &store.NormalizedResponse{Entities: shortened.Entities},
			Variables: unionVars,
		})
	}

	// Refetches run outside the lock; they re-enter Query.
	for _, comp := range refetches {
		c.mu.Lock()
		cq := c.queries[comp.callerID]
		c.mu.Unlock()

		if cq != nil && cq.Refetch != nil {
			cq.Refetch(comp.instanceKey)
		}
	}

	return nil
}
