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

// Reduce applies one action to state and returns the next state. The input
// state is never mutated; every path that changes something copies first.
//
// Merge semantics at entity leaves are last-write-wins for scalars. Plain
// arrays replace wholesale. Paginated buckets extend under query merges and
// are replaced wholesale under mutation merges, because a mutation response
// is authoritative about list membership while a query response only ever
// sees one page.
func Reduce(state State, action Action) State {
	switch a := action.(type) {
	case InsertQuery:
		next := copyState(state)
		next.Error = nil
		applyInsert(&next, a.CallerID, a.InstanceKey, a.Response, false)

		if a.Variables != nil {
			installVariables(&next, a.CallerID, a.InstanceKey, a.Variables)
		}

		return next

	case InsertMutation:
		next := copyState(state)
		applyInsert(&next, a.CallerID, a.InstanceKey, a.Response, true)

		for callerID, byKey := range a.Variables {
			for instanceKey, vars := range byKey {
				installVariables(&next, callerID, instanceKey, vars)
			}
		}

		return next

	case SetError:
		next := copyState(state)
		next.Error = a.Err

		return next

	default:
		// Host containers multiplex foreign actions through the same
		// reducer chain. Anything we don't recognize is not ours.
		return state
	}
}

func applyInsert(next *State, callerID, instanceKey string, resp *NormalizedResponse, mutation bool) {
	if resp == nil {
		return
	}

	mergeEntities(next.Data.Entities, resp.Entities, mutation)

	if len(resp.Result) > 0 {
		byKey, ok := next.Data.Result[callerID]
		if !ok {
			byKey = make(map[string]Document)
			next.Data.Result[callerID] = byKey
		}

		byKey[instanceKey] = copyDocument(resp.Result)
	}
}

func installVariables(next *State, callerID, instanceKey string, vars Variables) {
	byKey, ok := next.Data.Variables[callerID]
	if !ok {
		byKey = make(map[string]Variables)
		next.Data.Variables[callerID] = byKey
	}

	copied := make(Variables, len(vars))
	for k, v := range vars {
		copied[k] = v
	}

	byKey[instanceKey] = copied
}

// mergeEntities folds src into dst in place. dst must already be a private
// copy of the previous state's table.
func mergeEntities(dst EntityMap, src EntityMap, mutation bool) {
	for typeName, byID := range src {
		for id, body := range byID {
			key := EntityKey{TypeName: typeName, ID: id}

			existing := dst.Get(key)
			if existing == nil {
				dst.Set(key, copyDocument(body))

				continue
			}

			dst.Set(key, mergeDocument(existing, body, mutation))
		}
	}
}

// mergeDocument merges src into a copy of dst and returns it.
func mergeDocument(dst, src Document, mutation bool) Document {
	out := copyDocument(dst)
	for k, v := range src {
		out[k] = mergeValue(out[k], v, mutation)
	}

	return out
}

func mergeValue(oldVal, newVal interface{}, mutation bool) interface{} {
	switch nv := newVal.(type) {
	case Document:
		if ov, ok := oldVal.(Document); ok {
			return mergeDocument(ov, nv, mutation)
		}

		return copyDocument(nv)

	case *PagedList:
		if ov, ok := oldVal.(*PagedList); ok && !mutation {
			return mergePagedLists(ov, nv)
		}

		return nv.Copy()

	case []interface{}:
		// Arrays replace. Element-wise merging of positional lists is
		// not meaningful without identity, and identified elements are
		// Refs already.
		return copySlice(nv)

	default:
		return newVal
	}
}

// mergePagedLists extends old with the items of incoming that old does not
// hold yet. Direction follows the incoming page: a page anchored at the
// front (BOF) prepends, anything else appends. End markers accumulate.
func mergePagedLists(old, incoming *PagedList) *PagedList {
	out := old.Copy()

	seen := make(map[EntityKey]bool, len(out.Refs))
	for _, ref := range out.Refs {
		seen[ref.Key()] = true
	}

	var newRefs []Ref

	var newCursors []string

	for i, ref := range incoming.Refs {
		if seen[ref.Key()] {
			continue
		}

		cursor := ""
		if i < len(incoming.Cursors) {
			cursor = incoming.Cursors[i]
		}

		newRefs = append(newRefs, ref)
		newCursors = append(newCursors, cursor)
	}

	if incoming.BOF && len(out.Refs) > 0 {
		out.Refs = append(newRefs, out.Refs...)
		out.Cursors = append(newCursors, out.Cursors...)
	} else {
		out.Refs = append(out.Refs, newRefs...)
		out.Cursors = append(out.Cursors, newCursors...)
	}

	out.EOF = out.EOF || incoming.EOF
	out.BOF = out.BOF || incoming.BOF

	return out
}

// copyState deep-copies everything reachable from the data slice. The
// stored error is shared; errors are immutable by convention.
func copyState(s State) State {
	out := State{Error: s.Error, Data: NewData()}

	for typeName, byID := range s.Data.Entities {
		bucket := make(map[string]Document, len(byID))
		for id, body := range byID {
			bucket[id] = copyDocument(body)
		}

		out.Data.Entities[typeName] = bucket
	}

	for callerID, byKey := range s.Data.Result {
		bucket := make(map[string]Document, len(byKey))
		for instanceKey, skel := range byKey {
			bucket[instanceKey] = copyDocument(skel)
		}

		out.Data.Result[callerID] = bucket
	}

	for callerID, byKey := range s.Data.Variables {
		bucket := make(map[string]Variables, len(byKey))
		for instanceKey, vars := range byKey {
			copied := make(Variables, len(vars))
			for k, v := range vars {
				copied[k] = v
			}

			bucket[instanceKey] = copied
		}

		out.Data.Variables[callerID] = bucket
	}

	return out
}

func copyDocument(doc Document) Document {
	if doc == nil {
		return nil
	}

	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}

	return out
}

func copySlice(s []interface{}) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = copyValue(v)
	}

	return out
}

func copyValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case Document:
		return copyDocument(tv)
	case *PagedList:
		return tv.Copy()
	case []interface{}:
		return copySlice(tv)
	default:
		// Scalars and Ref values copy by assignment.
		return v
	}
}
