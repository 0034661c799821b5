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

package walk

import (
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
)

// Result is one denormalization outcome. Data holds whatever the snapshot
// could satisfy, Missing holds the selections it could not, rewritten
// where a narrower request suffices (pagination windows). IsComplete is
// true exactly when Missing is empty.
type Result struct {
	Data       store.Document
	Missing    ast.SelectionSet
	IsComplete bool
}

// Denormalize rebuilds the operation's response shape from the snapshot,
// starting at the caller's stored result skeleton. A nil skeleton marks
// the entire operation as missing, which is the cold-start case.
//
// Missing references and scalars are data, not errors: the subtree is
// omitted from Data, recorded in Missing, and the walk continues.
func Denormalize(c *Context, rootSrc store.Document) *Result {
	if rootSrc == nil {
		return &Result{
			Data:       make(store.Document),
			Missing:    c.Op.SelectionSet,
			IsComplete: false,
		}
	}

	data, missing := denormSelections(c, c.Op.SelectionSet, c.RootDefinition(), rootSrc)

	return &Result{
		Data:       data,
		Missing:    missing,
		IsComplete: len(missing) == 0,
	}
}

func denormSelections(c *Context, sels ast.SelectionSet, parentDef *ast.Definition, src store.Document) (store.Document, ast.SelectionSet) {
	data := make(store.Document)

	var missing ast.SelectionSet

	for _, sel := range sels {
		switch s := sel.(type) {
		case *ast.Field:
			if s.Name == "__typename" {
				data[s.Alias] = typenameOf(parentDef, src)

				continue
			}

			value, ok, miss := denormField(c, s, parentDef, src)
			if miss != nil {
				missing = append(missing, miss)
			}

			if ok {
				data[s.Alias] = value
			}

		case *ast.InlineFragment:
			if !c.fragmentApplies(s.TypeCondition, parentDef) {
				continue
			}

			subData, subMissing := denormSelections(c, s.SelectionSet, fragmentDef(c, s.TypeCondition, parentDef), src)
			for k, v := range subData {
				data[k] = v
			}

			missing = appendFragmentMissing(missing, s.TypeCondition, parentDef, subMissing)

		case *ast.FragmentSpread:
			if s.Definition == nil || !c.fragmentApplies(s.Definition.TypeCondition, parentDef) {
				continue
			}

			subData, subMissing := denormSelections(c, s.Definition.SelectionSet, fragmentDef(c, s.Definition.TypeCondition, parentDef), src)
			for k, v := range subData {
				data[k] = v
			}

			// Spreads are inlined into the missing set, so the planner
			// never has to carry fragment definitions along.
			missing = appendFragmentMissing(missing, s.Definition.TypeCondition, parentDef, subMissing)
		}
	}

	return data, missing
}

// appendFragmentMissing folds a fragment's missing selections into the
// parent's missing set, preserving the type condition when it narrows.
func appendFragmentMissing(missing ast.SelectionSet, condition string, parentDef *ast.Definition, subMissing ast.SelectionSet) ast.SelectionSet {
	if len(subMissing) == 0 {
		return missing
	}

	if condition == "" || (parentDef != nil && condition == parentDef.Name) {
		return append(missing, subMissing...)
	}

	return append(missing, &ast.InlineFragment{
		TypeCondition: condition,
		SelectionSet:  subMissing,
	})
}

// denormField resolves one field against src. It returns the denormalized
// value, whether a value is present at all, and the selection to fetch
// when the snapshot falls short.
func denormField(c *Context, f *ast.Field, parentDef *ast.Definition, src store.Document) (interface{}, bool, ast.Selection) {
	key := c.resultKey(f)

	if pa, paged := c.pageArgs(f); paged {
		bucket, ok := src[key].(*store.PagedList)
		if !ok {
			return nil, false, f
		}

		return denormPage(c, f, bucket, pa)
	}

	val, ok := src[key]
	if !ok {
		return nil, false, f
	}

	return denormValue(c, f, val)
}

func denormValue(c *Context, f *ast.Field, val interface{}) (interface{}, bool, ast.Selection) {
	switch v := val.(type) {
	case nil:
		return nil, true, nil

	case store.Ref:
		body := c.Snapshot.Entities.Get(v.Key())
		if body == nil {
			return nil, false, f
		}

		concreteDef := c.Schema.Definition(v.TypeName)

		subData, subMissing := denormSelections(c, f.SelectionSet, concreteDef, body)
		if len(subMissing) > 0 {
			// The narrowed selection keeps the identity field so the
			// response still normalizes into the same entity.
			return subData, true, copyField(f, ensureIDSelection(c, concreteDef, subMissing))
		}

		return subData, true, nil

	case store.Document:
		subData, subMissing := denormSelections(c, f.SelectionSet, fieldTypeDef(c, f), v)
		if len(subMissing) > 0 {
			return subData, true, copyField(f, subMissing)
		}

		return subData, true, nil

	case []interface{}:
		items := make([]interface{}, 0, len(v))

		for _, item := range v {
			itemVal, ok, miss := denormValue(c, f, item)
			if !ok || miss != nil {
				// A hole inside a positional list cannot be addressed
				// individually; refetch the whole field.
				return nil, false, f
			}

			items = append(items, itemVal)
		}

		return items, true, nil

	default:
		return v, true, nil
	}
}

// denormPage serves a pagination window from a stored bucket, computing
// the narrower request for whatever the bucket cannot cover.
func denormPage(c *Context, f *ast.Field, bucket *store.PagedList, pa pageArgs) (interface{}, bool, ast.Selection) {
	avail, cursors, ok := pageWindow(c, bucket, pa)
	if !ok {
		return nil, false, f
	}

	take := len(avail)
	ended := false

	if pa.forward {
		ended = bucket.EOF
	} else {
		ended = bucket.BOF
	}

	partial := false

	if pa.count > 0 && take > pa.count {
		take = pa.count
	} else if pa.count > 0 && take < pa.count && !ended {
		partial = true
	}

	window := avail[:take]
	if !pa.forward {
		window = avail[len(avail)-take:]
	}

	items := make([]interface{}, 0, len(window))

	for _, ref := range window {
		body := c.Snapshot.Entities.Get(ref.Key())
		if body == nil {
			return nil, false, f
		}

		subData, subMissing := denormSelections(c, f.SelectionSet, c.Schema.Definition(ref.TypeName), body)
		if len(subMissing) > 0 {
			// Entity content holes inside a page are refetched with the
			// caller's original window rather than item by item.
			return nil, false, f
		}

		items = append(items, subData)
	}

	if !partial {
		return items, true, nil
	}

	rewritten := rewritePageField(c, f, pa, take, cursors)
	if rewritten == nil {
		return items, true, f
	}

	return items, true, rewritten
}

// pageWindow selects the stored refs a request may be served from. A
// request anchored at an end needs the bucket to actually contain that
// end; a cursor-anchored request needs its cursor in the bucket.
func pageWindow(c *Context, bucket *store.PagedList, pa pageArgs) ([]store.Ref, []string, bool) {
	if pa.anchored {
		if pa.forward && !bucket.BOF {
			return nil, nil, false
		}

		if !pa.forward && !bucket.EOF {
			return nil, nil, false
		}

		return bucket.Refs, bucket.Cursors, true
	}

	for i, cursor := range bucket.Cursors {
		if cursor != pa.cursor || cursor == "" {
			continue
		}

		if pa.forward {
			return bucket.Refs[i+1:], bucket.Cursors[i+1:], true
		}

		return bucket.Refs[:i], bucket.Cursors[:i], true
	}

	return nil, nil, false
}

// rewritePageField builds the narrowed request for the unserved remainder
// of a page: the remaining count anchored at the last locally available
// cursor. Returns nil when no usable cursor exists, in which case the
// caller falls back to the original window.
func rewritePageField(c *Context, f *ast.Field, pa pageArgs, taken int, cursors []string) *ast.Field {
	if taken == 0 {
		return nil
	}

	var anchor string
	if pa.forward {
		anchor = cursors[taken-1]
	} else {
		anchor = cursors[len(cursors)-taken]
	}

	if anchor == "" {
		return nil
	}

	countWord := c.Pagination.First
	cursorWord := c.Pagination.After

	if !pa.forward {
		countWord = c.Pagination.Last
		cursorWord = c.Pagination.Before
	}

	newArgs := make(ast.ArgumentList, 0, len(f.Arguments)+1)

	for _, arg := range f.Arguments {
		if arg.Name == countWord || arg.Name == cursorWord {
			continue
		}

		newArgs = append(newArgs, arg)
	}

	newArgs = append(newArgs,
		literalArg(countWord, pa.count-taken),
		literalArg(cursorWord, anchor),
	)

	rewritten := copyField(f, f.SelectionSet)
	rewritten.Arguments = newArgs
	c.OriginalArgs[rewritten] = f.Arguments

	return rewritten
}

// ensureIDSelection prepends the identity field to a selection set that
// lacks it, provided the definition carries one.
func ensureIDSelection(c *Context, def *ast.Definition, sels ast.SelectionSet) ast.SelectionSet {
	if def == nil || def.Fields.ForName(c.IDField) == nil {
		return sels
	}

	for _, sel := range sels {
		if f, ok := sel.(*ast.Field); ok && f.Name == c.IDField {
			return sels
		}
	}

	return append(ast.SelectionSet{&ast.Field{Name: c.IDField, Alias: c.IDField}}, sels...)
}

// fieldTypeDef resolves the definition of a field's named type.
func fieldTypeDef(c *Context, f *ast.Field) *ast.Definition {
	if f.Definition == nil {
		return nil
	}

	return c.Schema.NamedType(f.Definition.Type)
}

// typenameOf answers a __typename selection from the stored value when
// present, falling back to the static parent definition.
func typenameOf(parentDef *ast.Definition, src store.Document) interface{} {
	if tn, ok := src["__typename"]; ok {
		return tn
	}

	if parentDef != nil {
		return parentDef.Name
	}

	return nil
}
