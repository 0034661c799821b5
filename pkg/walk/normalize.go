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
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
)

// Normalize flattens a server-shaped response into entities plus a result
// skeleton, guided by the context's operation and schema.
//
// For each selection: scalars copy through, objects carrying the identity
// field become entities and leave a Ref behind, identity-less objects stay
// inline, and arrays map element-wise. Fields with pagination arguments
// collect into PagedList buckets so different pages of one list coexist.
//
// Normalize reads the context but never writes it; in particular the
// variable bag comes out exactly as it went in.
func Normalize(c *Context, response store.Document) (*store.NormalizedResponse, error) {
	rootDef := c.RootDefinition()
	if rootDef == nil {
		return nil, fmt.Errorf("schema has no %s type", c.Op.Operation)
	}

	out := store.NewNormalizedResponse()

	result, err := normalizeSelections(c, c.Op.SelectionSet, rootDef, response, out)
	if err != nil {
		return nil, err
	}

	out.Result = result

	return out, nil
}

func normalizeSelections(c *Context, sels ast.SelectionSet, parentDef *ast.Definition, src store.Document, out *store.NormalizedResponse) (store.Document, error) {
	result := make(store.Document)

	err := normalizeInto(c, sels, parentDef, src, out, result)
	if err != nil {
		return nil, err
	}

	return result, nil
}

func normalizeInto(c *Context, sels ast.SelectionSet, parentDef *ast.Definition, src store.Document, out *store.NormalizedResponse, result store.Document) error {
	for _, sel := range sels {
		switch s := sel.(type) {
		case *ast.Field:
			raw, ok := src[s.Alias]
			if !ok {
				continue
			}

			if s.Name == "__typename" {
				result[s.Alias] = raw

				continue
			}

			val, err := normalizeField(c, s, parentDef, raw, out)
			if err != nil {
				return err
			}

			result[c.resultKey(s)] = val

		case *ast.InlineFragment:
			// The response only ever contains fields of the concrete
			// type that was actually returned, so walking every
			// applying fragment against the same source is safe.
			err := normalizeInto(c, s.SelectionSet, fragmentDef(c, s.TypeCondition, parentDef), src, out, result)
			if err != nil {
				return err
			}

		case *ast.FragmentSpread:
			if s.Definition == nil {
				continue
			}

			err := normalizeInto(c, s.Definition.SelectionSet, fragmentDef(c, s.Definition.TypeCondition, parentDef), src, out, result)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// fragmentDef resolves the definition a fragment's selections apply to,
// falling back to the enclosing parent for condition-less fragments.
func fragmentDef(c *Context, condition string, parentDef *ast.Definition) *ast.Definition {
	if condition == "" {
		return parentDef
	}

	if def := c.Schema.Definition(condition); def != nil {
		return def
	}

	return parentDef
}

func normalizeField(c *Context, f *ast.Field, parentDef *ast.Definition, raw interface{}, out *store.NormalizedResponse) (interface{}, error) {
	fieldDef := f.Definition
	if fieldDef == nil && parentDef != nil {
		fieldDef = parentDef.Fields.ForName(f.Name)
	}

	if fieldDef == nil {
		return nil, fmt.Errorf("field %q not defined on %s", f.Name, definitionName(parentDef))
	}

	fieldType := fieldDef.Type

	if isListType(fieldType) {
		items, ok := rawSlice(raw)
		if !ok {
			if raw == nil {
				return nil, nil
			}

			return nil, fmt.Errorf("field %q: expected list, got %T", f.Name, raw)
		}

		if pa, paged := c.pageArgs(f); paged {
			return normalizePagedList(c, f, fieldType.Elem, items, pa, out)
		}

		normalized := make([]interface{}, 0, len(items))

		for _, item := range items {
			v, err := normalizeValue(c, f, fieldType.Elem, item, out)
			if err != nil {
				return nil, err
			}

			normalized = append(normalized, v)
		}

		return normalized, nil
	}

	return normalizeValue(c, f, fieldType, raw, out)
}

func normalizeValue(c *Context, f *ast.Field, t *ast.Type, raw interface{}, out *store.NormalizedResponse) (interface{}, error) {
	if raw == nil {
		return nil, nil
	}

	typeDef := c.Schema.NamedType(t)
	if c.Schema.IsLeaf(typeDef) {
		return raw, nil
	}

	src, ok := rawDocument(raw)
	if !ok {
		return nil, fmt.Errorf("field %q: expected object, got %T", f.Name, raw)
	}

	concrete := typeDef

	typename, _ := src["__typename"].(string)
	if c.Schema.IsAbstract(typeDef) && typename != "" {
		if resolved := c.Schema.ResolveAbstract(typeDef, typename); resolved != nil {
			concrete = resolved
		}
	}

	body, err := normalizeSelections(c, f.SelectionSet, concrete, src, out)
	if err != nil {
		return nil, err
	}

	idRaw, hasID := src[c.IDField]
	if !hasID || concrete.Kind != ast.Object {
		// Objects without identity inline into their parent.
		return body, nil
	}

	id := fmt.Sprint(idRaw)
	key := store.EntityKey{TypeName: concrete.Name, ID: id}

	body[c.IDField] = idRaw
	if typename != "" {
		body["__typename"] = typename
	}

	if existing := out.Entities.Get(key); existing != nil {
		body = store.MergeDocument(existing, body)
	}

	out.Entities.Set(key, body)

	return store.Ref{TypeName: concrete.Name, ID: id}, nil
}

// normalizePagedList turns one page of an identified list into a PagedList
// bucket. Elements that fail to normalize to a Ref degrade the whole field
// to a plain array, because pages can only accumulate when items carry
// identity.
func normalizePagedList(c *Context, f *ast.Field, elemType *ast.Type, items []interface{}, pa pageArgs, out *store.NormalizedResponse) (interface{}, error) {
	list := &store.PagedList{}

	plain := make([]interface{}, 0, len(items))
	degraded := false

	for _, item := range items {
		v, err := normalizeValue(c, f, elemType, item, out)
		if err != nil {
			return nil, err
		}

		plain = append(plain, v)

		ref, isRef := v.(store.Ref)
		if !isRef {
			degraded = true

			continue
		}

		cursor := ""
		if src, ok := rawDocument(item); ok {
			cursor, _ = src[c.CursorField].(string)
		}

		list.Refs = append(list.Refs, ref)
		list.Cursors = append(list.Cursors, cursor)
	}

	if degraded {
		return plain, nil
	}

	// A short page proves the list ended in the walk direction; a page
	// without a cursor argument is anchored at the respective end.
	short := pa.count > 0 && len(items) < pa.count
	if pa.forward {
		list.BOF = pa.anchored
		list.EOF = short
	} else {
		list.EOF = pa.anchored
		list.BOF = short
	}

	return list, nil
}

func isListType(t *ast.Type) bool {
	return t != nil && t.NamedType == "" && t.Elem != nil
}

func rawSlice(raw interface{}) ([]interface{}, bool) {
	items, ok := raw.([]interface{})

	return items, ok
}

func rawDocument(raw interface{}) (store.Document, bool) {
	switch m := raw.(type) {
	case store.Document:
		return m, true
	case map[string]interface{}:
		return store.Document(m), true
	default:
		return nil, false
	}
}

func definitionName(def *ast.Definition) string {
	if def == nil {
		return "<unknown>"
	}

	return def.Name
}
