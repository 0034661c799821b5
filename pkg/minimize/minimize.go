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

// Package minimize turns the missing marks of a denormalization into the
// smallest query the server still has to answer.
//
// The heavy lifting happens during the denormalization walk, which already
// pruned satisfied selections and narrowed pagination windows. What remains
// here is document assembly: drop variable definitions nothing references
// anymore, keep the operation name and kind, and print. Fragment spreads
// the walk narrowed are already inlined; definitions of spreads still
// present in the missing set are carried along, all others are dropped.
package minimize

import (
	"bytes"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"

	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
	"github.com/united-manufacturing-hub/gqlcache/pkg/walk"
)

// Plan is a minimized server request: the printed query and the variable
// bag filtered down to the variables the query still references. An empty
// Query means the caller is fully local and no request is needed.
type Plan struct {
	Query     string
	Variables store.Variables
}

// Minimize assembles the server request for a missing selection set.
// Variable names are preserved from the original operation; rewritten
// pagination arguments carry literal values and reference no variables at
// all.
func Minimize(c *walk.Context, missing ast.SelectionSet) (*Plan, error) {
	if len(missing) == 0 {
		return &Plan{}, nil
	}

	used := make(map[string]bool)
	collectSelectionVars(missing, used)

	var varDefs ast.VariableDefinitionList

	for _, def := range c.Op.VariableDefinitions {
		if used[def.Variable] {
			varDefs = append(varDefs, def)
		}
	}

	op := &ast.OperationDefinition{
		Operation:           c.Op.Operation,
		Name:                c.Op.Name,
		VariableDefinitions: varDefs,
		SelectionSet:        missing,
	}

	// The denormalizer inlines spreads when it narrows them, but a
	// cold-start missing set is the original selection and may still
	// reference named fragments. Those definitions ride along; every
	// other fragment of the document is pruned.
	doc := &ast.QueryDocument{
		Operations: ast.OperationList{op},
		Fragments:  referencedFragments(missing),
	}

	var buf bytes.Buffer

	func() {
		defer func() {
			// The formatter panics on malformed nodes instead of
			// returning errors; a malformed missing set is a walker bug
			// we want surfaced as an error, not a crash.
			_ = recover()
		}()
		formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	}()

	if buf.Len() == 0 {
		return nil, fmt.Errorf("failed to print minimized query")
	}

	vars := make(store.Variables)

	for name := range used {
		if val, ok := c.Variables[name]; ok {
			vars[name] = val
		}
	}

	return &Plan{Query: buf.String(), Variables: vars}, nil
}

func referencedFragments(sels ast.SelectionSet) ast.FragmentDefinitionList {
	seen := make(map[string]bool)

	var out ast.FragmentDefinitionList

	var visit func(sels ast.SelectionSet)

	visit = func(sels ast.SelectionSet) {
		for _, sel := range sels {
			switch s := sel.(type) {
			case *ast.Field:
				visit(s.SelectionSet)
			case *ast.InlineFragment:
				visit(s.SelectionSet)
			case *ast.FragmentSpread:
				if s.Definition == nil || seen[s.Definition.Name] {
					continue
				}

				seen[s.Definition.Name] = true

				out = append(out, s.Definition)
				visit(s.Definition.SelectionSet)
			}
		}
	}

	visit(sels)

	return out
}

func collectSelectionVars(sels ast.SelectionSet, used map[string]bool) {
	for _, sel := range sels {
		switch s := sel.(type) {
		case *ast.Field:
			for _, arg := range s.Arguments {
				collectValueVars(arg.Value, used)
			}

			collectSelectionVars(s.SelectionSet, used)

		case *ast.InlineFragment:
			collectSelectionVars(s.SelectionSet, used)

		case *ast.FragmentSpread:
			if s.Definition != nil {
				collectSelectionVars(s.Definition.SelectionSet, used)
			}
		}
	}
}

func collectValueVars(v *ast.Value, used map[string]bool) {
	if v == nil {
		return
	}

	if v.Kind == ast.Variable {
		used[v.Raw] = true
	}

	for _, child := range v.Children {
		collectValueVars(child.Value, used)
	}
}
