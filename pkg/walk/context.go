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

// Package walk converts between server-shaped responses and the flat store.
//
// Both directions are driven by the same execution context: a validated
// query document, the schema, the resolved variable bag, and a snapshot of
// the store. The normalizer flattens a response into entities plus a result
// skeleton; the denormalizer rebuilds a response shape from the snapshot and
// marks what the snapshot cannot satisfy. The missing marks are selection
// sets, so the minimizer can print them back out as a smaller query without
// a second walk.
package walk

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/united-manufacturing-hub/gqlcache/pkg/schema"
	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
)

// DefaultIDFieldName is the identity field used when none is configured.
const DefaultIDFieldName = "id"

// DefaultCursorFieldName is the per-item cursor field used when none is
// configured.
const DefaultCursorFieldName = "cursor"

// PaginationWords names the four reserved cursor arguments. Servers with
// nonstandard pagination vocabularies rename them here; everything else in
// the cache is agnostic of the actual spelling.
type PaginationWords struct {
	First  string
	Last   string
	After  string
	Before string
}

// DefaultPaginationWords returns the Relay-style argument names.
func DefaultPaginationWords() PaginationWords {
	return PaginationWords{First: "first", Last: "last", After: "after", Before: "before"}
}

func (w PaginationWords) contains(name string) bool {
	return name == w.First || name == w.Last || name == w.After || name == w.Before
}

// Context carries everything one normalize or denormalize walk needs.
//
// A context is built per operation per caller and is cheap; the expensive
// parts (parsed document, schema) are shared by reference. The only part
// of the context a walk writes is OriginalArgs: Variables is read-only
// during a walk, and argument rewrites produce copied fields with the
// originals recorded in OriginalArgs.
type Context struct {
	Doc       *ast.QueryDocument
	Op        *ast.OperationDefinition
	Schema    *schema.Schema
	Variables store.Variables

	Pagination  PaginationWords
	IDField     string
	CursorField string

	Snapshot store.Data

	// OriginalArgs maps a rewritten field (as it appears in a missing
	// selection set) back to the arguments the caller originally wrote.
	// The minimizer prints the rewritten arguments and does not read this
	// map.
	OriginalArgs map[*ast.Field]ast.ArgumentList
}

// NewContext builds a context for the first operation of doc.
func NewContext(s *schema.Schema, doc *ast.QueryDocument, vars store.Variables) (*Context, error) {
	if s == nil {
		return nil, fmt.Errorf("schema must not be nil")
	}

	if doc == nil || len(doc.Operations) == 0 {
		return nil, fmt.Errorf("query document has no operations")
	}

	return &Context{
		Doc:          doc,
		Op:           doc.Operations[0],
		Schema:       s,
		Variables:    vars,
		Pagination:   DefaultPaginationWords(),
		IDField:      DefaultIDFieldName,
		CursorField:  DefaultCursorFieldName,
		OriginalArgs: make(map[*ast.Field]ast.ArgumentList),
	}, nil
}

// WithSnapshot returns a copy of the context reading from a fresh store
// snapshot. Post-await re-denormalization uses this: state may have
// changed while a transport call was in flight.
func (c *Context) WithSnapshot(snapshot store.Data) *Context {
	cp := *c
	cp.Snapshot = snapshot

	return &cp
}

// WithOperation returns a copy of the context walking a different
// operation, e.g. the minimized selection a server response is shaped by.
func (c *Context) WithOperation(op *ast.OperationDefinition) *Context {
	cp := *c
	cp.Op = op

	return &cp
}

// RootDefinition returns the schema definition the operation's selection
// set applies to.
func (c *Context) RootDefinition() *ast.Definition {
	switch c.Op.Operation {
	case ast.Mutation:
		return c.Schema.Mutation()
	case ast.Subscription:
		return c.Schema.Subscription()
	default:
		return c.Schema.Query()
	}
}

// argValue resolves one argument against the variable bag. Unresolvable
// values (unknown variable) come back as nil.
func (c *Context) argValue(arg *ast.Argument) interface{} {
	if arg == nil || arg.Value == nil {
		return nil
	}

	val, err := arg.Value.Value(map[string]interface{}(c.Variables))
	if err != nil {
		return nil
	}

	return val
}

// intArg resolves an argument expected to be an integer count.
func (c *Context) intArg(arg *ast.Argument) (int, bool) {
	val := c.argValue(arg)

	switch n := val.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// stringArg resolves an argument expected to be a cursor string.
func (c *Context) stringArg(arg *ast.Argument) (string, bool) {
	val, ok := c.argValue(arg).(string)

	return val, ok
}

// pageArgs is the resolved pagination window of one field.
type pageArgs struct {
	count    int
	cursor   string
	forward  bool
	anchored bool // true when no cursor argument was supplied
	countArg *ast.Argument
}

// pageArgs extracts the pagination window from a field, or ok=false when
// the field carries no pagination arguments.
func (c *Context) pageArgs(f *ast.Field) (pageArgs, bool) {
	var pa pageArgs

	found := false

	for _, arg := range f.Arguments {
		switch arg.Name {
		case c.Pagination.First:
			if n, ok := c.intArg(arg); ok {
				pa.count = n
				pa.forward = true
				pa.countArg = arg
				found = true
			}
		case c.Pagination.Last:
			if n, ok := c.intArg(arg); ok {
				pa.count = n
				pa.forward = false
				pa.countArg = arg
				found = true
			}
		case c.Pagination.After, c.Pagination.Before:
			if s, ok := c.stringArg(arg); ok && s != "" {
				pa.cursor = s
			}
		}
	}

	pa.anchored = pa.cursor == ""

	return pa, found
}

// resultKey is the key a field stores under in a result skeleton or entity
// body. Non-pagination arguments participate in the key so that the same
// field queried with different arguments lands in different slots;
// pagination arguments are deliberately excluded so all pages of one list
// share a single bucket.
func (c *Context) resultKey(f *ast.Field) string {
	var sig []string

	for _, arg := range f.Arguments {
		if c.Pagination.contains(arg.Name) {
			continue
		}

		sig = append(sig, fmt.Sprintf("%s:%v", arg.Name, c.argValue(arg)))
	}

	if len(sig) == 0 {
		return f.Alias
	}

	sort.Strings(sig)

	return f.Alias + "(" + strings.Join(sig, ",") + ")"
}

// fragmentApplies reports whether a fragment with the given type condition
// selects into a concrete object definition.
func (c *Context) fragmentApplies(condition string, concrete *ast.Definition) bool {
	if condition == "" || concrete == nil || condition == concrete.Name {
		return true
	}

	for _, iface := range concrete.Interfaces {
		if iface == condition {
			return true
		}
	}

	for _, possible := range c.Schema.AST().PossibleTypes[condition] {
		if possible.Name == concrete.Name {
			return true
		}
	}

	return false
}

// copyField returns a shallow copy of f with its own argument list and the
// given selection set, leaving the cached document untouched.
func copyField(f *ast.Field, selections ast.SelectionSet) *ast.Field {
	out := *f
	out.Arguments = make(ast.ArgumentList, len(f.Arguments))
	copy(out.Arguments, f.Arguments)
	out.SelectionSet = selections

	return &out
}

// literalArg builds an argument with a literal value, used when the
// planner narrows a pagination window.
func literalArg(name string, value interface{}) *ast.Argument {
	switch v := value.(type) {
	case int:
		return &ast.Argument{
			Name:  name,
			Value: &ast.Value{Raw: fmt.Sprintf("%d", v), Kind: ast.IntValue},
		}
	default:
		return &ast.Argument{
			Name:  name,
			Value: &ast.Value{Raw: fmt.Sprintf("%v", v), Kind: ast.StringValue},
		}
	}
}
