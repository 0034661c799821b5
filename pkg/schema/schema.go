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

// Package schema wraps a parsed GraphQL schema with the lookups the cache
// walkers need: root operation types, field definitions on the mutation
// root, and abstract type resolution for unions and interfaces.
//
// Parsing and validation are delegated to vektah/gqlparser, the same
// library that backs the query documents the walkers traverse. Queries are
// always validated against the schema here so downstream code can rely on
// populated Definition and ObjectDefinition pointers in the AST.
package schema

import (
	"fmt"

	gqlparser "github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// ErrUnknownMutation indicates a mutation name that does not exist on the
// schema's mutation root. This is a caller contract violation, reported
// immediately instead of being sent to the server.
var ErrUnknownMutation = &schemaError{msg: "mutation not defined in schema"}

// ErrNoMutationType indicates the schema declares no mutation root at all.
var ErrNoMutationType = &schemaError{msg: "schema has no mutation type"}

type schemaError struct {
	msg string
}

func (e *schemaError) Error() string {
	return e.msg
}

// Schema is a parsed and validated GraphQL schema.
type Schema struct {
	ast *ast.Schema
}

// Load parses an SDL document into a Schema.
func Load(sdl string) (*Schema, error) {
	parsed, err := gqlparser.LoadSchema(&ast.Source{Name: "schema.graphql", Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}

	return &Schema{ast: parsed}, nil
}

// MustLoad is Load for schemas known to be valid, typically test fixtures.
// It panics on parse failure.
func MustLoad(sdl string) *Schema {
	s, err := Load(sdl)
	if err != nil {
		panic(err)
	}

	return s
}

// AST exposes the underlying parsed schema.
func (s *Schema) AST() *ast.Schema {
	return s.ast
}

// Query returns the query root definition.
func (s *Schema) Query() *ast.Definition {
	return s.ast.Query
}

// Mutation returns the mutation root definition, or nil when the schema
// declares none.
func (s *Schema) Mutation() *ast.Definition {
	return s.ast.Mutation
}

// Subscription returns the subscription root definition, or nil.
func (s *Schema) Subscription() *ast.Definition {
	return s.ast.Subscription
}

// Definition looks up a named type.
func (s *Schema) Definition(name string) *ast.Definition {
	return s.ast.Types[name]
}

// NamedType resolves a type reference (unwrapping lists and non-nulls) to
// its definition.
func (s *Schema) NamedType(t *ast.Type) *ast.Definition {
	if t == nil {
		return nil
	}

	return s.ast.Types[t.Name()]
}

// MutationField returns the field definition for name on the mutation
// root.
func (s *Schema) MutationField(name string) (*ast.FieldDefinition, error) {
	if s.ast.Mutation == nil {
		return nil, ErrNoMutationType
	}

	def := s.ast.Mutation.Fields.ForName(name)
	if def == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMutation, name)
	}

	return def, nil
}

// IsAbstract reports whether def is a union or interface, i.e. needs a
// __typename to resolve to a concrete object.
func (s *Schema) IsAbstract(def *ast.Definition) bool {
	return def != nil && (def.Kind == ast.Union || def.Kind == ast.Interface)
}

// IsLeaf reports whether def denormalizes to a scalar value.
func (s *Schema) IsLeaf(def *ast.Definition) bool {
	return def == nil || def.Kind == ast.Scalar || def.Kind == ast.Enum
}

// ResolveAbstract resolves an abstract definition against a concrete
// __typename. Returns nil when typename is not a possible type of def.
func (s *Schema) ResolveAbstract(def *ast.Definition, typename string) *ast.Definition {
	if def == nil {
		return nil
	}

	if !s.IsAbstract(def) {
		if def.Name == typename {
			return def
		}

		return nil
	}

	for _, possible := range s.ast.PossibleTypes[def.Name] {
		if possible.Name == typename {
			return possible
		}
	}

	return nil
}

// ParseQuery parses and validates a query document against the schema.
func (s *Schema) ParseQuery(query string) (*ast.QueryDocument, error) {
	doc, errs := gqlparser.LoadQuery(s.ast, query)
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to parse query: %w", errs)
	}

	return doc, nil
}
