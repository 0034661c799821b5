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

package schema_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/united-manufacturing-hub/gqlcache/pkg/schema"
)

const testSDL = `
type Query {
  user(id: ID!): User
  feed: [FeedItem]
}

type Mutation {
  renameUser(userId: ID!, name: String!): User
  removeUser(userId: ID!): Boolean
}

type User {
  id: ID!
  name: String
}

type Notice {
  id: ID!
  text: String
}

union FeedItem = User | Notice
`

var _ = Describe("Schema", func() {
	var s *schema.Schema

	BeforeEach(func() {
		s = schema.MustLoad(testSDL)
	})

	Describe("Load", func() {
		It("should reject invalid SDL", func() {
			_, err := schema.Load("type Query {")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("MutationField", func() {
		It("should resolve declared mutations", func() {
			def, err := s.MutationField("renameUser")

			Expect(err).NotTo(HaveOccurred())
			Expect(def.Type.Name()).To(Equal("User"))
		})

		It("should fail for unknown mutation names", func() {
			_, err := s.MutationField("nope")

			Expect(errors.Is(err, schema.ErrUnknownMutation)).To(BeTrue())
		})
	})

	Describe("ResolveAbstract", func() {
		It("should resolve a union member by typename", func() {
			feedItem := s.Definition("FeedItem")

			resolved := s.ResolveAbstract(feedItem, "Notice")

			Expect(resolved).NotTo(BeNil())
			Expect(resolved.Name).To(Equal("Notice"))
		})

		It("should return nil for a type outside the union", func() {
			feedItem := s.Definition("FeedItem")

			Expect(s.ResolveAbstract(feedItem, "Query")).To(BeNil())
		})

		It("should pass concrete definitions through", func() {
			user := s.Definition("User")

			Expect(s.ResolveAbstract(user, "User")).To(Equal(user))
		})
	})

	Describe("IsLeaf", func() {
		It("should report scalars and missing definitions as leaves", func() {
			Expect(s.IsLeaf(s.Definition("Boolean"))).To(BeTrue())
			Expect(s.IsLeaf(nil)).To(BeTrue())
			Expect(s.IsLeaf(s.Definition("User"))).To(BeFalse())
		})
	})

	Describe("ParseQuery", func() {
		It("should validate against the schema", func() {
			doc, err := s.ParseQuery(`query { user(id: "1") { id name } }`)

			Expect(err).NotTo(HaveOccurred())
			Expect(doc.Operations).To(HaveLen(1))
			Expect(doc.Operations[0].Operation).To(Equal(ast.Query))
		})

		It("should populate field definitions for the walkers", func() {
			doc, err := s.ParseQuery(`query { user(id: "1") { id } }`)

			Expect(err).NotTo(HaveOccurred())

			field := doc.Operations[0].SelectionSet[0].(*ast.Field)
			Expect(field.Definition).NotTo(BeNil())
		})

		It("should reject selections of unknown fields", func() {
			_, err := s.ParseQuery(`query { bogus }`)
			Expect(err).To(HaveOccurred())
		})
	})
})
