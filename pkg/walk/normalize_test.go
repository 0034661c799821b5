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

package walk_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
	"github.com/united-manufacturing-hub/gqlcache/pkg/walk"
)

var _ = Describe("Normalize", func() {
	It("should extract identified objects as entities and leave refs", func() {
		ctx := newTestContext(`query { user(id: "1") { id name } }`, nil, store.NewData())

		resp, err := walk.Normalize(ctx, store.Document{
			"user": store.Document{"id": "1", "name": "Alice"},
		})

		Expect(err).NotTo(HaveOccurred())

		body := resp.Entities.Get(store.EntityKey{TypeName: "User", ID: "1"})
		Expect(body).To(HaveKeyWithValue("name", "Alice"))

		Expect(resp.Result[`user(id:1)`]).To(Equal(store.Ref{TypeName: "User", ID: "1"}))
	})

	It("should inline objects without identity", func() {
		ctx := newTestContext(`query { settings { theme perPage } }`, nil, store.NewData())

		resp, err := walk.Normalize(ctx, store.Document{
			"settings": store.Document{"theme": "dark", "perPage": 25},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Entities.IsEmpty()).To(BeTrue())
		Expect(resp.Result["settings"]).To(Equal(store.Document{"theme": "dark", "perPage": 25}))
	})

	It("should not mutate the variable bag", func() {
		vars := store.Variables{"id": "1"}
		ctx := newTestContext(`query ($id: ID!) { user(id: $id) { id } }`, vars, store.NewData())

		_, err := walk.Normalize(ctx, store.Document{
			"user": store.Document{"id": "1"},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(ctx.Variables).To(Equal(store.Variables{"id": "1"}))
	})

	Describe("pagination buckets", func() {
		It("should collect a forward page into a PagedList", func() {
			ctx := newTestContext(`query { posts(first: 2) { id title cursor } }`, nil, store.NewData())

			resp, err := walk.Normalize(ctx, store.Document{
				"posts": []interface{}{
					store.Document{"id": "1", "title": "One", "cursor": "c1"},
					store.Document{"id": "2", "title": "Two", "cursor": "c2"},
				},
			})

			Expect(err).NotTo(HaveOccurred())

			list, ok := resp.Result["posts"].(*store.PagedList)
			Expect(ok).To(BeTrue())
			Expect(list.Refs).To(Equal([]store.Ref{
				{TypeName: "Post", ID: "1"},
				{TypeName: "Post", ID: "2"},
			}))
			Expect(list.Cursors).To(Equal([]string{"c1", "c2"}))
			Expect(list.BOF).To(BeTrue())
			Expect(list.EOF).To(BeFalse())
		})

		It("should mark EOF when the page comes back short", func() {
			ctx := newTestContext(`query { posts(first: 5) { id cursor } }`, nil, store.NewData())

			resp, err := walk.Normalize(ctx, store.Document{
				"posts": []interface{}{
					store.Document{"id": "1", "cursor": "c1"},
				},
			})

			Expect(err).NotTo(HaveOccurred())

			list := resp.Result["posts"].(*store.PagedList)
			Expect(list.EOF).To(BeTrue())
		})

		It("should not anchor a cursor-continued page at the front", func() {
			ctx := newTestContext(`query { posts(first: 2, after: "c2") { id cursor } }`, nil, store.NewData())

			resp, err := walk.Normalize(ctx, store.Document{
				"posts": []interface{}{
					store.Document{"id": "3", "cursor": "c3"},
					store.Document{"id": "4", "cursor": "c4"},
				},
			})

			Expect(err).NotTo(HaveOccurred())

			list := resp.Result["posts"].(*store.PagedList)
			Expect(list.BOF).To(BeFalse())
		})
	})

	Describe("unions", func() {
		It("should resolve members through __typename", func() {
			ctx := newTestContext(`query { feed { __typename ... on Post { id title } ... on Notice { id text } } }`, nil, store.NewData())

			resp, err := walk.Normalize(ctx, store.Document{
				"feed": []interface{}{
					store.Document{"__typename": "Post", "id": "1", "title": "One"},
					store.Document{"__typename": "Notice", "id": "9", "text": "hello"},
				},
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Entities.Get(store.EntityKey{TypeName: "Post", ID: "1"})).NotTo(BeNil())
			Expect(resp.Entities.Get(store.EntityKey{TypeName: "Notice", ID: "9"})).NotTo(BeNil())
		})
	})

	Describe("round trip", func() {
		It("should denormalize a normalized response back to the original", func() {
			query := `query { user(id: "1") { id name email } }`
			response := store.Document{
				"user": store.Document{"id": "1", "name": "Alice", "email": "a@b.c"},
			}

			ctx := newTestContext(query, nil, store.NewData())

			norm, err := walk.Normalize(ctx, response)
			Expect(err).NotTo(HaveOccurred())

			data := store.NewData()
			for _, key := range norm.Entities.Keys() {
				data.Entities.Set(key, norm.Entities.Get(key))
			}

			result := walk.Denormalize(ctx.WithSnapshot(data), norm.Result)

			Expect(result.IsComplete).To(BeTrue())
			Expect(result.Data).To(Equal(response))
		})

		It("should survive the round trip for paginated fields", func() {
			query := `query { posts(first: 2) { id title cursor } }`
			response := store.Document{
				"posts": []interface{}{
					store.Document{"id": "1", "title": "One", "cursor": "c1"},
					store.Document{"id": "2", "title": "Two", "cursor": "c2"},
				},
			}

			ctx := newTestContext(query, nil, store.NewData())

			norm, err := walk.Normalize(ctx, response)
			Expect(err).NotTo(HaveOccurred())

			data := store.NewData()
			for _, key := range norm.Entities.Keys() {
				data.Entities.Set(key, norm.Entities.Get(key))
			}

			result := walk.Denormalize(ctx.WithSnapshot(data), norm.Result)

			Expect(result.IsComplete).To(BeTrue())
			Expect(result.Data).To(Equal(response))
		})
	})
})
