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

package cache_test

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/gqlcache/pkg/cache"
	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
	"github.com/united-manufacturing-hub/gqlcache/pkg/transport"
)

const (
	queryA = `query { user(id: "1") { id posts(first: 2) { id title cursor } } }`
	queryB = `query { user(id: "1") { id email } }`
)

// retitled returns caller A's response shape with one post retitled.
func retitled(current store.Document, title string) store.Document {
	user := current["user"].(store.Document)
	posts := user["posts"].([]interface{})
	first := posts[0].(store.Document)
	first["title"] = title

	return current
}

var _ = Describe("Mutate", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should reject an empty mutation name", func() {
		c, _ := newTestCache(&fakeTransport{})

		_, err := c.Mutate(ctx, "", nil)
		Expect(errors.Is(err, cache.ErrEmptyMutationName)).To(BeTrue())
	})

	It("should reject mutations the schema does not declare", func() {
		c, _ := newTestCache(&fakeTransport{})

		_, err := c.Mutate(ctx, "explodePost", nil)
		Expect(err).To(HaveOccurred())
	})

	// prepare seeds both callers, registers A's handler, and returns the
	// cache plus transport.
	prepare := func(handler cache.MutationHandler, respond func(req *transport.Request) (*transport.Response, error)) (*cache.Cache, *store.InMemoryContainer, *fakeTransport) {
		ft := &fakeTransport{respond: respond}
		c, container := newTestCache(ft)
		seedUserWithPosts(container, "caller-a", "caller-b")

		respA, err := c.Query(ctx, queryA, &cache.QueryOptions{
			CallerID:  "caller-a",
			LocalOnly: true,
			MutationHandlers: map[string]cache.MutationHandler{
				"renamePost": handler,
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(respA.IsComplete).To(BeTrue())

		respB, err := c.Query(ctx, queryB, &cache.QueryOptions{CallerID: "caller-b", LocalOnly: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(respB.IsComplete).To(BeTrue())

		return c, container, ft
	}

	Describe("merged mutation document", func() {
		It("should contain only the projections of callers with handlers", func() {
			handler := cache.HandlerFuncs{}

			c, _, ft := prepare(handler, func(req *transport.Request) (*transport.Response, error) {
				return &transport.Response{Data: store.Document{"renamePost": store.Document{}}}, nil
			})

			_, err := c.Mutate(ctx, "renamePost", &cache.MutationOptions{
				Variables: store.Variables{"postId": "p1", "name": "Renamed"},
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(ft.CallCount()).To(Equal(1))

			sent := ft.Calls()[0].Query
			Expect(sent).To(HavePrefix("mutation"))
			Expect(sent).To(ContainSubstring("title"))
			// Caller B registered no handler; its email field has no
			// business in the merged document.
			Expect(sent).NotTo(ContainSubstring("email"))
		})
	})

	Describe("optimistic updates", func() {
		It("should merge the handler result into the store before the server answers", func() {
			var sawServerDoc bool

			handler := cache.HandlerFuncs{
				OnOptimistic: func(vars store.Variables, current store.Document, tools *cache.HandlerTools) cache.HandlerResult {
					return cache.Replace(retitled(current, vars["name"].(string)))
				},
				OnAuthoritative: func(serverDoc store.Document, current store.Document, tools *cache.HandlerTools) cache.HandlerResult {
					sawServerDoc = serverDoc != nil

					return cache.Noop()
				},
			}

			prefix := fmt.Sprintf("c%x", xxhash.Sum64String("caller-a"))

			c, container, _ := prepare(handler, func(req *transport.Request) (*transport.Response, error) {
				// The store must already hold the optimistic title when
				// the server is asked.
				Expect(entityTitle(container, "p1")).To(Equal("Optimistic"))

				return &transport.Response{Data: store.Document{
					"renamePost": store.Document{
						prefix + "_id":    "p1",
						prefix + "_title": "Optimistic",
					},
				}}, nil
			})

			_, err := c.Mutate(ctx, "renamePost", &cache.MutationOptions{
				Variables: store.Variables{"postId": "p1", "name": "Optimistic"},
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(entityTitle(container, "p1")).To(Equal("Optimistic"))
			Expect(sawServerDoc).To(BeTrue())
		})

		It("should replace the caller's response identity", func() {
			handler := cache.HandlerFuncs{
				OnOptimistic: func(vars store.Variables, current store.Document, tools *cache.HandlerTools) cache.HandlerResult {
					return cache.Replace(retitled(current, "Fresh"))
				},
			}

			c, _, _ := prepare(handler, func(req *transport.Request) (*transport.Response, error) {
				return &transport.Response{Data: store.Document{"renamePost": store.Document{}}}, nil
			})

			before, err := c.Query(ctx, queryA, &cache.QueryOptions{CallerID: "caller-a"})
			Expect(err).NotTo(HaveOccurred())

			_, err = c.Mutate(ctx, "renamePost", &cache.MutationOptions{
				Variables: store.Variables{"postId": "p1", "name": "Fresh"},
			})
			Expect(err).NotTo(HaveOccurred())

			after, err := c.Query(ctx, queryA, &cache.QueryOptions{CallerID: "caller-a"})
			Expect(err).NotTo(HaveOccurred())

			Expect(after).NotTo(BeIdenticalTo(before))
		})
	})

	Describe("authoritative pass", func() {
		It("should hand the de-aliased payload to the handler", func() {
			var got store.Document

			handler := cache.HandlerFuncs{
				OnAuthoritative: func(serverDoc store.Document, current store.Document, tools *cache.HandlerTools) cache.HandlerResult {
					got = serverDoc

					return cache.Replace(retitled(current, serverDoc["title"].(string)))
				},
			}

			prefix := fmt.Sprintf("c%x", xxhash.Sum64String("caller-a"))

			c, container, _ := prepare(handler, func(req *transport.Request) (*transport.Response, error) {
				return &transport.Response{Data: store.Document{
					"renamePost": store.Document{
						prefix + "_id":     "p1",
						prefix + "_title":  "Server Title",
						prefix + "_cursor": "c1",
					},
				}}, nil
			})

			_, err := c.Mutate(ctx, "renamePost", &cache.MutationOptions{
				Variables: store.Variables{"postId": "p1", "name": "Server Title"},
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(got).To(HaveKeyWithValue("id", "p1"))
			Expect(got).To(HaveKeyWithValue("title", "Server Title"))
			Expect(got).NotTo(HaveKey(prefix + "_title"))

			Expect(entityTitle(container, "p1")).To(Equal("Server Title"))
		})

		It("should leave unaffected callers' responses untouched", func() {
			handler := cache.HandlerFuncs{
				OnAuthoritative: func(serverDoc store.Document, current store.Document, tools *cache.HandlerTools) cache.HandlerResult {
					return cache.Replace(retitled(current, "Changed"))
				},
			}

			prefix := fmt.Sprintf("c%x", xxhash.Sum64String("caller-a"))

			c, _, _ := prepare(handler, func(req *transport.Request) (*transport.Response, error) {
				return &transport.Response{Data: store.Document{
					"renamePost": store.Document{
						prefix + "_id":    "p1",
						prefix + "_title": "Changed",
					},
				}}, nil
			})

			// Caller B depends on User:1 only; the mutation changes
			// Post:p1, so B's cached response must survive.
			before, err := c.Query(ctx, queryB, &cache.QueryOptions{CallerID: "caller-b"})
			Expect(err).NotTo(HaveOccurred())

			_, err = c.Mutate(ctx, "renamePost", &cache.MutationOptions{
				Variables: store.Variables{"postId": "p1", "name": "Changed"},
			})
			Expect(err).NotTo(HaveOccurred())

			after, err := c.Query(ctx, queryB, &cache.QueryOptions{CallerID: "caller-b"})
			Expect(err).NotTo(HaveOccurred())
			Expect(after).To(BeIdenticalTo(before))
		})
	})

	Describe("invalidation requests", func() {
		It("should refetch the caller and skip its local merge", func() {
			handler := cache.HandlerFuncs{
				OnOptimistic: func(vars store.Variables, current store.Document, tools *cache.HandlerTools) cache.HandlerResult {
					return cache.Invalidate()
				},
				OnAuthoritative: func(serverDoc store.Document, current store.Document, tools *cache.HandlerTools) cache.HandlerResult {
					return cache.Noop()
				},
			}

			c, container, ft := prepare(handler, func(req *transport.Request) (*transport.Response, error) {
				if strings.HasPrefix(req.Query, "mutation") {
					return &transport.Response{Data: store.Document{"renamePost": store.Document{}}}, nil
				}

				// The refetch of caller A's full query.
				return &transport.Response{Data: store.Document{
					"user": store.Document{
						"id": "1",
						"posts": []interface{}{
							store.Document{"id": "p1", "title": "Refetched", "cursor": "c1"},
							store.Document{"id": "p2", "title": "Two", "cursor": "c2"},
						},
					},
				}}, nil
			})

			_, err := c.Mutate(ctx, "renamePost", &cache.MutationOptions{
				Variables: store.Variables{"postId": "p1", "name": "Ignored"},
			})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() bool {
				for _, call := range ft.Calls() {
					if strings.HasPrefix(call.Query, "query") || strings.HasPrefix(call.Query, "{") {
						return true
					}
				}

				return false
			}).Should(BeTrue(), "expected a refetch query on the transport")

			Eventually(func() interface{} {
				return entityTitle(container, "p1")
			}).Should(Equal("Refetched"))
		})
	})

	Describe("server failures", func() {
		It("should keep the optimistic state and record the error", func() {
			boom := errors.New("mutation failed")

			handler := cache.HandlerFuncs{
				OnOptimistic: func(vars store.Variables, current store.Document, tools *cache.HandlerTools) cache.HandlerResult {
					return cache.Replace(retitled(current, "Optimistic"))
				},
			}

			c, container, _ := prepare(handler, func(req *transport.Request) (*transport.Response, error) {
				return nil, boom
			})

			_, err := c.Mutate(ctx, "renamePost", &cache.MutationOptions{
				Variables: store.Variables{"postId": "p1", "name": "Optimistic"},
			})

			Expect(err).To(MatchError(boom))
			Expect(entityTitle(container, "p1")).To(Equal("Optimistic"))
			Expect(container.GetState().Error).To(MatchError(boom))
		})
	})
})
