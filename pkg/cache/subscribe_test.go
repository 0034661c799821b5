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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/gqlcache/pkg/cache"
	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
)

const subQuery = `subscription { postUpdates { id title cursor } }`

// startSubscription subscribes with a capturing fake subscriber and
// returns the handle plus the captured patch handlers.
func startSubscription(c *cache.Cache, query string, opts *cache.SubscribeOptions) (*cache.SubscriptionHandle, *cache.PatchHandlers, *bool) {
	var captured cache.PatchHandlers

	unsubscribed := false

	subscriber := func(_ string, _ store.Variables, handlers cache.PatchHandlers, _ func() store.Document) (func(), error) {
		captured = handlers

		return func() { unsubscribed = true }, nil
	}

	handle, err := c.Subscribe(context.Background(), query, subscriber, opts)
	Expect(err).NotTo(HaveOccurred())

	return handle, &captured, &unsubscribed
}

var _ = Describe("Subscribe", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("should return the same handle for a repeated subscription", func() {
		c, _ := newTestCache(&fakeTransport{})

		first, _, _ := startSubscription(c, subQuery, nil)
		second, _, _ := startSubscription(c, subQuery, nil)

		Expect(second).To(BeIdenticalTo(first))
	})

	It("should fold added documents into the store", func() {
		c, container := newTestCache(&fakeTransport{})

		handle, handlers, _ := startSubscription(c, subQuery, nil)

		err := handlers.Add(store.Document{"id": "p9", "title": "Fresh", "cursor": "c9"}, nil)
		Expect(err).NotTo(HaveOccurred())

		body := container.GetState().Data.Entities.Get(store.EntityKey{TypeName: "Post", ID: "p9"})
		Expect(body).To(HaveKeyWithValue("title", "Fresh"))

		items := handle.Data()["postUpdates"].([]interface{})
		Expect(items).To(HaveLen(1))
	})

	It("should invalidate queries depending on a patched entity", func() {
		ft := &fakeTransport{}
		c, container := newTestCache(ft)
		seedUserWithPosts(container, "profile")

		// The query renders Post:p1 and is fully local.
		first, err := c.Query(ctx, queryA, &cache.QueryOptions{CallerID: "profile"})
		Expect(err).NotTo(HaveOccurred())
		Expect(first.IsComplete).To(BeTrue())

		_, handlers, _ := startSubscription(c, subQuery, nil)

		err = handlers.Add(store.Document{"id": "p1", "title": "One", "cursor": "c1"}, nil)
		Expect(err).NotTo(HaveOccurred())

		err = handlers.Update(store.Document{"id": "p1", "title": "Patched"}, nil)
		Expect(err).NotTo(HaveOccurred())

		// The store was updated through the subscription.
		Expect(entityTitle(container, "p1")).To(Equal("Patched"))

		// The query's cached response was flushed; the next read
		// re-denormalizes locally without a server call.
		second, err := c.Query(ctx, queryA, &cache.QueryOptions{CallerID: "profile"})
		Expect(err).NotTo(HaveOccurred())
		Expect(second).NotTo(BeIdenticalTo(first))
		Expect(second.IsComplete).To(BeTrue())

		user := second.Data["user"].(store.Document)
		posts := user["posts"].([]interface{})
		Expect(posts[0].(store.Document)).To(HaveKeyWithValue("title", "Patched"))

		Expect(ft.CallCount()).To(BeZero())
	})

	It("should remove documents by identity", func() {
		c, _ := newTestCache(&fakeTransport{})

		handle, handlers, _ := startSubscription(c, subQuery, nil)

		Expect(handlers.Add(store.Document{"id": "p1", "title": "One", "cursor": "c1"}, nil)).To(Succeed())
		Expect(handlers.Add(store.Document{"id": "p2", "title": "Two", "cursor": "c2"}, nil)).To(Succeed())
		Expect(handlers.Remove(store.Document{"id": "p1"}, nil)).To(Succeed())

		items := handle.Data()["postUpdates"].([]interface{})
		Expect(items).To(HaveLen(1))
		Expect(items[0].(store.Document)).To(HaveKeyWithValue("id", "p2"))
	})

	It("should reject pathless patches on multi-field subscriptions", func() {
		c, _ := newTestCache(&fakeTransport{})

		_, handlers, _ := startSubscription(c, `subscription { postUpdates { id title cursor } newPost { id title } }`, nil)

		err := handlers.Add(store.Document{"id": "p1", "title": "One"}, nil)
		Expect(errors.Is(err, cache.ErrAmbiguousPath)).To(BeTrue())

		// An explicit path makes the same patch valid.
		err = handlers.Add(store.Document{"id": "p1", "title": "One", "cursor": "c1"}, &cache.PatchOptions{Path: "postUpdates"})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should fail the individual patch on an unresolvable path and stay alive", func() {
		c, _ := newTestCache(&fakeTransport{})

		_, handlers, _ := startSubscription(c, subQuery, nil)

		Expect(handlers.Add(store.Document{"id": "p1", "title": "One", "cursor": "c1"}, nil)).To(Succeed())

		err := handlers.Update(store.Document{"id": "zz"}, nil)
		Expect(errors.Is(err, cache.ErrBadPatchPath)).To(BeTrue())

		// The subscription still accepts patches afterwards.
		Expect(handlers.Update(store.Document{"id": "p1", "title": "Still Alive"}, nil)).To(Succeed())
	})

	It("should record subscription errors without closing", func() {
		c, container := newTestCache(&fakeTransport{})

		_, handlers, _ := startSubscription(c, subQuery, nil)

		boom := errors.New("socket dropped")
		handlers.Error(boom)

		Expect(container.GetState().Error).To(MatchError(boom))

		Expect(handlers.Add(store.Document{"id": "p1", "title": "One", "cursor": "c1"}, nil)).To(Succeed())
	})

	It("should tear down on unsubscribe", func() {
		c, _ := newTestCache(&fakeTransport{})

		handle, handlers, unsubscribed := startSubscription(c, subQuery, nil)

		Expect(handle.Unsubscribe()).To(Succeed())
		Expect(*unsubscribed).To(BeTrue())

		err := handlers.Add(store.Document{"id": "p1", "title": "One", "cursor": "c1"}, nil)
		Expect(err).To(HaveOccurred())
	})
})
