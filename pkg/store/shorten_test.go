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

package store_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
)

var _ = Describe("Shorten", func() {
	var data store.Data

	BeforeEach(func() {
		data = store.NewData()
		data.Entities.Set(store.EntityKey{TypeName: "User", ID: "1"}, store.Document{
			"id":   "1",
			"name": "Alice",
		})
	})

	It("should drop fields equal to the stored values", func() {
		resp := store.NewNormalizedResponse()
		resp.Entities.Set(store.EntityKey{TypeName: "User", ID: "1"}, store.Document{
			"id":    "1",
			"name":  "Alice",
			"email": "a@b.c",
		})

		short := store.Shorten(resp, data)

		body := short.Entities.Get(store.EntityKey{TypeName: "User", ID: "1"})
		Expect(body).NotTo(HaveKey("name"))
		Expect(body).To(HaveKeyWithValue("email", "a@b.c"))
	})

	It("should drop entities that shorten to nothing", func() {
		resp := store.NewNormalizedResponse()
		resp.Entities.Set(store.EntityKey{TypeName: "User", ID: "1"}, store.Document{
			"id":   "1",
			"name": "Alice",
		})

		short := store.Shorten(resp, data)

		Expect(short.IsEmpty()).To(BeTrue())
	})

	It("should keep entities the store has never seen", func() {
		resp := store.NewNormalizedResponse()
		resp.Entities.Set(store.EntityKey{TypeName: "User", ID: "2"}, store.Document{
			"id":   "2",
			"name": "Bob",
		})

		short := store.Shorten(resp, data)

		Expect(short.Entities.Get(store.EntityKey{TypeName: "User", ID: "2"})).NotTo(BeNil())
	})

	It("should treat a fully contained page as no delta", func() {
		data.Entities.Set(store.EntityKey{TypeName: "User", ID: "1"}, store.Document{
			"id": "1",
			"posts": &store.PagedList{
				Refs:    []store.Ref{{TypeName: "Post", ID: "1"}, {TypeName: "Post", ID: "2"}},
				Cursors: []string{"c1", "c2"},
				BOF:     true,
			},
		})

		resp := store.NewNormalizedResponse()
		resp.Entities.Set(store.EntityKey{TypeName: "User", ID: "1"}, store.Document{
			"id": "1",
			"posts": &store.PagedList{
				Refs:    []store.Ref{{TypeName: "Post", ID: "1"}},
				Cursors: []string{"c1"},
				BOF:     true,
			},
		})

		short := store.Shorten(resp, data)

		Expect(short.IsEmpty()).To(BeTrue())
	})

	It("should keep a page carrying unseen items", func() {
		data.Entities.Set(store.EntityKey{TypeName: "User", ID: "1"}, store.Document{
			"id": "1",
			"posts": &store.PagedList{
				Refs:    []store.Ref{{TypeName: "Post", ID: "1"}},
				Cursors: []string{"c1"},
				BOF:     true,
			},
		})

		resp := store.NewNormalizedResponse()
		resp.Entities.Set(store.EntityKey{TypeName: "User", ID: "1"}, store.Document{
			"id": "1",
			"posts": &store.PagedList{
				Refs:    []store.Ref{{TypeName: "Post", ID: "3"}},
				Cursors: []string{"c3"},
			},
		})

		short := store.Shorten(resp, data)

		Expect(short.IsEmpty()).To(BeFalse())
	})
})
