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

package transport_test

import (
	"context"
	"net/http"

	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/gqlcache/pkg/transport"
)

const endpoint = "http://gqlcache.test/graphql"

var _ = Describe("HTTPTransport", func() {
	var (
		client *http.Client
		t      *transport.HTTPTransport
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &http.Client{}
		gock.InterceptClient(client)

		t = transport.NewHTTPTransport(endpoint,
			transport.WithHTTPClient(client),
			transport.WithRetryWindow(0),
		)
	})

	AfterEach(func() {
		gock.Off()
	})

	It("should reject requests without a query", func() {
		_, err := t.HandleQuery(ctx, &transport.Request{})
		Expect(err).To(HaveOccurred())
	})

	It("should decode a successful response", func() {
		gock.New("http://gqlcache.test").
			Post("/graphql").
			Reply(200).
			JSON(map[string]interface{}{
				"data": map[string]interface{}{
					"user": map[string]interface{}{"id": "1", "name": "Alice"},
				},
			})

		resp, err := t.HandleQuery(ctx, &transport.Request{
			Query:     `query { user(id: "1") { id name } }`,
			Variables: map[string]interface{}{},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Err()).To(BeNil())

		user := resp.Data["user"].(map[string]interface{})
		Expect(user).To(HaveKeyWithValue("name", "Alice"))
	})

	It("should surface GraphQL errors on the response, not as transport errors", func() {
		gock.New("http://gqlcache.test").
			Post("/graphql").
			Reply(200).
			JSON(map[string]interface{}{
				"data":   nil,
				"errors": []map[string]interface{}{{"message": "field not found"}},
			})

		resp, err := t.HandleQuery(ctx, &transport.Request{Query: `query { user(id: "1") { id } }`})

		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Err()).To(HaveOccurred())
		Expect(resp.Err().Error()).To(ContainSubstring("field not found"))
	})

	It("should fail on HTTP error statuses", func() {
		gock.New("http://gqlcache.test").
			Post("/graphql").
			Reply(500).
			BodyString("internal error")

		_, err := t.HandleQuery(ctx, &transport.Request{Query: `query { user(id: "1") { id } }`})

		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("error response code"))
	})

	It("should send the variables alongside the query", func() {
		gock.New("http://gqlcache.test").
			Post("/graphql").
			JSON(map[string]interface{}{
				"query":     `query ($id: ID!) { user(id: $id) { id } }`,
				"variables": map[string]interface{}{"id": "1"},
			}).
			Reply(200).
			JSON(map[string]interface{}{"data": map[string]interface{}{}})

		resp, err := t.HandleQuery(ctx, &transport.Request{
			Query:     `query ($id: ID!) { user(id: $id) { id } }`,
			Variables: map[string]interface{}{"id": "1"},
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Err()).To(BeNil())
	})

	It("should enhance connection errors with likely causes", func() {
		gock.New("http://gqlcache.test").
			Post("/graphql").
			ReplyError(errTimeout{})

		_, err := t.HandleQuery(ctx, &transport.Request{Query: `query { user(id: "1") { id } }`})

		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("timed out"))
	})
})

type errTimeout struct{}

func (errTimeout) Error() string { return "dial tcp: i/o timeout" }
