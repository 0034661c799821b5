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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/gqlcache/pkg/transport"
)

type wsFrame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// newWSServer runs a minimal graphql-transport-ws server. Each subscribe
// frame is answered through serve, which returns the next-payloads to
// emit before completion.
func newWSServer(serve func(payload json.RawMessage) []interface{}) *httptest.Server {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"graphql-transport-ws"},
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		defer func() {
			_ = conn.Close()
		}()

		for {
			var frame wsFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}

			switch frame.Type {
			case "connection_init":
				_ = conn.WriteJSON(wsFrame{Type: "connection_ack"})

			case "subscribe":
				for _, payload := range serve(frame.Payload) {
					data, _ := json.Marshal(payload)
					_ = conn.WriteJSON(wsFrame{ID: frame.ID, Type: "next", Payload: data})
				}

				_ = conn.WriteJSON(wsFrame{ID: frame.ID, Type: "complete"})

			case "complete":
				// Client-initiated teardown of one operation.
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

var _ = Describe("WSTransport", func() {
	It("should perform the handshake and answer a query", func() {
		server := newWSServer(func(json.RawMessage) []interface{} {
			return []interface{}{
				map[string]interface{}{
					"data": map[string]interface{}{
						"user": map[string]interface{}{"id": "1", "name": "Alice"},
					},
				},
			}
		})
		defer server.Close()

		t, err := transport.DialWS(context.Background(), wsURL(server), nil)
		Expect(err).NotTo(HaveOccurred())

		defer func() {
			_ = t.Close()
		}()

		resp, err := t.HandleQuery(context.Background(), &transport.Request{
			Query: `query { user(id: "1") { id name } }`,
		})

		Expect(err).NotTo(HaveOccurred())

		user := resp.Data["user"].(map[string]interface{})
		Expect(user).To(HaveKeyWithValue("name", "Alice"))
	})

	It("should deliver subscription events until completion", func() {
		server := newWSServer(func(json.RawMessage) []interface{} {
			return []interface{}{
				map[string]interface{}{"data": map[string]interface{}{"tick": float64(1)}},
				map[string]interface{}{"data": map[string]interface{}{"tick": float64(2)}},
			}
		})
		defer server.Close()

		t, err := transport.DialWS(context.Background(), wsURL(server), nil)
		Expect(err).NotTo(HaveOccurred())

		defer func() {
			_ = t.Close()
		}()

		var events []float64

		done := make(chan struct{})

		unsubscribe, err := t.Subscribe(&transport.Request{Query: `subscription { tick }`}, func(resp *transport.Response) {
			events = append(events, resp.Data["tick"].(float64))
			if len(events) == 2 {
				close(done)
			}
		})
		Expect(err).NotTo(HaveOccurred())

		defer unsubscribe()

		Eventually(done).Should(BeClosed())
		Expect(events).To(Equal([]float64{1, 2}))
	})

	It("should fail the in-flight operation when the connection closes", func() {
		server := newWSServer(func(json.RawMessage) []interface{} {
			return nil
		})

		t, err := transport.DialWS(context.Background(), wsURL(server), nil)
		Expect(err).NotTo(HaveOccurred())

		server.Close()

		_, err = t.HandleQuery(context.Background(), &transport.Request{Query: `query { x }`})
		Expect(err).To(HaveOccurred())
	})
})
