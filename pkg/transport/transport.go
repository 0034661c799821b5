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

// Package transport ships GraphQL documents to a server and returns the
// decoded result.
//
// The cache core is transport-agnostic: it hands a query string plus a
// variable bag to whatever implements Transport and merges the response.
// This package provides the two bundled implementations, HTTP POST and a
// websocket connection speaking the graphql-transport-ws protocol. The
// websocket transport doubles as the priority transport for subscriptions.
package transport

import (
	"context"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/united-manufacturing-hub/gqlcache/pkg/store"
)

// Request is one GraphQL operation to execute. ID is used for log
// correlation and websocket frame routing; an empty ID is filled in by the
// transport.
type Request struct {
	ID        string
	Query     string
	Variables map[string]interface{}
}

// Response is the decoded server result. Errors carries GraphQL-level
// errors; transport-level failures surface as Go errors from HandleQuery
// instead.
type Response struct {
	Data   store.Document `json:"data"`
	Errors gqlerror.List  `json:"errors,omitempty"`
}

// Err returns the GraphQL error list as an error, or nil.
func (r *Response) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}

	return r.Errors
}

// Transport executes one GraphQL operation against a server.
//
// Implementations must be safe for concurrent use; the coordinator issues
// overlapping requests for distinct minimized queries.
type Transport interface {
	HandleQuery(ctx context.Context, req *Request) (*Response, error)
}
