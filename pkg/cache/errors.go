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

package cache

// Common errors returned by Cache operations. Check with errors.Is.

// ErrNotConfigured indicates the cache is missing a collaborator it needs
// for the requested operation (container, schema, or transport). Not
// recoverable by the cache itself.
var ErrNotConfigured = &cacheError{msg: "cache is not fully configured"}

// ErrEmptyMutationName indicates Mutate was called without a mutation
// name. Caller contract violation.
var ErrEmptyMutationName = &cacheError{msg: "mutation name must not be empty"}

// ErrNoActiveQuery indicates a mutation handler targets a caller that has
// no active query response. Caller contract violation: the caller
// unsubscribed while still listed for the mutation.
var ErrNoActiveQuery = &cacheError{msg: "caller has no active query response"}

// ErrAmbiguousPath indicates a subscription patch on a subscription with
// several top-level fields arrived without an explicit path.
var ErrAmbiguousPath = &cacheError{msg: "subscription has multiple top-level fields, patch requires a path"}

// ErrBadPatchPath indicates a subscription patch path that does not
// resolve inside the subscription result. The patch fails; the
// subscription stays alive.
var ErrBadPatchPath = &cacheError{msg: "patch path does not resolve"}

type cacheError struct {
	msg string
}

func (e *cacheError) Error() string {
	return e.msg
}

// errNoResponse covers a transport that returned neither a response nor
// an error, which is a transport implementation bug.
var errNoResponse = &cacheError{msg: "transport returned no response"}
