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

package store

import (
	"sync"
)

// InMemoryContainer is a thread-safe state container for hosts that do not
// bring their own. Dispatch runs the reducer under an exclusive lock;
// GetState returns a deep copy so external modifications never reach the
// held state.
//
// # Concurrency Model
//
// Reads can run concurrently with other reads but block during dispatch.
// Dispatches are serialized, which gives the dispatch-order guarantee the
// cache relies on.
//
// # Data Isolation
//
// The state returned by GetState is a deep copy. The cache walks snapshots
// extensively; handing out the live maps would make every read a potential
// data race against the next dispatch.
type InMemoryContainer struct {
	mu    sync.RWMutex
	state State
}

// Compile-time check that InMemoryContainer implements Container.
var _ Container = (*InMemoryContainer)(nil)

// NewInMemoryContainer returns a container holding an empty state.
func NewInMemoryContainer() *InMemoryContainer {
	return &InMemoryContainer{state: NewState()}
}

// Dispatch applies action through the reducer.
func (c *InMemoryContainer) Dispatch(action Action) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = Reduce(c.state, action)
}

// GetState returns a deep copy of the current state.
func (c *InMemoryContainer) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return copyState(c.state)
}
