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
	"reflect"
)

// Shorten drops from a normalized response every entity field whose value
// equals what the store already holds, and every entity left empty by
// that. What remains is the actual delta a server response carried.
//
// Dispatching only the delta keeps the dependency flush precise: callers
// are invalidated for entities that changed, not for entities the server
// merely repeated. A response that shortens to empty means the store was
// already up to date and no dispatch is needed at all.
//
// The result skeleton is kept as-is; it describes response shape, not
// entity content, and installing it is idempotent.
func Shorten(resp *NormalizedResponse, against Data) *NormalizedResponse {
	if resp == nil {
		return nil
	}

	out := &NormalizedResponse{
		Entities: make(EntityMap),
		Result:   copyDocument(resp.Result),
	}

	for typeName, byID := range resp.Entities {
		for id, body := range byID {
			key := EntityKey{TypeName: typeName, ID: id}

			stored := against.Entities.Get(key)
			if stored == nil {
				out.Entities.Set(key, copyDocument(body))

				continue
			}

			delta := shortenDocument(body, stored)
			if len(delta) > 0 {
				out.Entities.Set(key, delta)
			}
		}
	}

	return out
}

// shortenDocument returns the fields of doc that differ from stored.
func shortenDocument(doc, stored Document) Document {
	delta := make(Document)

	for k, v := range doc {
		sv, ok := stored[k]
		if !ok {
			delta[k] = copyValue(v)

			continue
		}

		if !valuesEqual(v, sv) {
			delta[k] = copyValue(v)
		}
	}

	return delta
}

func valuesEqual(a, b interface{}) bool {
	ap, aok := a.(*PagedList)

	bp, bok := b.(*PagedList)
	if aok || bok {
		if !aok || !bok {
			return false
		}

		return pagedListContained(ap, bp)
	}

	return reflect.DeepEqual(a, b)
}

// pagedListContained reports whether every item of incoming is already
// present in stored. A page the store fully holds is not a delta even
// though the stored bucket may be larger than the page.
func pagedListContained(incoming, stored *PagedList) bool {
	if incoming.EOF && !stored.EOF {
		return false
	}

	if incoming.BOF && !stored.BOF {
		return false
	}

	have := make(map[EntityKey]bool, len(stored.Refs))
	for _, ref := range stored.Refs {
		have[ref.Key()] = true
	}

	for _, ref := range incoming.Refs {
		if !have[ref.Key()] {
			return false
		}
	}

	return true
}
