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

// MergeDocument merges src into a copy of dst with query merge semantics
// and returns the result. Neither input is mutated.
func MergeDocument(dst, src Document) Document {
	if dst == nil {
		return copyDocument(src)
	}

	return mergeDocument(dst, src, false)
}

// MergeNormalized unions two normalized responses into a new one. Where
// both carry the same entity or result field, b wins at leaves under the
// usual query merge rules. Merging a local partial denormalization with a
// server response this way yields the full response a caller subscribes
// to.
func MergeNormalized(a, b *NormalizedResponse) *NormalizedResponse {
	out := NewNormalizedResponse()

	if a != nil {
		mergeEntities(out.Entities, a.Entities, false)
		out.Result = mergeDocument(out.Result, a.Result, false)
	}

	if b != nil {
		mergeEntities(out.Entities, b.Entities, false)
		out.Result = mergeDocument(out.Result, b.Result, false)
	}

	return out
}
