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

package transport

import (
	"encoding/base64"
	jsonstd "encoding/json"
	"errors"
	"reflect"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// unmarshalSafe decodes with goccy for speed and falls back to the
// standard library when goccy panics on a payload it cannot handle. The
// payload is logged base64-encoded so a reproducer survives the logs.
func unmarshalSafe(val []byte, decoded any) (err error) {
	valuePtr := reflect.ValueOf(decoded)
	if valuePtr.Kind() != reflect.Ptr || valuePtr.IsNil() {
		return errors.New("decoded must be a non-nil pointer")
	}

	defer func() {
		if r := recover(); r != nil {
			b64payload := base64.StdEncoding.EncodeToString(val)
			zap.S().Warnf("goccy failed to decode, attempting to use stdlib, error: %v (Payload: %s)", r, b64payload)

			err = jsonstd.Unmarshal(val, decoded)
		}
	}()

	return json.Unmarshal(val, decoded)
}

// marshalSafe encodes with goccy, falling back to the standard library on
// panic.
func marshalSafe(val any) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Warnf("goccy failed to encode, attempting to use stdlib, error: %v", r)

			out, err = jsonstd.Marshal(val)
		}
	}()

	return json.Marshal(val)
}
