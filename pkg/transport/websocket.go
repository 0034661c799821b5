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
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"go.uber.org/zap"
)

// graphql-transport-ws frame types.
const (
	wsConnectionInit = "connection_init"
	wsConnectionAck  = "connection_ack"
	wsPing           = "ping"
	wsPong           = "pong"
	wsSubscribe      = "subscribe"
	wsNext           = "next"
	wsError          = "error"
	wsComplete       = "complete"
)

const wsHandshakeTimeout = 10 * time.Second

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSTransport is a single websocket connection speaking the
// graphql-transport-ws protocol. It serves two roles: a priority Transport
// for request/response operations that should share the socket, and the
// delivery channel for server-pushed subscription events.
//
// One read loop owns the connection's read side and routes frames to the
// operation that opened them; writes are serialized with a mutex, which is
// all gorilla/websocket requires.
type WSTransport struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	writeMu sync.Mutex

	handlersMu sync.Mutex
	handlers   map[string]chan wsMessage

	closed    chan struct{}
	closeOnce sync.Once
}

// Compile-time check that WSTransport implements Transport.
var _ Transport = (*WSTransport)(nil)

// DialWS connects, performs the protocol handshake, and starts the read
// loop.
func DialWS(ctx context.Context, url string, logger *zap.SugaredLogger) (*WSTransport, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{"graphql-transport-ws"},
		HandshakeTimeout: wsHandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}

	t := &WSTransport{
		conn:     conn,
		logger:   logger,
		handlers: make(map[string]chan wsMessage),
		closed:   make(chan struct{}),
	}

	if err := t.writeMessage(wsMessage{Type: wsConnectionInit}); err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("failed to send connection_init: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsHandshakeTimeout))

	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != wsConnectionAck {
		_ = conn.Close()

		return nil, fmt.Errorf("websocket handshake failed: expected connection_ack, got %q (%v)", ack.Type, err)
	}

	_ = conn.SetReadDeadline(time.Time{})

	go t.readLoop()

	return t, nil
}

// HandleQuery runs one request/response operation over the socket: a
// subscribe frame answered by exactly one next frame and a complete.
func (t *WSTransport) HandleQuery(ctx context.Context, req *Request) (*Response, error) {
	events, unsubscribe, err := t.open(req)
	if err != nil {
		return nil, err
	}

	defer unsubscribe()

	var last *Response

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-t.closed:
			return nil, fmt.Errorf("websocket connection closed")

		case msg, ok := <-events:
			if !ok {
				return nil, fmt.Errorf("websocket connection closed")
			}

			switch msg.Type {
			case wsNext:
				var resp Response
				if err := unmarshalSafe(msg.Payload, &resp); err != nil {
					return nil, fmt.Errorf("failed to decode next frame: %w", err)
				}

				last = &resp

			case wsError:
				var errs gqlerror.List
				if err := unmarshalSafe(msg.Payload, &errs); err != nil {
					return nil, fmt.Errorf("failed to decode error frame: %w", err)
				}

				return &Response{Errors: errs}, nil

			case wsComplete:
				if last == nil {
					return nil, fmt.Errorf("operation completed without a result")
				}

				return last, nil
			}
		}
	}
}

// Subscribe opens a long-lived operation. Every next frame invokes onNext;
// an error frame invokes it with the error list attached. The returned
// function stops the operation.
func (t *WSTransport) Subscribe(req *Request, onNext func(*Response)) (func(), error) {
	events, unsubscribe, err := t.open(req)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			select {
			case <-t.closed:
				return

			case msg, ok := <-events:
				if !ok {
					return
				}

				switch msg.Type {
				case wsNext:
					var resp Response
					if err := unmarshalSafe(msg.Payload, &resp); err != nil {
						t.logger.Errorf("failed to decode subscription event: %v", err)

						continue
					}

					onNext(&resp)

				case wsError:
					var errs gqlerror.List
					if err := unmarshalSafe(msg.Payload, &errs); err != nil {
						t.logger.Errorf("failed to decode subscription error: %v", err)

						continue
					}

					onNext(&Response{Errors: errs})

				case wsComplete:
					return
				}
			}
		}
	}()

	return unsubscribe, nil
}

// Close tears down the connection and every open operation.
func (t *WSTransport) Close() error {
	var err error

	t.closeOnce.Do(func() {
		close(t.closed)

		err = t.conn.Close()
	})

	return err
}

// open registers an operation ID and sends the subscribe frame.
func (t *WSTransport) open(req *Request) (chan wsMessage, func(), error) {
	if req == nil || req.Query == "" {
		return nil, nil, fmt.Errorf("request must carry a query")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	payload, err := marshalSafe(wirePayload{Query: req.Query, Variables: req.Variables})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	events := make(chan wsMessage, 8)

	t.handlersMu.Lock()
	t.handlers[id] = events
	t.handlersMu.Unlock()

	unsubscribe := func() {
		t.handlersMu.Lock()
		_, open := t.handlers[id]
		delete(t.handlers, id)
		t.handlersMu.Unlock()

		if open {
			_ = t.writeMessage(wsMessage{ID: id, Type: wsComplete})
		}
	}

	if err := t.writeMessage(wsMessage{ID: id, Type: wsSubscribe, Payload: payload}); err != nil {
		unsubscribe()

		return nil, nil, fmt.Errorf("failed to send subscribe: %w", err)
	}

	return events, unsubscribe, nil
}

func (t *WSTransport) writeMessage(msg wsMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	return t.conn.WriteJSON(msg)
}

func (t *WSTransport) readLoop() {
	defer func() {
		_ = t.Close()

		t.handlersMu.Lock()
		for id, ch := range t.handlers {
			close(ch)
			delete(t.handlers, id)
		}
		t.handlersMu.Unlock()
	}()

	for {
		var msg wsMessage
		if err := t.conn.ReadJSON(&msg); err != nil {
			select {
			case <-t.closed:
			default:
				t.logger.Warnf("websocket read failed: %v", err)
			}

			return
		}

		switch msg.Type {
		case wsPing:
			_ = t.writeMessage(wsMessage{Type: wsPong})

		case wsNext, wsError, wsComplete:
			t.handlersMu.Lock()
			ch := t.handlers[msg.ID]
			t.handlersMu.Unlock()

			if ch == nil {
				continue
			}

			select {
			case ch <- msg:
			default:
				t.logger.Warnw("dropping frame for slow consumer", "id", msg.ID, "type", msg.Type)
			}
		}
	}
}
