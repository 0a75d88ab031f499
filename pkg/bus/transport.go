/*
 * Copyright 2026 GridVolt, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package bus implements the address-scoped message router between the
// coordinator and field devices.
package bus

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// ErrTransportUnavailable is returned when the underlying transport cannot
// accept a publish. Callers retry with idempotent payloads; session and
// correlation IDs deduplicate on the receiving side.
var ErrTransportUnavailable = errors.New("transport unavailable")

// Handler receives a raw message for a subscribed subject.
type Handler func(subject string, data []byte)

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport abstracts the wire under the router. Production uses NATS; tests
// and single-binary local mode use the in-process transport.
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
}

// natsTransport adapts a nats.Conn to the Transport interface.
type natsTransport struct {
	nc *nats.Conn
}

// NewNATSTransport connects to the given NATS URL. Extra options (TLS,
// credentials) pass through to nats.Connect.
func NewNATSTransport(url string, opts ...nats.Option) (Transport, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &natsTransport{nc: nc}, nil
}

// NewNATSTransportFromConn wraps an existing connection.
func NewNATSTransportFromConn(nc *nats.Conn) Transport {
	return &natsTransport{nc: nc}
}

func (t *natsTransport) Publish(subject string, data []byte) error {
	if !t.nc.IsConnected() {
		return fmt.Errorf("%w: NATS connection is down", ErrTransportUnavailable)
	}

	if err := t.nc.Publish(subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrConnectionDraining) {
			return fmt.Errorf("%w: %s", ErrTransportUnavailable, err)
		}

		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	return nil
}

func (t *natsTransport) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := t.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	return sub, nil
}

func (t *natsTransport) Close() {
	t.nc.Close()
}
