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

package bus

import (
	"fmt"
	"strings"
	"sync"
)

const defaultInProcBuffer = 4096

// InProcTransport is a channel-based Transport for tests and single-binary
// local mode. Semantics mirror core NATS: at-most-once delivery, per-subscriber
// ordering, publishes never block (messages beyond a subscriber's buffer are
// dropped).
type InProcTransport struct {
	mu      sync.RWMutex
	subs    map[int]*inprocSub
	nextID  int
	closed  bool
	bufSize int
}

type inprocSub struct {
	pattern []string
	ch      chan inprocMsg
	done    chan struct{}
}

type inprocMsg struct {
	subject string
	data    []byte
}

// NewInProcTransport creates an in-process transport with the default
// subscriber buffer.
func NewInProcTransport() *InProcTransport {
	return &InProcTransport{
		subs:    make(map[int]*inprocSub),
		bufSize: defaultInProcBuffer,
	}
}

func (t *InProcTransport) Publish(subject string, data []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return fmt.Errorf("%w: in-process transport closed", ErrTransportUnavailable)
	}

	msg := inprocMsg{subject: subject, data: append([]byte(nil), data...)}

	for _, sub := range t.subs {
		if !subjectMatches(sub.pattern, subject) {
			continue
		}

		select {
		case sub.ch <- msg:
		default:
			// Subscriber buffer full; drop like core NATS would on a slow consumer.
		}
	}

	return nil
}

func (t *InProcTransport) Subscribe(subject string, handler Handler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("%w: in-process transport closed", ErrTransportUnavailable)
	}

	sub := &inprocSub{
		pattern: strings.Split(subject, "."),
		ch:      make(chan inprocMsg, t.bufSize),
		done:    make(chan struct{}),
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = sub

	go func() {
		for {
			select {
			case msg := <-sub.ch:
				handler(msg.subject, msg.data)
			case <-sub.done:
				return
			}
		}
	}()

	return &inprocSubscription{transport: t, id: id}, nil
}

func (t *InProcTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.closed = true

	for id, sub := range t.subs {
		close(sub.done)
		delete(t.subs, id)
	}
}

type inprocSubscription struct {
	transport *InProcTransport
	id        int
}

func (s *inprocSubscription) Unsubscribe() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()

	if sub, ok := s.transport.subs[s.id]; ok {
		close(sub.done)
		delete(s.transport.subs, s.id)
	}

	return nil
}

// subjectMatches implements NATS-style token matching: "*" matches one token,
// ">" matches the remaining tail.
func subjectMatches(pattern []string, subject string) bool {
	tokens := strings.Split(subject, ".")

	for i, p := range pattern {
		if p == ">" {
			return true
		}

		if i >= len(tokens) {
			return false
		}

		if p != "*" && p != tokens[i] {
			return false
		}
	}

	return len(pattern) == len(tokens)
}
