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
	"context"
	"encoding/json"
	"fmt"

	"github.com/gridvolt/fleetupdate/pkg/logger"
	"github.com/gridvolt/fleetupdate/pkg/models"
)

// Router is the address-scoped delivery layer. A message published with
// device address X is delivered only to subscribers registered for address X;
// device-addressed traffic is never broadcast. The router holds no business
// state.
type Router struct {
	transport Transport
	subjects  subjectBuilder
	logger    logger.Logger
}

// NewRouter wraps a transport with the device subject scheme. An empty prefix
// selects DefaultSubjectPrefix.
func NewRouter(transport Transport, prefix string, log logger.Logger) *Router {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Router{
		transport: transport,
		subjects:  newSubjectBuilder(prefix),
		logger:    log,
	}
}

// PublishUpdate publishes an update notification to one device.
func (r *Router) PublishUpdate(_ context.Context, deviceID string, n models.UpdateNotification) error {
	return r.publish(deviceID, kindUpdate, n)
}

// PublishCommand publishes a command envelope to one device.
func (r *Router) PublishCommand(_ context.Context, deviceID string, cmd models.CommandEnvelope) error {
	return r.publish(deviceID, kindCommand, cmd)
}

// PublishStatus publishes a status event on the reporting device's own
// status subject.
func (r *Router) PublishStatus(_ context.Context, event models.StatusEvent) error {
	return r.publish(event.DeviceID, kindStatus, event)
}

// PublishAck publishes a command acknowledgment on the device's ack subject.
func (r *Router) PublishAck(_ context.Context, ack models.CommandAck) error {
	return r.publish(ack.DeviceID, kindAck, ack)
}

func (r *Router) publish(deviceID, kind string, payload interface{}) error {
	subject, err := r.subjects.deviceSubject(deviceID, kind)
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	return r.transport.Publish(subject, data)
}

// SubscribeUpdates registers a device-side handler for update notifications
// addressed to deviceID.
func (r *Router) SubscribeUpdates(deviceID string, handler func(models.UpdateNotification)) (Subscription, error) {
	subject, err := r.subjects.deviceSubject(deviceID, kindUpdate)
	if err != nil {
		return nil, err
	}

	return r.transport.Subscribe(subject, func(subj string, data []byte) {
		var n models.UpdateNotification
		if err := json.Unmarshal(data, &n); err != nil {
			r.logger.Warn().Err(err).Str("subject", subj).Msg("Dropping malformed update notification")
			return
		}

		handler(n)
	})
}

// SubscribeCommands registers a device-side handler for commands addressed to
// deviceID.
func (r *Router) SubscribeCommands(deviceID string, handler func(models.CommandEnvelope)) (Subscription, error) {
	subject, err := r.subjects.deviceSubject(deviceID, kindCommand)
	if err != nil {
		return nil, err
	}

	return r.transport.Subscribe(subject, func(subj string, data []byte) {
		var cmd models.CommandEnvelope
		if err := json.Unmarshal(data, &cmd); err != nil {
			r.logger.Warn().Err(err).Str("subject", subj).Msg("Dropping malformed command envelope")
			return
		}

		handler(cmd)
	})
}

// SubscribeStatus registers the coordinator-side handler for status events
// from every device. The device token in the subject must agree with the
// payload's device ID; a mismatch is a router defect and the event is dropped.
func (r *Router) SubscribeStatus(handler func(models.StatusEvent)) (Subscription, error) {
	return r.transport.Subscribe(r.subjects.statusWildcard(), func(subj string, data []byte) {
		var event models.StatusEvent
		if err := json.Unmarshal(data, &event); err != nil {
			r.logger.Warn().Err(err).Str("subject", subj).Msg("Dropping malformed status event")
			return
		}

		subjectDevice, err := r.subjects.deviceFromSubject(subj)
		if err != nil || subjectDevice != event.DeviceID {
			r.logger.Error().
				Str("subject", subj).
				Str("payload_device_id", event.DeviceID).
				Msg("Status event device identity does not match its subject; dropping")

			return
		}

		handler(event)
	})
}

// SubscribeAcks registers a handler for command acknowledgments, either for
// one device or, with an empty deviceID, for the whole fleet.
func (r *Router) SubscribeAcks(deviceID string, handler func(models.CommandAck)) (Subscription, error) {
	var (
		subject string
		err     error
	)

	if deviceID == "" {
		subject = r.subjects.ackWildcard()
	} else {
		subject, err = r.subjects.deviceSubject(deviceID, kindAck)
		if err != nil {
			return nil, err
		}
	}

	return r.transport.Subscribe(subject, func(subj string, data []byte) {
		var ack models.CommandAck
		if err := json.Unmarshal(data, &ack); err != nil {
			r.logger.Warn().Err(err).Str("subject", subj).Msg("Dropping malformed command ack")
			return
		}

		subjectDevice, err := r.subjects.deviceFromSubject(subj)
		if err != nil || subjectDevice != ack.DeviceID {
			r.logger.Error().
				Str("subject", subj).
				Str("payload_device_id", ack.DeviceID).
				Msg("Command ack device identity does not match its subject; dropping")

			return
		}

		handler(ack)
	})
}

// Close shuts down the underlying transport.
func (r *Router) Close() {
	r.transport.Close()
}
