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

package lifecycle

import (
	"github.com/rs/zerolog"

	"github.com/gridvolt/fleetupdate/pkg/logger"
)

// componentWrapper implements logger.Logger on top of a component-tagged
// zerolog logger while delegating level changes to the base logger.
type componentWrapper struct {
	base   logger.Logger
	logger zerolog.Logger
}

func (c *componentWrapper) Trace() *zerolog.Event { return c.logger.Trace() }
func (c *componentWrapper) Debug() *zerolog.Event { return c.logger.Debug() }
func (c *componentWrapper) Info() *zerolog.Event  { return c.logger.Info() }
func (c *componentWrapper) Warn() *zerolog.Event  { return c.logger.Warn() }
func (c *componentWrapper) Error() *zerolog.Event { return c.logger.Error() }
func (c *componentWrapper) Fatal() *zerolog.Event { return c.logger.Fatal() }
func (c *componentWrapper) Panic() *zerolog.Event { return c.logger.Panic() }

func (c *componentWrapper) With() zerolog.Context {
	return c.logger.With()
}

func (c *componentWrapper) WithComponent(component string) zerolog.Logger {
	return c.logger.With().Str("component", component).Logger()
}

func (c *componentWrapper) WithFields(fields map[string]interface{}) zerolog.Logger {
	ctx := c.logger.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}

	return ctx.Logger()
}

func (c *componentWrapper) SetLevel(level zerolog.Level) {
	c.logger = c.logger.Level(level)
	c.base.SetLevel(level)
}

func (c *componentWrapper) SetDebug(debug bool) {
	if debug {
		c.SetLevel(zerolog.DebugLevel)
	} else {
		c.SetLevel(zerolog.InfoLevel)
	}
}
