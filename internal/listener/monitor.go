/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 AlertSentinel

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package listener

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/astrosentinel/alert-sentinel/internal/metrics"
)

const (
	monitorPoll      = 5 * time.Second
	monitorThreshold = 60 * time.Second
)

// Monitor warns once when the broker goes silent and reports recovery.
type Monitor struct {
	tracker *Tracker
	log     *zap.Logger
	notify  func(ctx context.Context, text string)

	poll      time.Duration
	threshold time.Duration
}

// NewMonitor builds a heartbeat monitor. notify forwards out-of-band
// warnings and may be nil.
func NewMonitor(tr *Tracker, log *zap.Logger, notify func(context.Context, string)) *Monitor {
	return &Monitor{
		tracker:   tr,
		log:       log.Named("heartbeat"),
		notify:    notify,
		poll:      monitorPoll,
		threshold: monitorThreshold,
	}
}

// Run polls the tracker until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	var silentSince time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		last := m.tracker.Last()
		silence := time.Since(last)

		switch {
		case silence > m.threshold && silentSince.IsZero():
			silentSince = last
			text := fmt.Sprintf("no broker messages for %.0f s", silence.Seconds())
			m.log.Warn(text)
			if metrics.HeartbeatTimeoutsTotal != nil {
				metrics.HeartbeatTimeoutsTotal.Add(ctx, 1)
			}
			if m.notify != nil {
				m.notify(ctx, text)
			}
		case silence <= m.threshold && !silentSince.IsZero():
			text := fmt.Sprintf("broker connection restored after %.0f s",
				last.Sub(silentSince).Seconds())
			m.log.Info(text)
			if m.notify != nil {
				m.notify(ctx, text)
			}
			silentSince = time.Time{}
		}
	}
}
