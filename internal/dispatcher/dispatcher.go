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

/*
Package dispatcher drains the notice queue: it filters by role,
de-duplicates by IVORN, invokes the handler with reports around it, and
spawns Fermi skymap follow-up tasks.
*/
package dispatcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/astrosentinel/alert-sentinel/internal/handler"
	"github.com/astrosentinel/alert-sentinel/internal/metrics"
	"github.com/astrosentinel/alert-sentinel/internal/notice"
	"github.com/astrosentinel/alert-sentinel/internal/queue"
)

const (
	// pollInterval paces the queue poll when empty.
	pollInterval = 500 * time.Millisecond

	// followupTimeout bounds one Fermi skymap follow-up task.
	followupTimeout = 600 * time.Second
	// followupPoll paces the skymap URL probes within a follow-up.
	followupPoll = 30 * time.Second
)

// Handler processes one classified notice.
type Handler interface {
	HandleNotice(ctx context.Context, n *notice.Notice, now time.Time) (*handler.Result, error)
}

// Deduper answers whether an IVORN was already ingested.
type Deduper interface {
	HasIVORN(ctx context.Context, ivorn string) (bool, error)
}

// Prober checks skymap URL availability for Fermi follow-ups.
type Prober interface {
	Probe(ctx context.Context, url string) (bool, error)
}

// Reporter receives the dispatcher's notifications. All methods must be
// non-blocking enough to run inline.
type Reporter interface {
	NoticeReport(ctx context.Context, n *notice.Notice)
	ObservingReport(ctx context.Context, n *notice.Notice, res *handler.Result)
	Error(ctx context.Context, component string, err error)
	Warn(ctx context.Context, text string)
}

// Dispatcher is the single consumer of the notice queue.
type Dispatcher struct {
	queue    *queue.NoticeQueue
	handler  Handler
	dedupe   Deduper
	prober   Prober
	reporter Reporter
	ignored  map[string]bool
	log      *zap.Logger

	followups sync.WaitGroup

	// followupTimeout and followupPoll are fields so tests can shrink them.
	followupTimeout time.Duration
	followupPoll    time.Duration
}

// New builds a dispatcher. ignoredRoles is the resolved role drop set.
func New(q *queue.NoticeQueue, h Handler, d Deduper, p Prober, r Reporter, ignoredRoles map[string]bool, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		queue:           q,
		handler:         h,
		dedupe:          d,
		prober:          p,
		reporter:        r,
		ignored:         ignoredRoles,
		log:             log.Named("dispatcher"),
		followupTimeout: followupTimeout,
		followupPoll:    followupPoll,
	}
}

// Run consumes until the context is cancelled. The notice in flight is
// finished before returning; follow-up tasks are awaited.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.followups.Wait()
	for {
		n := d.queue.Dequeue(ctx)
		if n == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}
		d.process(ctx, n)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// process runs the per-notice pipeline: filter, de-duplicate, report,
// handle, report, follow up. Handler failures are reported, never fatal.
func (d *Dispatcher) process(ctx context.Context, n *notice.Notice) {
	log := d.log.With(zap.String("ivorn", n.IVORN))

	if n.EventType == notice.EventUnknown {
		log.Debug("skipping notice with unknown event type")
		return
	}
	if d.ignored[string(n.Role)] {
		log.Info("skipping notice with ignored role", zap.String("role", string(n.Role)))
		return
	}
	seen, err := d.dedupe.HasIVORN(ctx, n.IVORN)
	if err != nil {
		log.Error("failed to check for duplicate", zap.Error(err))
		d.reporter.Error(ctx, "dispatcher", err)
		return
	}
	if seen {
		log.Info("skipping already-ingested notice")
		return
	}

	d.reporter.NoticeReport(ctx, n)

	res, err := d.handler.HandleNotice(ctx, n, time.Now().UTC())
	if err != nil {
		if metrics.HandlerErrorsTotal != nil {
			metrics.HandlerErrorsTotal.Add(ctx, 1)
		}
		log.Error("handler failed", zap.Error(err))
		d.reporter.Error(ctx, "handler", err)
		return
	}
	if metrics.NoticesHandledTotal != nil {
		metrics.NoticesHandledTotal.Add(ctx, 1)
	}
	d.reporter.ObservingReport(ctx, n, res)

	if n.Kind == notice.KindFermiGRB && !strings.HasSuffix(n.IVORN, notice.FollowupSuffix) && n.SkymapURL != "" {
		d.maybeFollowUp(ctx, n)
	}
}

// maybeFollowUp probes the guessed Fermi skymap URL and, when it is not
// yet published, spawns a bounded poller that re-enqueues a clone of the
// notice once the official map appears.
func (d *Dispatcher) maybeFollowUp(ctx context.Context, n *notice.Notice) {
	ok, err := d.prober.Probe(ctx, n.SkymapURL)
	if err != nil {
		d.log.Warn("skymap probe failed", zap.String("url", n.SkymapURL), zap.Error(err))
	}
	if ok {
		return
	}
	if metrics.FollowupsSpawnedTotal != nil {
		metrics.FollowupsSpawnedTotal.Add(ctx, 1)
	}
	d.followups.Add(1)
	go func() {
		defer d.followups.Done()
		d.followUp(ctx, n)
	}()
}

func (d *Dispatcher) followUp(ctx context.Context, n *notice.Notice) {
	log := d.log.With(zap.String("ivorn", n.IVORN), zap.String("url", n.SkymapURL))
	deadline := time.Now().Add(d.followupTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.followupPoll):
		}
		if time.Now().After(deadline) {
			if metrics.FollowupsExpiredTotal != nil {
				metrics.FollowupsExpiredTotal.Add(ctx, 1)
			}
			text := "official skymap for " + n.EventName() + " did not appear within the follow-up window"
			log.Warn(text)
			d.reporter.Warn(ctx, text)
			return
		}
		ok, err := d.prober.Probe(ctx, n.SkymapURL)
		if err != nil || !ok {
			continue
		}
		if metrics.FollowupsResolvedTotal != nil {
			metrics.FollowupsResolvedTotal.Add(ctx, 1)
		}
		log.Info("official skymap published, re-enqueueing")
		d.queue.Enqueue(ctx, n.CloneForFollowup())
		return
	}
}
