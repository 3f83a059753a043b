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
Package listener ingests alert messages from the streaming broker or the
legacy VOEvent socket, deserializes them and feeds the notice queue. A
heartbeat monitor watches for broker silence.
*/
package listener

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/astrosentinel/alert-sentinel/internal/metrics"
	"github.com/astrosentinel/alert-sentinel/internal/notice"
	"github.com/astrosentinel/alert-sentinel/internal/queue"
)

// Tracker records the arrival time of the most recent broker message.
// Written by the listener, read by the heartbeat monitor.
type Tracker struct {
	mu   sync.Mutex
	last time.Time
}

// NewTracker starts the clock at now so a fresh process does not warn
// immediately.
func NewTracker() *Tracker {
	return &Tracker{last: time.Now()}
}

// Touch records a message arrival.
func (t *Tracker) Touch() {
	t.mu.Lock()
	t.last = time.Now()
	t.mu.Unlock()
}

// Last returns the most recent arrival time.
func (t *Tracker) Last() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Ingestor deserializes raw payloads and appends notices to the queue.
// Malformed payloads are dropped with a log line; ingestion never fails
// the listener.
type Ingestor struct {
	queue *queue.NoticeQueue
	log   *zap.Logger
}

// NewIngestor builds an ingestor feeding the given queue.
func NewIngestor(q *queue.NoticeQueue, log *zap.Logger) *Ingestor {
	return &Ingestor{queue: q, log: log.Named("ingest")}
}

// Ingest decodes one raw message and enqueues the resulting notice.
// Returns false when the payload was dropped.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte) bool {
	if metrics.NoticesReceivedTotal != nil {
		metrics.NoticesReceivedTotal.Add(ctx, 1)
	}
	msg, err := notice.Decode(raw)
	if err != nil {
		i.drop(ctx, err, raw)
		return false
	}
	n, err := notice.Build(msg)
	if err != nil {
		i.drop(ctx, err, raw)
		return false
	}
	i.queue.Enqueue(ctx, n)
	i.log.Debug("notice enqueued",
		zap.String("ivorn", n.IVORN),
		zap.String("kind", string(n.Kind)))
	return true
}

func (i *Ingestor) drop(ctx context.Context, err error, raw []byte) {
	if metrics.NoticesDroppedTotal != nil {
		metrics.NoticesDroppedTotal.Add(ctx, 1)
	}
	i.log.Warn("dropping undecodable message",
		zap.Error(err),
		zap.Int("bytes", len(raw)))
}
