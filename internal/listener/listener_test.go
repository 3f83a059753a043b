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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/astrosentinel/alert-sentinel/internal/queue"
)

const testVOEvent = `<?xml version="1.0"?>
<voe:VOEvent xmlns:voe="http://www.ivoa.net/xml/VOEvent/v2.0"
 ivorn="ivo://org.example/stream#alert-1" role="observation" version="2.0">
  <Who><Date>2024-06-01T12:00:00</Date></Who>
</voe:VOEvent>`

func TestIngestEnqueuesDecodableMessage(t *testing.T) {
	q := queue.NewNoticeQueue()
	ing := NewIngestor(q, zap.NewNop())

	ok := ing.Ingest(context.Background(), []byte(testVOEvent))
	assert.True(t, ok)
	require.Equal(t, 1, q.Size())

	n := q.Dequeue(context.Background())
	assert.Equal(t, "ivo://org.example/stream#alert-1", n.IVORN)
}

func TestIngestDropsGarbage(t *testing.T) {
	q := queue.NewNoticeQueue()
	ing := NewIngestor(q, zap.NewNop())

	assert.False(t, ing.Ingest(context.Background(), []byte("not an alert")))
	assert.False(t, ing.Ingest(context.Background(), nil))
	assert.Equal(t, 0, q.Size())
}

func TestTrackerTouch(t *testing.T) {
	tr := NewTracker()
	before := tr.Last()
	time.Sleep(5 * time.Millisecond)
	tr.Touch()
	assert.True(t, tr.Last().After(before))
}

func TestMonitorWarnsOnceAndReportsRecovery(t *testing.T) {
	tr := &Tracker{last: time.Now().Add(-time.Minute)}

	var mu sync.Mutex
	var messages []string
	m := NewMonitor(tr, zap.NewNop(), func(_ context.Context, text string) {
		mu.Lock()
		messages = append(messages, text)
		mu.Unlock()
	})
	m.poll = 10 * time.Millisecond
	m.threshold = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(messages)
	}
	require.Eventually(t, func() bool { return count() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Still silent: no repeat warnings.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, count())

	tr.Touch()
	require.Eventually(t, func() bool { return count() == 2 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Contains(t, messages[0], "no broker messages")
	assert.Contains(t, messages[1], "restored")
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
