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

// Package queue provides the unbounded FIFO between listeners and the
// dispatcher.
package queue

import (
	"context"
	"sync"

	"github.com/astrosentinel/alert-sentinel/internal/metrics"
	"github.com/astrosentinel/alert-sentinel/internal/notice"
)

// NoticeQueue is a mutex-guarded FIFO of classified notices. Multiple
// listeners enqueue; a single dispatcher drains.
type NoticeQueue struct {
	mu      sync.Mutex
	notices []*notice.Notice
}

// NewNoticeQueue builds an empty queue.
func NewNoticeQueue() *NoticeQueue {
	return &NoticeQueue{}
}

// Enqueue appends a notice.
func (q *NoticeQueue) Enqueue(ctx context.Context, n *notice.Notice) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notices = append(q.notices, n)
	if metrics.QueueDepth != nil {
		metrics.QueueDepth.Add(ctx, 1)
	}
}

// Dequeue removes and returns the oldest notice, or nil when empty.
func (q *NoticeQueue) Dequeue(ctx context.Context) *notice.Notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.notices) == 0 {
		return nil
	}
	n := q.notices[0]
	q.notices = q.notices[1:]
	if metrics.QueueDepth != nil {
		metrics.QueueDepth.Add(ctx, -1)
	}
	return n
}

// Size reports the current depth.
func (q *NoticeQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.notices)
}
