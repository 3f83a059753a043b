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

package skymap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/astrosentinel/alert-sentinel/internal/metrics"
)

// ErrUnavailable reports that a skymap could not be obtained from any
// source for a notice.
var ErrUnavailable = errors.New("SkymapUnavailable")

// Fetcher downloads skymap files over HTTP. Downloads are never cached;
// a circuit breaker keeps a flapping archive from stalling the pipeline
// on every notice.
type Fetcher struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewFetcher builds a Fetcher with the given per-download timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "skymap-download",
		Timeout: 2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		breaker: cb,
		timeout: timeout,
	}
}

// Fetch retrieves the raw bytes at url. Local paths are read directly.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if isLocal(url) {
		data, err := os.ReadFile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to read local skymap %s: %w", url, err)
		}
		return data, nil
	}

	if metrics.SkymapDownloadsTotal != nil {
		metrics.SkymapDownloadsTotal.Add(ctx, 1)
	}
	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.download(ctx, url)
	})
	if err != nil {
		if metrics.SkymapDownloadFailuresTotal != nil {
			metrics.SkymapDownloadFailuresTotal.Add(ctx, 1)
		}
		return nil, err
	}
	return result.([]byte), nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid skymap URL %s: %w", url, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download skymap %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("skymap download %s returned %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read skymap body %s: %w", url, err)
	}
	return data, nil
}

// Probe reports whether url currently resolves to content, without
// downloading the body. Used by the Fermi skymap follow-up.
func (f *Fetcher) Probe(ctx context.Context, url string) (bool, error) {
	if isLocal(url) {
		_, err := os.Stat(url)
		return err == nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("invalid skymap URL %s: %w", url, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func isLocal(url string) bool {
	return !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://")
}
