// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// sweepThreshold caps the tracked-key map; above it, allow() drops keys whose
// windows have fully drained.
const sweepThreshold = 10000

// rateLimiter is a per-client sliding-window limiter for the ingest endpoint.
// Each client key keeps the timestamps of its requests inside the window.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		limit:  perMinute,
		window: time.Minute,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// allow records one request for the key and reports whether it fits the
// window, how many requests remain, and how long until a slot frees up.
func (r *rateLimiter) allow(key string) (ok bool, remaining int, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	recent := r.hits[key][:0]
	for _, t := range r.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.hits[key] = recent
		return false, 0, recent[0].Sub(cutoff)
	}

	r.hits[key] = append(recent, now)
	if len(r.hits) > sweepThreshold {
		r.sweep(cutoff)
	}
	return true, r.limit - len(r.hits[key]), 0
}

// sweep drops keys with no requests inside the window. Caller holds the lock.
func (r *rateLimiter) sweep(cutoff time.Time) {
	for key, times := range r.hits {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(r.hits, key)
		}
	}
}

// clientKey identifies the caller for rate limiting: the API key prefix when
// present, the remote IP otherwise.
func clientKey(req *http.Request) string {
	if key := req.Header.Get("X-API-Key"); key != "" {
		if len(key) > 8 {
			key = key[:8]
		}
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return "ip:" + req.RemoteAddr
	}
	return "ip:" + host
}
