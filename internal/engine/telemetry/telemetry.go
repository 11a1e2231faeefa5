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

// Package telemetry exposes the service's Prometheus metrics: request totals,
// 5xx totals, and a latency histogram, all labeled by handler and method. A
// dedicated registry keeps the exposition limited to what the service owns.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyBuckets matches the service's serving SLOs: 50ms through 5s.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0}

// Metrics carries the service collectors and their registry.
type Metrics struct {
	registry      *prometheus.Registry
	requestsTotal *prometheus.CounterVec
	requests5xx   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// New builds and registers the service collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "app_requests_total",
			Help: "Total HTTP requests by handler, method, and status code",
		}, []string{"handler", "method", "status"}),
		requests5xx: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "app_requests_5xx_total",
			Help: "Total HTTP requests that resulted in a server error",
		}, []string{"handler", "method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "app_request_latency_seconds",
			Help:    "HTTP request latency by handler and method",
			Buckets: latencyBuckets,
		}, []string{"handler", "method"}),
	}
	m.registry.MustRegister(m.requestsTotal, m.requests5xx, m.latency)
	return m
}

// Observe records one served request.
func (m *Metrics) Observe(handler, method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 && status < 600 {
		m.requests5xx.WithLabelValues(handler, method).Inc()
	}
	m.latency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler serves the text exposition for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
