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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"dpcount/internal/engine/config"
	"dpcount/internal/engine/ledger"
	"dpcount/internal/engine/pipeline"
	"dpcount/internal/engine/telemetry"
)

func testConfig(dir string) *config.Config {
	return &config.Config{
		DataDir:  dir,
		Timezone: time.UTC,
		DP: config.DP{
			EpsilonDAU:     0.3,
			EpsilonMAU:     0.5,
			Delta:          1e-6,
			AdvancedDelta:  1e-7,
			WBound:         2,
			DAUBudgetTotal: 3.0,
			MAUBudgetTotal: 3.5,
			RDPOrders:      []float64{2, 4, 8, 16, 32},
			Seed:           7,
			SeedSet:        true,
		},
		Sketch: config.Sketch{
			Impl:            "set",
			K:               4096,
			MAUWindowDays:   30,
			UseBloomForDiff: true,
			BloomFPRate:     0.01,
		},
		Security: config.Security{
			SaltSecret:       []byte("api-test-secret"),
			SaltRotationDays: 30,
		},
		Service: config.Service{ListenAddr: ":0", RequestsPerMinute: 600},
		Version: config.DefaultVersion,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	l, err := ledger.Open(cfg.DataDir)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	entry := logrus.NewEntry(log)
	pipe, err := pipeline.New(cfg, l, entry)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	srv := httptest.NewServer(NewServer(cfg, pipe, telemetry.New(), entry).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postEvents(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/event", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

// TestIngestAndDAU drives the documented happy path end to end.
func TestIngestAndDAU(t *testing.T) {
	srv := newTestServer(t, testConfig(t.TempDir()))

	resp := postEvents(t, srv, `{"events":[
		{"user_id":"u1","op":"+","day":"2025-10-01"},
		{"user_id":"u2","op":"+","day":"2025-10-01"},
		{"user_id":"u1","op":"+","day":"2025-10-02"}]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body := decode(t, resp); body["accepted"].(float64) != 3 {
		t.Fatalf("accepted = %v, want 3", body["accepted"])
	}

	resp, err := http.Get(srv.URL + "/dau/2025-10-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["raw"].(float64) != 2 {
		t.Fatalf("raw = %v, want 2", body["raw"])
	}
	if body["mechanism"] != "laplace" {
		t.Fatalf("mechanism = %v", body["mechanism"])
	}
	budget := body["budget"].(map[string]interface{})
	if budget["epsilon_spent"].(float64) != 0.3 {
		t.Fatalf("epsilon_spent = %v, want 0.3", budget["epsilon_spent"])
	}
	if _, ok := budget["rdp_best"]; !ok {
		t.Fatal("budget missing rdp_best")
	}
}

// TestMAUEndpoint checks the query parameters and the Gaussian mechanism.
func TestMAUEndpoint(t *testing.T) {
	srv := newTestServer(t, testConfig(t.TempDir()))
	postEvents(t, srv, `{"events":[
		{"user_id":"u1","op":"+","day":"2025-10-01"},
		{"user_id":"u2","op":"+","day":"2025-10-05"}]}`).Body.Close()

	resp, err := http.Get(srv.URL + "/mau?end=2025-10-10&window=30")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body := decode(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %v", resp.StatusCode, body)
	}
	if body["raw"].(float64) != 2 || body["mechanism"] != "gaussian" {
		t.Fatalf("mau = %v", body)
	}

	resp, err = http.Get(srv.URL + "/mau")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing end: status = %d, want 400", resp.StatusCode)
	}
}

// TestValidationErrors maps bad input to 400.
func TestValidationErrors(t *testing.T) {
	srv := newTestServer(t, testConfig(t.TempDir()))

	resp := postEvents(t, srv, `{"events":[{"user_id":"u1","op":"?","day":"2025-10-01"}]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad op: status = %d, want 400", resp.StatusCode)
	}

	resp = postEvents(t, srv, `{"events":[{"user_id":"u1","op":"+","day":"2999-01-01"}]}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("future day: status = %d, want 400", resp.StatusCode)
	}

	resp = postEvents(t, srv, `not json`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d, want 400", resp.StatusCode)
	}
}

// TestBudgetExhaustedPayload drains a tiny budget and checks the structured
// 429 body.
func TestBudgetExhaustedPayload(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.DP.DAUBudgetTotal = 0.3 // one release
	srv := newTestServer(t, cfg)
	postEvents(t, srv, `{"events":[{"user_id":"u1","op":"+","day":"2025-10-01"}]}`).Body.Close()

	resp, err := http.Get(srv.URL + "/dau/2025-10-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first release: status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/dau/2025-10-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["error"] != "budget_exhausted" {
		t.Fatalf("error = %v", body["error"])
	}
	if body["metric"] != "dau" || body["reset_month"] != "2025-11" {
		t.Fatalf("payload = %v", body)
	}
	if body["remaining"].(float64) != 0 {
		t.Fatalf("remaining = %v, want 0", body["remaining"])
	}
}

// TestAuth requires X-API-Key on data endpoints but not on probes.
func TestAuth(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Security.APIKey = "sekrit"
	srv := newTestServer(t, cfg)

	resp, err := http.Get(srv.URL + "/dau/2025-10-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", srv.URL+"/budget/dau?day=2025-10-01", nil)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with key: status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz without key: status = %d, want 200", resp.StatusCode)
	}
}

// TestRateLimit trips the sliding window and checks the advisory headers.
func TestRateLimit(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Service.RequestsPerMinute = 2
	srv := newTestServer(t, cfg)

	body := `{"events":[{"user_id":"u1","op":"+","day":"2025-10-01"}]}`
	for i := 0; i < 2; i++ {
		resp := postEvents(t, srv, body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("request %d: status = %d, want 202", i, resp.StatusCode)
		}
	}
	resp := postEvents(t, srv, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("429 missing Retry-After")
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining = %q, want 0", resp.Header.Get("X-RateLimit-Remaining"))
	}
}

// TestAdminEndpoints exercises flush-deletes, reset-budget, and the salt
// rotation conflict.
func TestAdminEndpoints(t *testing.T) {
	srv := newTestServer(t, testConfig(t.TempDir()))
	postEvents(t, srv, `{"events":[{"user_id":"u1","op":"+","day":"2025-10-01"}]}`).Body.Close()

	resp, err := http.Post(srv.URL+"/admin/flush-deletes", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("flush-deletes: status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/admin/reset-budget", "application/json",
		strings.NewReader(`{"metric":"dau","month":"2025-10"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset-budget: status = %d", resp.StatusCode)
	}

	// 2025-10-02 straddles the window around the ingested day.
	resp, err = http.Post(srv.URL+"/admin/rotate-salt", "application/json",
		strings.NewReader(`{"effective_date":"2025-10-02"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("rotate-salt inside window: status = %d, want 409", resp.StatusCode)
	}
}

// TestMetricsExposition checks requests show up on /metrics.
func TestMetricsExposition(t *testing.T) {
	srv := newTestServer(t, testConfig(t.TempDir()))
	postEvents(t, srv, `{"events":[{"user_id":"u1","op":"+","day":"2025-10-01"}]}`).Body.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	body := string(raw)
	if !strings.Contains(body, `app_requests_total{handler="/event",method="POST",status="202"} 1`) {
		t.Fatalf("exposition missing ingest counter:\n%s", body)
	}
}
