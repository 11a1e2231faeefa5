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

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"dpcount/internal/engine/accountant"
)

// client talks to a running dpcount service when --host is set, so the same
// commands work against a remote deployment.
type client struct {
	host   string
	apiKey string
	http   *http.Client
}

func newClient(host, apiKey string) *client {
	return &client{
		host:   strings.TrimRight(host, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

// do sends one request and decodes the JSON response into out. A structured
// budget_exhausted denial comes back as an *accountant.ExhaustedError so the
// caller's exit-code mapping works the same in both modes.
func (c *client) do(method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.host+path, payload)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return errors.Wrap(json.Unmarshal(raw, out), "decode response")
	}

	var denial struct {
		Error string `json:"error"`
		accountant.ExhaustedError
	}
	if json.Unmarshal(raw, &denial) == nil && denial.Error == "budget_exhausted" {
		return &denial.ExhaustedError
	}
	return errors.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
}
