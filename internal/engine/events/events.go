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

// Package events defines the inbound turnstile event record and its file
// formats: JSONL (one event per line) and CSV with optional metadata.*
// columns.
package events

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Turnstile operations.
const (
	OpAdd    = "+"
	OpDelete = "-"
)

// DayFormat is the civil-day layout shared across the engine.
const DayFormat = "2006-01-02"

// Event is one inbound turnstile record. Day is a civil day string in the
// configured timezone; Metadata is carried opaquely and never persisted.
type Event struct {
	UserID   string            `json:"user_id"`
	Op       string            `json:"op"`
	Day      string            `json:"day"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the record shape. Future-day rejection is the pipeline's
// call since it owns the notion of "today".
func (e Event) Validate() error {
	if e.UserID == "" {
		return errors.New("event: empty user_id")
	}
	if e.Op != OpAdd && e.Op != OpDelete {
		return errors.Errorf("event: unknown op %q", e.Op)
	}
	if _, err := time.Parse(DayFormat, e.Day); err != nil {
		return errors.Wrapf(err, "event: day %q", e.Day)
	}
	return nil
}

// ReadJSONL decodes one event per line, skipping blank lines.
func ReadJSONL(r io.Reader) ([]Event, error) {
	var out []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return nil, errors.Wrapf(err, "jsonl line %d", line)
		}
		out = append(out, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "jsonl read")
	}
	return out, nil
}

// ReadCSV decodes a header-first CSV stream. Columns user_id, op, day are
// required; any "metadata.<key>" column feeds the event metadata.
func ReadCSV(r io.Reader) ([]Event, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "csv header")
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"user_id", "op", "day"} {
		if _, ok := cols[required]; !ok {
			return nil, errors.Errorf("csv: missing column %q", required)
		}
	}
	var out []Event
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "csv line %d", line+1)
		}
		line++
		evt := Event{
			UserID: record[cols["user_id"]],
			Op:     record[cols["op"]],
			Day:    record[cols["day"]],
		}
		for name, idx := range cols {
			if !strings.HasPrefix(name, "metadata.") || idx >= len(record) || record[idx] == "" {
				continue
			}
			if evt.Metadata == nil {
				evt.Metadata = make(map[string]string)
			}
			evt.Metadata[strings.TrimPrefix(name, "metadata.")] = record[idx]
		}
		out = append(out, evt)
	}
	return out, nil
}

// ReadFile dispatches on the file extension: ".csv" uses the CSV reader,
// anything else is treated as JSONL.
func ReadFile(path string, r io.Reader) ([]Event, error) {
	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		return ReadCSV(r)
	}
	return ReadJSONL(r)
}

// WriteJSONL streams events one JSON object per line.
func WriteJSONL(w io.Writer, evts []Event) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, evt := range evts {
		if err := enc.Encode(evt); err != nil {
			return errors.Wrap(err, "jsonl write")
		}
	}
	return errors.Wrap(bw.Flush(), "jsonl flush")
}
