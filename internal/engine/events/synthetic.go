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

package events

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"time"
)

// SyntheticParams shapes the generated workload.
type SyntheticParams struct {
	Days       int
	DailyUsers int
	DeleteRate float64 // fraction of previously active users erased per day
	Seed       int64
	Start      string // YYYY-MM-DD; first generated day
}

// GenerateSynthetic produces a deterministic workload with inserts and
// deletes. Each day samples DailyUsers from a pool of twice that size, then
// erases DeleteRate of the users with recorded activity; an erased user's
// activity slate is cleared so repeat deletes stay plausible.
func GenerateSynthetic(p SyntheticParams) ([]Event, error) {
	start, err := time.Parse(DayFormat, p.Start)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(p.Seed))
	pool := make([]string, p.DailyUsers*2)
	for i := range pool {
		pool[i] = fmt.Sprintf("user-%06d", i)
	}
	var out []Event
	activity := make(map[string][]string)
	for offset := 0; offset < p.Days; offset++ {
		day := start.AddDate(0, 0, offset).Format(DayFormat)
		active := sampleUsers(rng, pool, p.DailyUsers)
		for _, user := range active {
			out = append(out, Event{
				UserID: user,
				Op:     OpAdd,
				Day:    day,
				Metadata: map[string]string{
					"source":     "synthetic",
					"day_offset": strconv.Itoa(offset),
				},
			})
			activity[user] = append(activity[user], day)
		}
		deletable := make([]string, 0, len(activity))
		for user, seen := range activity {
			if len(seen) > 0 {
				deletable = append(deletable, user)
			}
		}
		// Map iteration order is random; sort for a reproducible stream.
		sort.Strings(deletable)
		count := int(p.DeleteRate*float64(len(deletable)) + 0.5)
		for _, user := range sampleUsers(rng, deletable, count) {
			out = append(out, Event{
				UserID:   user,
				Op:       OpDelete,
				Day:      day,
				Metadata: map[string]string{"source": "synthetic"},
			})
			activity[user] = nil
		}
	}
	return out, nil
}

func sampleUsers(rng *rand.Rand, pool []string, k int) []string {
	if k >= len(pool) {
		return append([]string(nil), pool...)
	}
	idx := rng.Perm(len(pool))[:k]
	out := make([]string, k)
	for i, j := range idx {
		out[i] = pool[j]
	}
	return out
}
