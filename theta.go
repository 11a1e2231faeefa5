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

package dpcount

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/pkg/errors"
)

// ThetaSketch samples keys below a threshold theta. Every retained key is an
// unbiased sample of the stream at rate theta/2^64, so the distinct count is
// estimated as retained/(theta/2^64). The threshold halves whenever the
// sample grows past twice the nominal size, which keeps memory bounded while
// letting unions pick the smaller of the two thresholds.
type ThetaSketch struct {
	cfg   Config
	theta uint64 // exclusive upper bound; 0 means the full hash space
	keys  map[uint64]struct{}
}

// NewThetaSketch returns an empty theta sketch in exact mode (theta spans the
// whole hash space).
func NewThetaSketch(cfg Config) *ThetaSketch {
	return &ThetaSketch{cfg: cfg, theta: 0, keys: make(map[uint64]struct{})}
}

func (s *ThetaSketch) thetaFraction() float64 {
	if s.theta == 0 {
		return 1.0
	}
	return float64(s.theta) / maxHash
}

func (s *ThetaSketch) below(key uint64) bool {
	return s.theta == 0 || key < s.theta
}

func (s *ThetaSketch) shrink() {
	for len(s.keys) > 2*s.cfg.K {
		if s.theta == 0 {
			s.theta = math.MaxUint64/2 + 1
		} else {
			s.theta /= 2
		}
		for k := range s.keys {
			if k >= s.theta {
				delete(s.keys, k)
			}
		}
	}
}

// Add inserts a key if it falls below the sampling threshold.
func (s *ThetaSketch) Add(key uint64) {
	if !s.below(key) {
		return
	}
	s.keys[key] = struct{}{}
	s.shrink()
}

// Cardinality scales the sample size by the inverse sampling rate.
func (s *ThetaSketch) Cardinality() float64 {
	return float64(len(s.keys)) / s.thetaFraction()
}

// Union merges under the smaller threshold of the two inputs.
func (s *ThetaSketch) Union(other Sketch) (Sketch, error) {
	o, ok := other.(*ThetaSketch)
	if !ok {
		return nil, errors.Errorf("theta union: incompatible sketch %q", other.Impl())
	}
	out := &ThetaSketch{cfg: s.cfg, theta: minTheta(s.theta, o.theta), keys: make(map[uint64]struct{})}
	for k := range s.keys {
		if out.below(k) {
			out.keys[k] = struct{}{}
		}
	}
	for k := range o.keys {
		if out.below(k) {
			out.keys[k] = struct{}{}
		}
	}
	out.shrink()
	return out, nil
}

// Diff filters the sample against the removed keys using the same membership
// probe as the KMV backend (exact set or Bloom filter, per configuration).
func (s *ThetaSketch) Diff(removed []uint64) (Sketch, error) {
	out := &ThetaSketch{cfg: s.cfg, theta: s.theta, keys: make(map[uint64]struct{}, len(s.keys))}
	if len(removed) == 0 {
		for k := range s.keys {
			out.keys[k] = struct{}{}
		}
		return out, nil
	}
	contains, err := removedMembership(s.cfg, removed)
	if err != nil {
		return nil, err
	}
	for k := range s.keys {
		if !contains(k) {
			out.keys[k] = struct{}{}
		}
	}
	return out, nil
}

// Clone returns a deep copy.
func (s *ThetaSketch) Clone() Sketch {
	out := &ThetaSketch{cfg: s.cfg, theta: s.theta, keys: make(map[uint64]struct{}, len(s.keys))}
	for k := range s.keys {
		out.keys[k] = struct{}{}
	}
	return out
}

// Impl reports "theta".
func (s *ThetaSketch) Impl() string { return ImplTheta }

// MarshalBinary packs theta, the count, and the sampled keys.
func (s *ThetaSketch) MarshalBinary() ([]byte, error) {
	sorted := sortedKeys(s.keys)
	buf := make([]byte, 12, 12+len(sorted)*8)
	binary.BigEndian.PutUint64(buf[0:8], s.theta)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(sorted)))
	return putU64Slice(buf, sorted), nil
}

// UnmarshalThetaSketch restores a serialized theta sketch.
func UnmarshalThetaSketch(payload []byte, cfg Config) (*ThetaSketch, error) {
	if len(payload) < 12 {
		return nil, errors.New("theta payload too short")
	}
	theta := binary.BigEndian.Uint64(payload[0:8])
	count := int(binary.BigEndian.Uint32(payload[8:12]))
	values, err := readU64Slice(payload[12:], count)
	if err != nil {
		return nil, errors.Wrap(err, "theta payload")
	}
	s := &ThetaSketch{cfg: cfg, theta: theta, keys: make(map[uint64]struct{}, count)}
	for _, v := range values {
		s.keys[v] = struct{}{}
	}
	return s, nil
}

func minTheta(a, b uint64) uint64 {
	// 0 encodes the full hash space, which is the largest possible threshold.
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// sortedKeys flattens a key set in ascending order so serialization is
// deterministic for equal states.
func sortedKeys(m map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
