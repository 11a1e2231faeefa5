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
	"sort"

	"github.com/pkg/errors"
)

// SetSketch is the exact reference backend: a plain hash set of keys. Memory
// grows linearly with the number of distinct keys; intended for tests and
// regulated deployments where approximate answers are not acceptable.
type SetSketch struct {
	keys map[uint64]struct{}
}

// NewSetSketch returns an empty exact sketch.
func NewSetSketch() *SetSketch {
	return &SetSketch{keys: make(map[uint64]struct{})}
}

// Add inserts a key.
func (s *SetSketch) Add(key uint64) {
	s.keys[key] = struct{}{}
}

// Cardinality returns the exact distinct count.
func (s *SetSketch) Cardinality() float64 {
	return float64(len(s.keys))
}

// Union returns the exact set union.
func (s *SetSketch) Union(other Sketch) (Sketch, error) {
	o, ok := other.(*SetSketch)
	if !ok {
		return nil, errors.Errorf("set union: incompatible sketch %q", other.Impl())
	}
	out := make(map[uint64]struct{}, len(s.keys)+len(o.keys))
	for k := range s.keys {
		out[k] = struct{}{}
	}
	for k := range o.keys {
		out[k] = struct{}{}
	}
	return &SetSketch{keys: out}, nil
}

// Diff returns the exact set difference.
func (s *SetSketch) Diff(removed []uint64) (Sketch, error) {
	out := make(map[uint64]struct{}, len(s.keys))
	for k := range s.keys {
		out[k] = struct{}{}
	}
	for _, k := range removed {
		delete(out, k)
	}
	return &SetSketch{keys: out}, nil
}

// Clone returns a deep copy.
func (s *SetSketch) Clone() Sketch {
	out := make(map[uint64]struct{}, len(s.keys))
	for k := range s.keys {
		out[k] = struct{}{}
	}
	return &SetSketch{keys: out}
}

// Impl reports "set".
func (s *SetSketch) Impl() string { return ImplSet }

// MarshalBinary writes the keys in ascending order so that equal sets always
// serialize to identical payloads.
func (s *SetSketch) MarshalBinary() ([]byte, error) {
	sorted := make([]uint64, 0, len(s.keys))
	for k := range s.keys {
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	buf := make([]byte, 4, 4+len(sorted)*8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(sorted)))
	return putU64Slice(buf, sorted), nil
}

// UnmarshalSetSketch restores a serialized exact sketch.
func UnmarshalSetSketch(payload []byte) (*SetSketch, error) {
	if len(payload) < 4 {
		return nil, errors.New("set payload too short")
	}
	count := int(binary.BigEndian.Uint32(payload[0:4]))
	values, err := readU64Slice(payload[4:], count)
	if err != nil {
		return nil, errors.Wrap(err, "set payload")
	}
	s := NewSetSketch()
	for _, v := range values {
		s.keys[v] = struct{}{}
	}
	return s, nil
}
