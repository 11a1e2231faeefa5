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

	bloomfilter "github.com/holiman/bloomfilter/v2"
	"github.com/pkg/errors"
)

// maxHash is the size of the 64-bit hash space as a float; the KMV estimator
// normalizes the k-th smallest retained hash against it.
const maxHash = float64(1 << 64)

// bloomDiffMinRemoved is the removed-set size below which Diff always uses an
// exact membership set; a Bloom filter only pays off past this point.
const bloomDiffMinRemoved = 64

// KMVSketch is a bottom-k distinct counter: it retains the k smallest 64-bit
// hashes observed. With fewer than k distinct keys the count is exact; beyond
// that the k-th smallest hash t_k estimates density and the cardinality is
// (k-1)/t_k scaled to the hash space. Relative error is about 1/sqrt(k).
type KMVSketch struct {
	cfg Config
	// retained holds the k smallest values in ascending order.
	retained []uint64
	present  map[uint64]struct{}
}

// NewKMVSketch returns an empty bottom-k sketch.
func NewKMVSketch(cfg Config) *KMVSketch {
	return &KMVSketch{
		cfg:     cfg,
		present: make(map[uint64]struct{}),
	}
}

func newKMVFromSorted(cfg Config, sorted []uint64) *KMVSketch {
	if len(sorted) > cfg.K {
		sorted = sorted[:cfg.K]
	}
	s := &KMVSketch{
		cfg:      cfg,
		retained: append([]uint64(nil), sorted...),
		present:  make(map[uint64]struct{}, len(sorted)),
	}
	for _, v := range sorted {
		s.present[v] = struct{}{}
	}
	return s
}

// Add inserts a key, keeping only the k smallest distinct values.
func (s *KMVSketch) Add(key uint64) {
	if _, ok := s.present[key]; ok {
		return
	}
	if len(s.retained) >= s.cfg.K && key >= s.retained[len(s.retained)-1] {
		return
	}
	idx := sort.Search(len(s.retained), func(i int) bool { return s.retained[i] >= key })
	s.retained = append(s.retained, 0)
	copy(s.retained[idx+1:], s.retained[idx:])
	s.retained[idx] = key
	s.present[key] = struct{}{}
	if len(s.retained) > s.cfg.K {
		evicted := s.retained[len(s.retained)-1]
		s.retained = s.retained[:len(s.retained)-1]
		delete(s.present, evicted)
	}
}

// Cardinality returns the exact count below k distinct keys, and the bottom-k
// estimate (k-1)/t_k past saturation.
func (s *KMVSketch) Cardinality() float64 {
	n := len(s.retained)
	if n == 0 {
		return 0
	}
	if n < s.cfg.K {
		return float64(n)
	}
	tau := float64(s.retained[n-1]) / maxHash
	if tau <= 0 {
		return float64(n)
	}
	return float64(s.cfg.K-1) / tau
}

// Union merges two bottom-k sketches by keeping the k smallest values of the
// combined sample.
func (s *KMVSketch) Union(other Sketch) (Sketch, error) {
	o, ok := other.(*KMVSketch)
	if !ok {
		return nil, errors.Errorf("kmv union: incompatible sketch %q", other.Impl())
	}
	merged := make([]uint64, 0, len(s.retained)+len(o.retained))
	merged = append(merged, s.retained...)
	for _, v := range o.retained {
		if _, dup := s.present[v]; !dup {
			merged = append(merged, v)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	return newKMVFromSorted(s.cfg, merged), nil
}

// Diff returns a sketch retaining only the values not in removed. Membership
// over removed uses an exact set when small, or a Bloom filter at the
// configured false-positive rate: a false positive drops a retained value
// that was never removed, so the estimate carries a negative bias of at most
// BloomFPRate per retained value.
func (s *KMVSketch) Diff(removed []uint64) (Sketch, error) {
	if len(removed) == 0 {
		return s.Clone(), nil
	}
	contains, err := removedMembership(s.cfg, removed)
	if err != nil {
		return nil, err
	}
	kept := make([]uint64, 0, len(s.retained))
	for _, v := range s.retained {
		if !contains(v) {
			kept = append(kept, v)
		}
	}
	return newKMVFromSorted(s.cfg, kept), nil
}

// Clone returns a deep copy.
func (s *KMVSketch) Clone() Sketch {
	return newKMVFromSorted(s.cfg, s.retained)
}

// Impl reports "kmv".
func (s *KMVSketch) Impl() string { return ImplKMV }

// MarshalBinary packs a (k, count) header followed by the retained values.
func (s *KMVSketch) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8, 8+len(s.retained)*8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(s.cfg.K))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(s.retained)))
	return putU64Slice(buf, s.retained), nil
}

// UnmarshalKMVSketch restores a serialized bottom-k sketch, honoring the
// runtime K if the payload was written under a different one.
func UnmarshalKMVSketch(payload []byte, cfg Config) (*KMVSketch, error) {
	if len(payload) < 8 {
		return nil, errors.New("kmv payload too short")
	}
	count := int(binary.BigEndian.Uint32(payload[4:8]))
	values, err := readU64Slice(payload[8:], count)
	if err != nil {
		return nil, errors.Wrap(err, "kmv payload")
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return newKMVFromSorted(cfg, values), nil
}

// removedMembership builds the membership probe for Diff over the removed
// keys: exact below bloomDiffMinRemoved or when Bloom is disabled.
func removedMembership(cfg Config, removed []uint64) (func(uint64) bool, error) {
	if !cfg.UseBloomForDiff || len(removed) < bloomDiffMinRemoved {
		set := make(map[uint64]struct{}, len(removed))
		for _, v := range removed {
			set[v] = struct{}{}
		}
		return func(v uint64) bool {
			_, ok := set[v]
			return ok
		}, nil
	}
	bf, err := bloomfilter.NewOptimal(uint64(len(removed)), cfg.BloomFPRate)
	if err != nil {
		return nil, errors.Wrap(err, "build diff bloom filter")
	}
	for _, v := range removed {
		bf.AddHash(v)
	}
	return bf.ContainsHash, nil
}
