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
	"math"
	"testing"
)

func testConfig() Config {
	return Config{K: 1024, UseBloomForDiff: false, BloomFPRate: 0.01}
}

// splitmix64 generates deterministic uniform 64-bit test keys.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func testKeys(n int, seed uint64) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = splitmix64(seed + uint64(i))
	}
	return out
}

func allFactories(t *testing.T) map[string]*Factory {
	t.Helper()
	out := make(map[string]*Factory)
	for _, impl := range []string{ImplKMV, ImplSet, ImplTheta, ImplHLLPP} {
		f, err := NewFactory(impl, testConfig())
		if err != nil {
			t.Fatalf("NewFactory(%s): %v", impl, err)
		}
		out[impl] = f
	}
	return out
}

// TestNewFactoryRejectsBadConfig verifies validation of the backend name and
// numeric parameters.
func TestNewFactoryRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		impl string
		cfg  Config
	}{
		{"unknown impl", "cuckoo", testConfig()},
		{"zero k", ImplKMV, Config{K: 0}},
		{"bad fp rate", ImplKMV, Config{K: 64, UseBloomForDiff: true, BloomFPRate: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewFactory(tt.impl, tt.cfg); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

// TestAddIdempotent verifies that re-inserting the same key never changes the
// estimate, for every backend.
func TestAddIdempotent(t *testing.T) {
	for impl, f := range allFactories(t) {
		t.Run(impl, func(t *testing.T) {
			s := f.New()
			keys := testKeys(500, 1)
			for _, k := range keys {
				s.Add(k)
			}
			before := s.Cardinality()
			for _, k := range keys {
				s.Add(k)
			}
			if after := s.Cardinality(); after != before {
				t.Fatalf("estimate changed on duplicate insert: %v -> %v", before, after)
			}
		})
	}
}

// TestInsertionOrderIndependence verifies that the same key set yields the
// same serialized state regardless of insertion order.
func TestInsertionOrderIndependence(t *testing.T) {
	for impl, f := range allFactories(t) {
		t.Run(impl, func(t *testing.T) {
			keys := testKeys(2000, 7)
			a := f.New()
			for _, k := range keys {
				a.Add(k)
			}
			b := f.New()
			for i := len(keys) - 1; i >= 0; i-- {
				b.Add(keys[i])
			}
			pa, err := a.MarshalBinary()
			if err != nil {
				t.Fatalf("marshal a: %v", err)
			}
			pb, err := b.MarshalBinary()
			if err != nil {
				t.Fatalf("marshal b: %v", err)
			}
			if string(pa) != string(pb) {
				t.Fatal("serialized state differs across insertion orders")
			}
		})
	}
}

// TestExactBelowSaturation verifies that KMV and theta are exact while the
// sample has not saturated.
func TestExactBelowSaturation(t *testing.T) {
	for _, impl := range []string{ImplKMV, ImplTheta, ImplSet} {
		t.Run(impl, func(t *testing.T) {
			f, err := NewFactory(impl, testConfig())
			if err != nil {
				t.Fatal(err)
			}
			s := f.New()
			for _, k := range testKeys(800, 11) {
				s.Add(k)
			}
			if got := s.Cardinality(); got != 800 {
				t.Fatalf("expected exact count 800, got %v", got)
			}
		})
	}
}

// TestKMVEstimateAccuracy pushes the sketch well past saturation and checks
// the estimate stays within a few standard errors of the truth.
func TestKMVEstimateAccuracy(t *testing.T) {
	cfg := testConfig()
	f, err := NewFactory(ImplKMV, cfg)
	if err != nil {
		t.Fatal(err)
	}
	const n = 100000
	s := f.New()
	for _, k := range testKeys(n, 23) {
		s.Add(k)
	}
	got := s.Cardinality()
	tolerance := 4.0 / math.Sqrt(float64(cfg.K)) // ~4 standard errors
	if rel := math.Abs(got-n) / n; rel > tolerance {
		t.Fatalf("estimate %v vs truth %d: relative error %v exceeds %v", got, n, rel, tolerance)
	}
}

// TestUnionMatchesCombinedStream verifies union against inserting both streams
// into a single sketch.
func TestUnionMatchesCombinedStream(t *testing.T) {
	for impl, f := range allFactories(t) {
		t.Run(impl, func(t *testing.T) {
			left := testKeys(3000, 31)
			right := testKeys(3000, 37)
			a, b, combined := f.New(), f.New(), f.New()
			for _, k := range left {
				a.Add(k)
				combined.Add(k)
			}
			for _, k := range right {
				b.Add(k)
				combined.Add(k)
			}
			u, err := a.Union(b)
			if err != nil {
				t.Fatalf("union: %v", err)
			}
			if got, want := u.Cardinality(), combined.Cardinality(); got != want {
				t.Fatalf("union estimate %v != combined-stream estimate %v", got, want)
			}
			// Union must not mutate its inputs.
			fresh := f.New()
			for _, k := range left {
				fresh.Add(k)
			}
			pa, _ := a.MarshalBinary()
			pf, _ := fresh.MarshalBinary()
			if string(pa) != string(pf) {
				t.Fatal("union mutated its receiver")
			}
		})
	}
}

// TestDiffExact verifies exact-path Diff for every backend that supports it.
func TestDiffExact(t *testing.T) {
	for _, impl := range []string{ImplKMV, ImplSet, ImplTheta} {
		t.Run(impl, func(t *testing.T) {
			f, err := NewFactory(impl, testConfig())
			if err != nil {
				t.Fatal(err)
			}
			keys := testKeys(600, 41)
			s := f.New()
			for _, k := range keys {
				s.Add(k)
			}
			removed := keys[:50]
			d, err := s.Diff(removed)
			if err != nil {
				t.Fatalf("diff: %v", err)
			}
			if got := d.Cardinality(); got != 550 {
				t.Fatalf("diff estimate %v, want 550", got)
			}
			// Receiver unchanged.
			if got := s.Cardinality(); got != 600 {
				t.Fatalf("diff mutated receiver: %v", got)
			}
		})
	}
}

// TestDiffBloomBias exercises the Bloom path with a large removed set and
// checks the result is never above the exact answer (false positives only
// over-delete) and within the configured false-positive budget below it.
func TestDiffBloomBias(t *testing.T) {
	cfg := Config{K: 4096, UseBloomForDiff: true, BloomFPRate: 0.01}
	f, err := NewFactory(ImplKMV, cfg)
	if err != nil {
		t.Fatal(err)
	}
	keys := testKeys(3000, 43)
	s := f.New()
	for _, k := range keys {
		s.Add(k)
	}
	removed := keys[:1000]
	d, err := s.Diff(removed)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	got := d.Cardinality()
	exact := 2000.0
	if got > exact {
		t.Fatalf("bloom diff over-counted: %v > %v", got, exact)
	}
	// Allow 5x the nominal rate for slack on a single trial.
	if floor := exact * (1 - 5*cfg.BloomFPRate); got < floor {
		t.Fatalf("bloom diff deleted too much: %v < %v", got, floor)
	}
}

// TestHLLPPDiffUnsupported verifies the register backend reports its
// incapacity instead of guessing.
func TestHLLPPDiffUnsupported(t *testing.T) {
	f, err := NewFactory(ImplHLLPP, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	s := f.New()
	s.Add(splitmix64(1))
	if _, err := s.Diff([]uint64{splitmix64(1)}); err != ErrDiffUnsupported {
		t.Fatalf("expected ErrDiffUnsupported, got %v", err)
	}
}

// TestHLLPPAccuracy sanity-checks the register estimator at a size where the
// standard error (about 1% at precision 14) is comfortably small.
func TestHLLPPAccuracy(t *testing.T) {
	f, err := NewFactory(ImplHLLPP, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	const n = 50000
	s := f.New()
	for _, k := range testKeys(n, 47) {
		s.Add(k)
	}
	got := s.Cardinality()
	if rel := math.Abs(got-n) / n; rel > 0.05 {
		t.Fatalf("hllpp estimate %v vs truth %d: relative error %v", got, n, rel)
	}
}

// TestMarshalRoundTrip verifies each backend survives serialization with its
// estimate intact.
func TestMarshalRoundTrip(t *testing.T) {
	for impl, f := range allFactories(t) {
		t.Run(impl, func(t *testing.T) {
			s := f.New()
			for _, k := range testKeys(5000, 53) {
				s.Add(k)
			}
			payload, err := s.MarshalBinary()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			restored, err := f.Unmarshal(payload)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got, want := restored.Cardinality(), s.Cardinality(); got != want {
				t.Fatalf("estimate changed across round trip: %v != %v", got, want)
			}
		})
	}
}

// TestUnionRejectsMixedBackends verifies that backends refuse to merge with a
// sketch of a different implementation.
func TestUnionRejectsMixedBackends(t *testing.T) {
	fs := allFactories(t)
	kmv := fs[ImplKMV].New()
	set := fs[ImplSet].New()
	if _, err := kmv.Union(set); err == nil {
		t.Fatal("expected error unioning kmv with set")
	}
	if _, err := set.Union(kmv); err == nil {
		t.Fatal("expected error unioning set with kmv")
	}
}

// TestThetaShrinkKeepsEstimate verifies threshold halving keeps the estimate
// close to truth once the sample is capped.
func TestThetaShrinkKeepsEstimate(t *testing.T) {
	cfg := Config{K: 512, UseBloomForDiff: false, BloomFPRate: 0.01}
	f, err := NewFactory(ImplTheta, cfg)
	if err != nil {
		t.Fatal(err)
	}
	const n = 60000
	s := f.New()
	for _, k := range testKeys(n, 59) {
		s.Add(k)
	}
	ts := s.(*ThetaSketch)
	if len(ts.keys) > 2*cfg.K {
		t.Fatalf("sample not capped: %d keys", len(ts.keys))
	}
	got := s.Cardinality()
	if rel := math.Abs(got-n) / n; rel > 0.2 {
		t.Fatalf("theta estimate %v vs truth %d: relative error %v", got, n, rel)
	}
}
