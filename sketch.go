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

// Package dpcount provides distinct-count sketches for turnstile streams of
// pseudonymized user keys. A sketch ingests 64-bit uniform hashes and answers
// approximate (or exact, depending on the backend) cardinality queries, with
// support for unions across days and for subtracting a set of removed keys so
// that retroactive erasure can be honored without a full rebuild.
package dpcount

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Supported sketch backends. The backend is chosen once at configuration
// parse; hot-swapping implementations mid-run is not supported.
const (
	ImplKMV   = "kmv"
	ImplSet   = "set"
	ImplTheta = "theta"
	ImplHLLPP = "hllpp"
)

// ErrDiffUnsupported is returned by backends that cannot subtract removed
// keys directly (HLL++); callers fall back to rebuilding from the activity log.
var ErrDiffUnsupported = errors.New("sketch backend does not support diff")

// Config carries the runtime knobs shared by all sketch backends.
type Config struct {
	// K is the retained-sample size for the KMV and theta backends.
	K int

	// UseBloomForDiff selects a Bloom filter for the removed-key membership
	// probe in Diff. The filter may report false positives, which over-delete:
	// the resulting estimate carries an additive negative bias bounded by
	// BloomFPRate times the retained sample size.
	UseBloomForDiff bool

	// BloomFPRate is the target false-positive rate of the diff filter.
	BloomFPRate float64
}

// Sketch is the capability set every distinct-count backend implements.
//
// All operations are defined over 64-bit uniform hashes of user keys. A
// sketch must be idempotent under repeated insertion of the same key and its
// state must not depend on insertion order (the same multiset of keys always
// yields the same state).
type Sketch interface {
	// Add inserts one key. Inserting a key already present is a no-op.
	Add(key uint64)

	// Cardinality estimates the number of distinct keys inserted.
	Cardinality() float64

	// Union returns a new sketch estimating the cardinality of the union of
	// the two inputs. Neither input is modified. Both sketches must share the
	// same backend and compatible parameters.
	Union(other Sketch) (Sketch, error)

	// Diff returns a new sketch whose cardinality estimates |A \ R| for the
	// given removed keys R. The receiver is not modified. Backends without
	// native deletion support return ErrDiffUnsupported.
	Diff(removed []uint64) (Sketch, error)

	// Clone returns an independent deep copy.
	Clone() Sketch

	// Impl reports the backend name (kmv, set, theta, hllpp).
	Impl() string

	// MarshalBinary serializes the sketch state. The factory's Unmarshal
	// restores it; payloads are only portable within the same backend and K.
	MarshalBinary() ([]byte, error)
}

// Factory produces sketches of one configured backend. The window store and
// the pipeline only ever construct sketches through a factory so a single
// process never mixes backends.
type Factory struct {
	impl string
	cfg  Config
}

// NewFactory validates the backend name and returns a factory for it.
func NewFactory(impl string, cfg Config) (*Factory, error) {
	switch impl {
	case ImplKMV, ImplSet, ImplTheta, ImplHLLPP:
	default:
		return nil, fmt.Errorf("unknown sketch implementation: %q", impl)
	}
	if cfg.K <= 0 {
		return nil, errors.New("sketch config: K must be positive")
	}
	if cfg.UseBloomForDiff && (cfg.BloomFPRate <= 0 || cfg.BloomFPRate >= 1) {
		return nil, errors.New("sketch config: BloomFPRate must be in (0, 1)")
	}
	return &Factory{impl: impl, cfg: cfg}, nil
}

// Impl reports the configured backend name.
func (f *Factory) Impl() string { return f.impl }

// New constructs an empty sketch of the configured backend.
func (f *Factory) New() Sketch {
	switch f.impl {
	case ImplSet:
		return NewSetSketch()
	case ImplTheta:
		return NewThetaSketch(f.cfg)
	case ImplHLLPP:
		return NewHLLPPSketch(defaultHLLPrecision)
	default:
		return NewKMVSketch(f.cfg)
	}
}

// Unmarshal restores a sketch serialized by MarshalBinary under the same
// backend and configuration.
func (f *Factory) Unmarshal(payload []byte) (Sketch, error) {
	switch f.impl {
	case ImplSet:
		return UnmarshalSetSketch(payload)
	case ImplTheta:
		return UnmarshalThetaSketch(payload, f.cfg)
	case ImplHLLPP:
		return UnmarshalHLLPPSketch(payload)
	default:
		return UnmarshalKMVSketch(payload, f.cfg)
	}
}

// putU64Slice appends values as big-endian uint64s; shared by the sampling
// backends, which all serialize as a small header plus a packed hash vector.
func putU64Slice(dst []byte, values []uint64) []byte {
	for _, v := range values {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], v)
		dst = append(dst, buf[:]...)
	}
	return dst
}

// readU64Slice decodes count big-endian uint64s from payload.
func readU64Slice(payload []byte, count int) ([]uint64, error) {
	if len(payload) < count*8 {
		return nil, errors.Errorf("sketch payload truncated: need %d bytes, have %d", count*8, len(payload))
	}
	out := make([]uint64, count)
	for i := 0; i < count; i++ {
		out[i] = binary.BigEndian.Uint64(payload[i*8:])
	}
	return out, nil
}
