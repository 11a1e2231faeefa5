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
	"math/bits"

	"github.com/pkg/errors"
)

const defaultHLLPrecision = 14

// HLLPPSketch is a register-based HyperLogLog++ counter. It is the most
// memory-frugal backend but cannot subtract removed keys: Diff returns
// ErrDiffUnsupported and the window store rebuilds affected days from the
// activity log instead.
type HLLPPSketch struct {
	precision uint8
	registers []uint8
}

// NewHLLPPSketch returns an empty HLL++ sketch with 2^precision registers.
// Precision must be between 4 and 16.
func NewHLLPPSketch(precision uint8) *HLLPPSketch {
	if precision < 4 || precision > 16 {
		precision = defaultHLLPrecision
	}
	return &HLLPPSketch{
		precision: precision,
		registers: make([]uint8, 1<<precision),
	}
}

// Add routes the key's top bits to a register and records the rank of the
// remaining bits. Keys are already uniform 64-bit hashes, so no re-hash.
func (s *HLLPPSketch) Add(key uint64) {
	idx := key >> (64 - s.precision)
	rest := key << s.precision
	rank := uint8(bits.LeadingZeros64(rest|1)) + 1
	if rank > s.registers[idx] {
		s.registers[idx] = rank
	}
}

// Cardinality applies the standard HLL estimator with the small-range
// linear-counting correction.
func (s *HLLPPSketch) Cardinality() float64 {
	m := float64(len(s.registers))
	alpha := 0.7213 / (1 + 1.079/m)
	var sum float64
	zeros := 0
	for _, r := range s.registers {
		sum += math.Pow(2, -float64(r))
		if r == 0 {
			zeros++
		}
	}
	raw := alpha * m * m / sum
	if raw <= 2.5*m && zeros > 0 {
		return m * math.Log(m/float64(zeros))
	}
	return raw
}

// Union takes the register-wise maximum.
func (s *HLLPPSketch) Union(other Sketch) (Sketch, error) {
	o, ok := other.(*HLLPPSketch)
	if !ok {
		return nil, errors.Errorf("hllpp union: incompatible sketch %q", other.Impl())
	}
	if o.precision != s.precision {
		return nil, errors.Errorf("hllpp union: precision mismatch %d != %d", s.precision, o.precision)
	}
	out := NewHLLPPSketch(s.precision)
	for i := range s.registers {
		out.registers[i] = s.registers[i]
		if o.registers[i] > out.registers[i] {
			out.registers[i] = o.registers[i]
		}
	}
	return out, nil
}

// Diff is not supported for register-based sketches.
func (s *HLLPPSketch) Diff(removed []uint64) (Sketch, error) {
	return nil, ErrDiffUnsupported
}

// Clone returns a deep copy.
func (s *HLLPPSketch) Clone() Sketch {
	out := NewHLLPPSketch(s.precision)
	copy(out.registers, s.registers)
	return out
}

// Impl reports "hllpp".
func (s *HLLPPSketch) Impl() string { return ImplHLLPP }

// MarshalBinary packs the precision byte followed by the raw registers.
func (s *HLLPPSketch) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 1+len(s.registers))
	buf[0] = s.precision
	copy(buf[1:], s.registers)
	return buf, nil
}

// UnmarshalHLLPPSketch restores a serialized HLL++ sketch.
func UnmarshalHLLPPSketch(payload []byte) (*HLLPPSketch, error) {
	if len(payload) < 1 {
		return nil, errors.New("hllpp payload too short")
	}
	precision := payload[0]
	if precision < 4 || precision > 16 {
		return nil, errors.Errorf("hllpp payload: bad precision %d", precision)
	}
	if len(payload) != 1+(1<<precision) {
		return nil, errors.New("hllpp payload: register count mismatch")
	}
	s := NewHLLPPSketch(precision)
	copy(s.registers, payload[1:])
	return s, nil
}
