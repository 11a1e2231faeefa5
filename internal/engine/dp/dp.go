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

// Package dp implements the Laplace and Gaussian release mechanisms. Noise is
// drawn from a seeded deterministic source when a default seed is configured
// (tests, reproducible audits) and from crypto/rand otherwise.
package dp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	mrand "math/rand"

	"github.com/pkg/errors"
)

// Mechanism names persisted with each release.
const (
	MechanismLaplace  = "laplace"
	MechanismGaussian = "gaussian"
)

// z975 is the 97.5th percentile of the standard normal, for 95% intervals.
const z975 = 1.959963984540054

// Result is one noised release.
type Result struct {
	Raw       float64
	Noisy     int64 // round(max(0, raw + noise))
	Mechanism string
	Epsilon   float64
	Delta     float64
	CILow     float64
	CIHigh    float64
	Seed      int64 // 63-bit seed persisted with the release
}

// SeedFor derives the deterministic release seed: the first eight bytes of
// SHA-256("metric:day:defaultSeed"), truncated to 63 bits for storage.
func SeedFor(metric, day string, defaultSeed int64) int64 {
	digest := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", metric, day, defaultSeed)))
	return int64(binary.BigEndian.Uint64(digest[:8]) &^ (1 << 63))
}

// RandomSeed draws a 63-bit seed from crypto/rand.
func RandomSeed() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, errors.Wrap(err, "read random seed")
	}
	return int64(binary.BigEndian.Uint64(buf[:]) &^ (1 << 63)), nil
}

// Laplace releases value with Laplace(sensitivity/epsilon) noise and a
// symmetric 95% interval from the Laplace quantile.
func Laplace(value, sensitivity, epsilon float64, seed int64) (Result, error) {
	if epsilon <= 0 {
		return Result{}, errors.New("laplace: epsilon must be > 0")
	}
	if sensitivity <= 0 {
		return Result{}, errors.New("laplace: sensitivity must be > 0")
	}
	scale := sensitivity / epsilon
	rng := mrand.New(mrand.NewSource(seed))
	noisy := value + sampleLaplace(scale, rng)
	z := -scale * math.Log(0.05/2)
	return Result{
		Raw:       value,
		Noisy:     clampRound(noisy),
		Mechanism: MechanismLaplace,
		Epsilon:   epsilon,
		Delta:     0,
		CILow:     noisy - z,
		CIHigh:    noisy + z,
		Seed:      seed,
	}, nil
}

// Gaussian releases value with N(0, sigma^2) noise where
// sigma = sensitivity * sqrt(2 ln(1.25/delta)) / epsilon.
func Gaussian(value, sensitivity, epsilon, delta float64, seed int64) (Result, error) {
	if epsilon <= 0 || delta <= 0 || delta >= 1 {
		return Result{}, errors.New("gaussian: need epsilon > 0 and 0 < delta < 1")
	}
	if sensitivity <= 0 {
		return Result{}, errors.New("gaussian: sensitivity must be > 0")
	}
	sigma := Sigma(sensitivity, epsilon, delta)
	rng := mrand.New(mrand.NewSource(seed))
	noisy := value + rng.NormFloat64()*sigma
	return Result{
		Raw:       value,
		Noisy:     clampRound(noisy),
		Mechanism: MechanismGaussian,
		Epsilon:   epsilon,
		Delta:     delta,
		CILow:     noisy - z975*sigma,
		CIHigh:    noisy + z975*sigma,
		Seed:      seed,
	}, nil
}

// Sigma is the Gaussian mechanism's noise scale.
func Sigma(sensitivity, epsilon, delta float64) float64 {
	return sensitivity * math.Sqrt(2*math.Log(1.25/delta)) / epsilon
}

// sampleLaplace draws Laplace(0, scale) by inverse CDF over a symmetric
// uniform variate.
func sampleLaplace(scale float64, rng *mrand.Rand) float64 {
	u := rng.Float64() - 0.5
	return -scale * math.Copysign(math.Log(1-2*math.Abs(u)), u)
}

// clampRound maps the noised real to the published non-negative integer.
func clampRound(v float64) int64 {
	if v < 0 {
		return 0
	}
	return int64(math.Round(v))
}
