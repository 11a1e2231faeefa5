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

// Package accountant tracks the monthly privacy budget per metric. It is
// pure bookkeeping over ledger rows: admission against the naive epsilon sum,
// per-order RDP accumulation, and side-effect-free snapshots carrying the
// naive, best-RDP, and advanced composition bounds.
package accountant

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"dpcount/internal/engine/ledger"
)

// admissionSlack absorbs float accumulation error at the cap boundary.
const admissionSlack = 1e-9

// Params are the composition knobs shared by every snapshot.
type Params struct {
	Delta         float64   // per-release delta target for RDP conversion
	AdvancedDelta float64   // slack delta' for advanced composition
	Orders        []float64 // Renyi orders tracked
}

// ExhaustedError reports a denied admission with everything the caller needs
// to render the structured budget_exhausted payload.
type ExhaustedError struct {
	Metric     string  `json:"metric"`
	Cap        float64 `json:"cap"`
	Spent      float64 `json:"spent"`
	Remaining  float64 `json:"remaining"`
	ResetMonth string  `json:"reset_month"`
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s budget exhausted: spent %.4f of %.4f, resets %s",
		e.Metric, e.Spent, e.Cap, e.ResetMonth)
}

// MonthKey extracts the YYYY-MM period of a civil day.
func MonthKey(day string) string {
	if len(day) < 7 {
		return day
	}
	return day[:7]
}

// NextMonth returns the period after the given YYYY-MM, when the budget
// naturally resets.
func NextMonth(month string) (string, error) {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return "", errors.Wrapf(err, "month %q", month)
	}
	return t.AddDate(0, 1, 0).Format("2006-01"), nil
}

// Admit checks the naive cap. On denial it returns an ExhaustedError; the
// budget row is never mutated by a denied admission.
func Admit(row ledger.BudgetRow, epsilon, cap float64) error {
	if row.NaiveSpent+epsilon <= cap+admissionSlack {
		return nil
	}
	reset, err := NextMonth(row.Month)
	if err != nil {
		reset = row.Month
	}
	return &ExhaustedError{
		Metric:     row.Metric,
		Cap:        cap,
		Spent:      row.NaiveSpent,
		Remaining:  math.Max(0, cap-row.NaiveSpent),
		ResetMonth: reset,
	}
}

// GaussianRDP is the order-alpha Renyi epsilon of the Gaussian mechanism at
// noise scale sigma and the given sensitivity.
func GaussianRDP(order, sensitivity, sigma float64) float64 {
	return order * sensitivity * sensitivity / (2 * sigma * sigma)
}

// LaplaceRDP conservatively bounds the order-alpha Renyi epsilon of the
// Laplace mechanism by its max divergence, which is the pure epsilon. Exact
// closed forms exist but the bound keeps composition monotone and simple.
func LaplaceRDP(_ /* order */, epsilon float64) float64 {
	return epsilon
}

// RDPCurve maps a Renyi order to the summed epsilon contributions of the
// month's releases. Orders are serialized as their shortest decimal form.
type RDPCurve map[float64]float64

// ParseCurve decodes a budget row's rdp_blob.
func ParseCurve(blob string) (RDPCurve, error) {
	if blob == "" {
		return RDPCurve{}, nil
	}
	var raw map[string]float64
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		return nil, errors.Wrap(err, "decode rdp_blob")
	}
	curve := make(RDPCurve, len(raw))
	for key, v := range raw {
		order, err := strconv.ParseFloat(key, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "rdp_blob order %q", key)
		}
		curve[order] = v
	}
	return curve, nil
}

// Encode serializes the curve back into the rdp_blob column.
func (c RDPCurve) Encode() (string, error) {
	raw := make(map[string]float64, len(c))
	for order, v := range c {
		raw[strconv.FormatFloat(order, 'g', -1, 64)] = v
	}
	out, err := json.Marshal(raw)
	return string(out), errors.Wrap(err, "encode rdp_blob")
}

// Record folds one admitted release into the budget row: naive sum, release
// count, and the per-order RDP contributions.
func Record(row *ledger.BudgetRow, epsilon float64, contributions RDPCurve) error {
	curve, err := ParseCurve(row.RDPBlob)
	if err != nil {
		return err
	}
	for order, v := range contributions {
		if v < 0 {
			return errors.Errorf("negative rdp contribution %v at order %v", v, order)
		}
		curve[order] += v
	}
	blob, err := curve.Encode()
	if err != nil {
		return err
	}
	row.NaiveSpent += epsilon
	row.ReleaseCount++
	row.RDPBlob = blob
	return nil
}

// Contributions builds the per-order RDP epsilons of one release.
func Contributions(mechanism string, orders []float64, epsilon, sensitivity, sigma float64) RDPCurve {
	curve := make(RDPCurve, len(orders))
	for _, order := range orders {
		if mechanism == "gaussian" {
			curve[order] = GaussianRDP(order, sensitivity, sigma)
		} else {
			curve[order] = LaplaceRDP(order, epsilon)
		}
	}
	return curve
}

// RDPBest is the tightest (epsilon, delta) conversion over the tracked orders.
type RDPBest struct {
	Alpha   float64 `json:"alpha"`
	Epsilon float64 `json:"epsilon"`
	Delta   float64 `json:"delta"`
}

// Advanced is the heterogeneous advanced composition bound.
type Advanced struct {
	Epsilon float64 `json:"epsilon"`
	Delta   float64 `json:"delta"`
}

// Snapshot is the side-effect-free budget view rendered by the API and the
// export report.
type Snapshot struct {
	Metric           string             `json:"metric"`
	Period           string             `json:"period"`
	EpsilonCap       float64            `json:"epsilon_cap"`
	EpsilonSpent     float64            `json:"epsilon_spent"`
	EpsilonRemaining float64            `json:"epsilon_remaining"`
	Delta            float64            `json:"delta"`
	ReleaseCount     int                `json:"release_count"`
	RDPOrders        []float64          `json:"rdp_orders"`
	RDPCurve         map[string]float64 `json:"rdp_curve"`
	RDPBest          *RDPBest           `json:"rdp_best,omitempty"`
	Adv              *Advanced          `json:"advanced,omitempty"`
}

// BuildSnapshot assembles the snapshot from the budget row and the month's
// (epsilon, delta) release pairs.
func BuildSnapshot(row ledger.BudgetRow, releases [][2]float64, cap float64, p Params) (Snapshot, error) {
	curve, err := ParseCurve(row.RDPBlob)
	if err != nil {
		return Snapshot{}, err
	}
	for _, order := range p.Orders {
		if _, ok := curve[order]; !ok {
			curve[order] = 0
		}
	}
	snap := Snapshot{
		Metric:           row.Metric,
		Period:           row.Month,
		EpsilonCap:       cap,
		EpsilonSpent:     row.NaiveSpent,
		EpsilonRemaining: math.Max(0, cap-row.NaiveSpent),
		Delta:            p.Delta,
		ReleaseCount:     row.ReleaseCount,
		RDPOrders:        append([]float64(nil), p.Orders...),
		RDPCurve:         make(map[string]float64, len(curve)),
	}
	for order, v := range curve {
		snap.RDPCurve[strconv.FormatFloat(order, 'g', -1, 64)] = v
	}
	snap.RDPBest = bestRDP(curve, p.Delta)
	snap.Adv = advanced(releases, p.AdvancedDelta)
	return snap, nil
}

// bestRDP minimizes eps_rdp(alpha) + ln(1/delta)/(alpha-1) over the curve.
func bestRDP(curve RDPCurve, delta float64) *RDPBest {
	if delta <= 0 || len(curve) == 0 {
		return nil
	}
	logTerm := math.Log(1 / delta)
	var best *RDPBest
	for order, total := range curve {
		if order <= 1 {
			continue
		}
		eps := total + logTerm/(order-1)
		if best == nil || eps < best.Epsilon || (eps == best.Epsilon && order < best.Alpha) {
			best = &RDPBest{Alpha: order, Epsilon: eps, Delta: delta}
		}
	}
	return best
}

// advanced computes sqrt(2 ln(1/delta') sum eps^2) + sum eps(e^eps - 1) with
// delta_total = sum delta + delta'.
func advanced(releases [][2]float64, deltaPrime float64) *Advanced {
	if len(releases) == 0 || deltaPrime <= 0 || deltaPrime >= 1 {
		return nil
	}
	var sumEpsSq, sumExpTerms, sumDelta float64
	for _, pair := range releases {
		eps, delta := pair[0], pair[1]
		sumEpsSq += eps * eps
		sumExpTerms += eps * (math.Exp(eps) - 1)
		sumDelta += delta
	}
	return &Advanced{
		Epsilon: math.Sqrt(2*math.Log(1/deltaPrime)*sumEpsSq) + sumExpTerms,
		Delta:   sumDelta + deltaPrime,
	}
}
