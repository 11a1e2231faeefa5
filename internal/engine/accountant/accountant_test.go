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

package accountant

import (
	"math"
	"testing"

	"dpcount/internal/engine/ledger"
)

var testParams = Params{Delta: 1e-6, AdvancedDelta: 1e-7, Orders: []float64{2, 4, 8, 16, 32}}

// TestAdmitAgainstCap exercises the boundary: exactly reaching the cap is
// admitted, crossing it is not, and denials never mutate the row.
func TestAdmitAgainstCap(t *testing.T) {
	row := ledger.BudgetRow{Metric: "dau", Month: "2025-10", NaiveSpent: 2.7, RDPBlob: "{}"}
	if err := Admit(row, 0.3, 3.0); err != nil {
		t.Fatalf("admission at exact cap should pass: %v", err)
	}
	err := Admit(row, 0.31, 3.0)
	if err == nil {
		t.Fatal("expected exhaustion")
	}
	exhausted, ok := err.(*ExhaustedError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if exhausted.Metric != "dau" || exhausted.Cap != 3.0 || exhausted.ResetMonth != "2025-11" {
		t.Fatalf("payload = %+v", exhausted)
	}
	if got := exhausted.Remaining; math.Abs(got-0.3) > 1e-9 {
		t.Fatalf("remaining = %v, want 0.3", got)
	}
	if row.NaiveSpent != 2.7 {
		t.Fatal("denied admission mutated the row")
	}
}

// TestRecordAccumulates folds releases into the row and keeps caps invariant:
// after any admitted sequence, naive_spent <= cap and release_count matches.
func TestRecordAccumulates(t *testing.T) {
	row := ledger.BudgetRow{Metric: "dau", Month: "2025-10", RDPBlob: "{}"}
	cap := 3.0
	admitted := 0
	for i := 0; i < 12; i++ {
		if err := Admit(row, 0.3, cap); err != nil {
			break
		}
		contrib := Contributions("laplace", testParams.Orders, 0.3, 1, 0)
		if err := Record(&row, 0.3, contrib); err != nil {
			t.Fatal(err)
		}
		admitted++
	}
	if admitted != 10 {
		t.Fatalf("admitted %d releases, want 10", admitted)
	}
	if row.NaiveSpent > cap+1e-9 {
		t.Fatalf("naive_spent %v exceeds cap", row.NaiveSpent)
	}
	if row.ReleaseCount != admitted {
		t.Fatalf("release_count %d, want %d", row.ReleaseCount, admitted)
	}
}

// TestRDPMonotoneComposition verifies every order's epsilon sum is
// non-decreasing across consecutive releases.
func TestRDPMonotoneComposition(t *testing.T) {
	row := ledger.BudgetRow{Metric: "mau", Month: "2025-10", RDPBlob: "{}"}
	sigma := 10.0
	prev := make(map[float64]float64)
	for i := 0; i < 5; i++ {
		contrib := Contributions("gaussian", testParams.Orders, 0.5, 2, sigma)
		if err := Record(&row, 0.5, contrib); err != nil {
			t.Fatal(err)
		}
		curve, err := ParseCurve(row.RDPBlob)
		if err != nil {
			t.Fatal(err)
		}
		for _, order := range testParams.Orders {
			if curve[order] < prev[order] {
				t.Fatalf("order %v decreased: %v -> %v", order, prev[order], curve[order])
			}
			prev[order] = curve[order]
		}
	}
}

// TestGaussianRDPFormula pins the closed form alpha*S^2/(2 sigma^2).
func TestGaussianRDPFormula(t *testing.T) {
	got := GaussianRDP(8, 2, 10)
	want := 8.0 * 4.0 / 200.0
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("GaussianRDP = %v, want %v", got, want)
	}
	if LaplaceRDP(8, 0.3) != 0.3 {
		t.Fatal("LaplaceRDP should return the pure epsilon")
	}
}

// TestBuildSnapshot exercises the naive, best-RDP, and advanced bounds.
func TestBuildSnapshot(t *testing.T) {
	row := ledger.BudgetRow{Metric: "mau", Month: "2025-10", RDPBlob: "{}"}
	sigma := 10.0
	var releases [][2]float64
	for i := 0; i < 3; i++ {
		contrib := Contributions("gaussian", testParams.Orders, 0.5, 2, sigma)
		if err := Record(&row, 0.5, contrib); err != nil {
			t.Fatal(err)
		}
		releases = append(releases, [2]float64{0.5, 1e-6})
	}
	snap, err := BuildSnapshot(row, releases, 3.5, testParams)
	if err != nil {
		t.Fatal(err)
	}
	if snap.EpsilonSpent != 1.5 || math.Abs(snap.EpsilonRemaining-2.0) > 1e-9 {
		t.Fatalf("spent/remaining = %v/%v", snap.EpsilonSpent, snap.EpsilonRemaining)
	}
	if snap.ReleaseCount != 3 {
		t.Fatalf("release_count = %d", snap.ReleaseCount)
	}
	if snap.RDPBest == nil {
		t.Fatal("missing rdp_best")
	}
	// Verify the minimization by recomputing every candidate.
	curve, _ := ParseCurve(row.RDPBlob)
	logTerm := math.Log(1 / testParams.Delta)
	for order, total := range curve {
		candidate := total + logTerm/(order-1)
		if candidate < snap.RDPBest.Epsilon-1e-12 {
			t.Fatalf("order %v gives tighter epsilon %v than reported %v", order, candidate, snap.RDPBest.Epsilon)
		}
	}
	if snap.Adv == nil {
		t.Fatal("missing advanced bound")
	}
	wantAdv := math.Sqrt(2*math.Log(1/testParams.AdvancedDelta)*3*0.25) + 3*0.5*(math.Exp(0.5)-1)
	if math.Abs(snap.Adv.Epsilon-wantAdv) > 1e-9 {
		t.Fatalf("advanced epsilon = %v, want %v", snap.Adv.Epsilon, wantAdv)
	}
	if math.Abs(snap.Adv.Delta-(3e-6+1e-7)) > 1e-18 {
		t.Fatalf("advanced delta = %v", snap.Adv.Delta)
	}
}

// TestSnapshotEmptyMonth renders a zero snapshot without optional bounds.
func TestSnapshotEmptyMonth(t *testing.T) {
	row := ledger.BudgetRow{Metric: "dau", Month: "2025-10", RDPBlob: "{}"}
	snap, err := BuildSnapshot(row, nil, 3.0, testParams)
	if err != nil {
		t.Fatal(err)
	}
	if snap.EpsilonSpent != 0 || snap.EpsilonRemaining != 3.0 {
		t.Fatalf("spent/remaining = %v/%v", snap.EpsilonSpent, snap.EpsilonRemaining)
	}
	if snap.Adv != nil {
		t.Fatal("advanced bound should be absent with no releases")
	}
	if len(snap.RDPCurve) != len(testParams.Orders) {
		t.Fatalf("curve should carry every order: %v", snap.RDPCurve)
	}
}

// TestCurveRoundTrip covers rdp_blob encode/decode.
func TestCurveRoundTrip(t *testing.T) {
	in := RDPCurve{2: 0.5, 16: 1.25}
	blob, err := in.Encode()
	if err != nil {
		t.Fatal(err)
	}
	out, err := ParseCurve(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[2] != 0.5 || out[16] != 1.25 {
		t.Fatalf("round trip = %v", out)
	}
	if _, err := ParseCurve("{broken"); err == nil {
		t.Fatal("expected error for malformed blob")
	}
}

// TestMonthHelpers covers period extraction and reset month arithmetic.
func TestMonthHelpers(t *testing.T) {
	if MonthKey("2025-10-05") != "2025-10" {
		t.Fatal("MonthKey")
	}
	next, err := NextMonth("2025-12")
	if err != nil || next != "2026-01" {
		t.Fatalf("NextMonth = %q, %v", next, err)
	}
	if _, err := NextMonth("late 2025"); err == nil {
		t.Fatal("expected error")
	}
}
