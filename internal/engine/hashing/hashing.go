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

// Package hashing pseudonymizes user identifiers. A user ID never reaches the
// ledger or a sketch: it is replaced by an HMAC-SHA256 digest keyed by the
// salt epoch covering the event's day. Keys are stable for every day one
// epoch covers (so a user active across a window counts once in MAU) and
// unlinkable across epochs.
package hashing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// DayFormat is the civil-day layout used across the engine.
const DayFormat = "2006-01-02"

// Epoch is one row of the salt_epochs table: a secret that governs key
// derivation for all days in [EffectiveDate, next epoch's EffectiveDate).
type Epoch struct {
	ID            int64
	Secret        []byte
	EffectiveDate string // YYYY-MM-DD
	RotationDays  int
}

// UserKey is the pseudonymous identity stored in the ledger.
type UserKey [sha256.Size]byte

// Hex renders the key for storage.
func (k UserKey) Hex() string { return hex.EncodeToString(k[:]) }

// SketchHash derives the 64-bit uniform hash sketches consume: the first
// eight digest bytes, big-endian.
func (k UserKey) SketchHash() uint64 { return binary.BigEndian.Uint64(k[:8]) }

// ParseUserKey decodes a stored hex key.
func ParseUserKey(s string) (UserKey, error) {
	var k UserKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, errors.Wrap(err, "user key hex")
	}
	if len(raw) != len(k) {
		return k, errors.Errorf("user key length %d, want %d", len(raw), len(k))
	}
	copy(k[:], raw)
	return k, nil
}

// Deriver resolves days to salt epochs and derives pseudonymous keys.
// Epochs are read-mostly: the pipeline replaces the set after a rotation.
type Deriver struct {
	baseSecret []byte
	epochs     []Epoch // ascending by effective date
	loc        *time.Location
}

// NewDeriver sorts and validates the epoch set. baseSecret keys the root
// identity used to index erasures across epochs; at least one epoch must be
// present and every rotation cadence must be positive.
func NewDeriver(baseSecret []byte, epochs []Epoch, loc *time.Location) (*Deriver, error) {
	if len(baseSecret) == 0 {
		return nil, errors.New("empty base secret")
	}
	if len(epochs) == 0 {
		return nil, errors.New("no salt epochs configured")
	}
	sorted := append([]Epoch(nil), epochs...)
	for _, e := range sorted {
		if len(e.Secret) == 0 {
			return nil, errors.Errorf("epoch %d has an empty secret", e.ID)
		}
		if e.RotationDays <= 0 {
			return nil, errors.Errorf("epoch %d has rotation_days %d", e.ID, e.RotationDays)
		}
		if _, err := time.ParseInLocation(DayFormat, e.EffectiveDate, loc); err != nil {
			return nil, errors.Wrapf(err, "epoch %d effective_date", e.ID)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EffectiveDate < sorted[j].EffectiveDate })
	return &Deriver{baseSecret: baseSecret, epochs: sorted, loc: loc}, nil
}

// RootKey derives the epoch-independent identity HMAC-SHA256(base secret,
// userID). It never reaches a sketch; the ledger uses it to find every
// activity day of a user when an erasure arrives, including days whose
// epoch-scoped keys are mutually unlinkable.
func (d *Deriver) RootKey(userID string) UserKey {
	var key UserKey
	mac := hmac.New(sha256.New, d.baseSecret)
	mac.Write([]byte(userID))
	copy(key[:], mac.Sum(nil))
	return key
}

// EpochFor returns the epoch covering day and the label that scopes key
// derivation. The label is the epoch row alone: keys must stay stable for
// every day an epoch covers, however long it lives, so that a window never
// counts one user under two keys. Rotation happens only when the pipeline
// appends a new epoch row, which is conflict-checked against recorded
// activity.
func (d *Deriver) EpochFor(day string) (Epoch, string, error) {
	if _, err := time.ParseInLocation(DayFormat, day, d.loc); err != nil {
		return Epoch{}, "", errors.Wrapf(err, "day %q", day)
	}
	idx := -1
	for i, e := range d.epochs {
		if e.EffectiveDate <= day {
			idx = i
		}
	}
	if idx < 0 {
		return Epoch{}, "", errors.Errorf("no salt epoch covers day %s (earliest effective %s)",
			day, d.epochs[0].EffectiveDate)
	}
	e := d.epochs[idx]
	return e, fmt.Sprintf("%d", e.ID), nil
}

// DeriveKey computes HMAC-SHA256(epoch secret, label || 0x00 || userID). The
// day never enters the MAC directly; only the epoch label does, which is what
// keeps a user's key stable across the days of one epoch.
func (d *Deriver) DeriveKey(userID, day string) (UserKey, error) {
	var key UserKey
	e, label, err := d.EpochFor(day)
	if err != nil {
		return key, err
	}
	mac := hmac.New(sha256.New, e.Secret)
	mac.Write([]byte(label))
	mac.Write([]byte{0})
	mac.Write([]byte(userID))
	copy(key[:], mac.Sum(nil))
	return key, nil
}

// NewestEffective reports the most recent epoch effective date, used by the
// rotation conflict check.
func (d *Deriver) NewestEffective() string {
	return d.epochs[len(d.epochs)-1].EffectiveDate
}
