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

// Package window owns the day -> sketch mapping behind DAU and MAU queries.
// Resident sketches live in an LRU; evicted days are rehydrated from the
// ledger's blob cache or, when that cannot be trusted, rebuilt from the
// activity log. Dirty tracking separates removal-only damage (repaired by the
// sketch Diff fast path) from damage that needs a full replay.
package window

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	dpcount "dpcount"
	"dpcount/internal/engine/events"
	"dpcount/internal/engine/hashing"
	"dpcount/internal/engine/ledger"
)

// DefaultCacheDays is the resident sketch budget: three MAU windows.
const DefaultCacheDays = 90

// TxView is the slice of a ledger transaction the store needs. All store
// methods that touch persistence run inside the caller's transaction.
type TxView interface {
	DayActivity(day string) ([]ledger.OpKey, error)
	GetSketchBlob(day, impl string) ([]byte, bool, error)
	PutSketchBlob(day, impl string, blob []byte) error
	DeleteSketchBlobs(day string) error
}

type dirtyMark struct {
	removed []uint64
	full    bool
}

// Store maps days to sketches and tracks which days need repair.
type Store struct {
	factory *dpcount.Factory
	cache   *lru.Cache
	dirty   map[string]*dirtyMark
	// pending days hold in-memory mutations not yet flushed to the blob
	// cache; evicting one silently would leave a stale blob behind.
	pending map[string]struct{}
	log     *logrus.Entry
}

// New builds a store around the configured sketch factory.
func New(factory *dpcount.Factory, cacheDays int, log *logrus.Entry) (*Store, error) {
	if cacheDays <= 0 {
		cacheDays = DefaultCacheDays
	}
	s := &Store{
		factory: factory,
		dirty:   make(map[string]*dirtyMark),
		pending: make(map[string]struct{}),
		log:     log,
	}
	cache, err := lru.NewWithEvict(cacheDays, s.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "sketch cache")
	}
	s.cache = cache
	return s, nil
}

// onEvict fires when the LRU drops a day. If that day still had unflushed
// mutations its blob is stale, so the day is downgraded to full-replay dirty.
func (s *Store) onEvict(key, _ interface{}) {
	day, ok := key.(string)
	if !ok {
		return
	}
	if _, unflushed := s.pending[day]; unflushed {
		delete(s.pending, day)
		s.markFull(day)
		if s.log != nil {
			s.log.WithField("day", day).Warn("evicted sketch with unflushed mutations, scheduling replay")
		}
	}
}

func (s *Store) markFull(day string) {
	mark := s.dirty[day]
	if mark == nil {
		mark = &dirtyMark{}
		s.dirty[day] = mark
	}
	mark.full = true
	mark.removed = nil
}

// Touch records one active key for a day, creating or rehydrating the day
// sketch as needed. A dirty day is repaired first: adding to a fresh sketch
// while the log already holds keys for the day would flush a partial blob.
func (s *Store) Touch(tx TxView, day string, key uint64) error {
	sk, err := s.ensure(tx, day)
	if err != nil {
		return err
	}
	sk.Add(key)
	s.pending[day] = struct{}{}
	return nil
}

// Delete schedules removal of a key from a day's sketch. The repair happens
// at the next Rebuild; until then the day is dirty.
func (s *Store) Delete(day string, key uint64) {
	mark := s.dirty[day]
	if mark == nil {
		mark = &dirtyMark{}
		s.dirty[day] = mark
	}
	if !mark.full {
		mark.removed = append(mark.removed, key)
	}
}

// MarkDirtyFull forces the next rebuild of a day to replay the activity log.
// Erasure replay after a restart uses this: the removed keys are no longer
// derivable, only the log knows them.
func (s *Store) MarkDirtyFull(day string) {
	s.markFull(day)
}

// Dirty reports whether a day awaits repair.
func (s *Store) Dirty(day string) bool {
	_, ok := s.dirty[day]
	return ok
}

// Rebuild repairs a dirty day. A removal-only mark against a resident sketch
// takes the Diff fast path; anything else replays the day's activity rows,
// which also covers backends without native deletion.
func (s *Store) Rebuild(tx TxView, day string) error {
	mark, ok := s.dirty[day]
	if !ok {
		return nil
	}
	if !mark.full && len(mark.removed) > 0 {
		if sk, err := s.resident(tx, day); err != nil {
			return err
		} else if sk != nil {
			repaired, err := sk.Diff(mark.removed)
			if err == nil {
				s.cache.Add(day, repaired)
				s.pending[day] = struct{}{}
				delete(s.dirty, day)
				return nil
			}
			if err != dpcount.ErrDiffUnsupported {
				return errors.Wrapf(err, "diff rebuild %s", day)
			}
			// Fall through to replay.
		}
	}
	return s.replay(tx, day)
}

// replay reconstructs a day sketch from the authoritative activity log:
// inserts add the key, tombstones retract it.
func (s *Store) replay(tx TxView, day string) error {
	rows, err := tx.DayActivity(day)
	if err != nil {
		return err
	}
	active := make(map[string]struct{})
	for _, row := range rows {
		switch row.Op {
		case events.OpAdd:
			active[row.UserKey] = struct{}{}
		case events.OpDelete:
			delete(active, row.UserKey)
		}
	}
	sk := s.factory.New()
	for hexKey := range active {
		key, err := hashing.ParseUserKey(hexKey)
		if err != nil {
			return errors.Wrapf(err, "replay %s", day)
		}
		sk.Add(key.SketchHash())
	}
	// The replayed sketch is authoritative; cached blobs for this day,
	// including ones left by a different backend, are stale now.
	if err := tx.DeleteSketchBlobs(day); err != nil {
		return err
	}
	s.cache.Add(day, sk)
	s.pending[day] = struct{}{}
	delete(s.dirty, day)
	return nil
}

// resident returns the day's sketch from the LRU or the blob cache, or nil
// when neither has it. A full-dirty day never trusts the blob.
func (s *Store) resident(tx TxView, day string) (dpcount.Sketch, error) {
	if v, ok := s.cache.Get(day); ok {
		return v.(dpcount.Sketch), nil
	}
	if mark, dirty := s.dirty[day]; dirty && mark.full {
		return nil, nil
	}
	blob, ok, err := tx.GetSketchBlob(day, s.factory.Impl())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	sk, err := s.factory.Unmarshal(blob)
	if err != nil {
		return nil, errors.Wrapf(err, "rehydrate %s", day)
	}
	s.cache.Add(day, sk)
	return sk, nil
}

// ensure returns a clean, resident sketch for the day, rebuilding if dirty
// and replaying if nothing cached survives. Days with no activity yield an
// empty sketch without persisting anything.
func (s *Store) ensure(tx TxView, day string) (dpcount.Sketch, error) {
	if _, dirty := s.dirty[day]; dirty {
		if err := s.Rebuild(tx, day); err != nil {
			return nil, err
		}
	}
	sk, err := s.resident(tx, day)
	if err != nil {
		return nil, err
	}
	if sk == nil {
		if err := s.replay(tx, day); err != nil {
			return nil, err
		}
		if v, ok := s.cache.Get(day); ok {
			return v.(dpcount.Sketch), nil
		}
		return nil, errors.Errorf("sketch for %s missing after replay", day)
	}
	return sk, nil
}

// DAU rebuilds the day if needed and returns the pre-noise distinct count.
func (s *Store) DAU(tx TxView, day string) (float64, error) {
	sk, err := s.ensure(tx, day)
	if err != nil {
		return 0, err
	}
	return sk.Cardinality(), nil
}

// RollingUnion repairs every dirty day in [end-windowDays+1, end] and unions
// the day sketches into a fresh copy. After it returns, every day in range is
// clean and the result shares no state with the store.
func (s *Store) RollingUnion(tx TxView, end string, windowDays int) (dpcount.Sketch, error) {
	endT, err := time.Parse(events.DayFormat, end)
	if err != nil {
		return nil, errors.Wrapf(err, "window end %q", end)
	}
	if windowDays <= 0 {
		return nil, errors.Errorf("window must be positive, got %d", windowDays)
	}
	union := s.factory.New()
	for offset := windowDays - 1; offset >= 0; offset-- {
		day := endT.AddDate(0, 0, -offset).Format(events.DayFormat)
		sk, err := s.ensure(tx, day)
		if err != nil {
			return nil, err
		}
		union, err = union.Union(sk)
		if err != nil {
			return nil, errors.Wrapf(err, "union %s", day)
		}
	}
	return union, nil
}

// Flush serializes every mutated day sketch into the ledger's blob cache.
// The pipeline calls it right before committing its transaction.
func (s *Store) Flush(tx TxView) error {
	// Full-dirty marks live only in memory. A day still carrying one at
	// commit time has a blob the next process must not trust, so drop the
	// blob and let the log rebuild it.
	for day, mark := range s.dirty {
		if mark.full {
			if err := tx.DeleteSketchBlobs(day); err != nil {
				return err
			}
		}
	}
	for day := range s.pending {
		v, ok := s.cache.Get(day)
		if !ok {
			// Evicted since mutation; onEvict already marked it dirty.
			delete(s.pending, day)
			continue
		}
		blob, err := v.(dpcount.Sketch).MarshalBinary()
		if err != nil {
			return errors.Wrapf(err, "marshal %s", day)
		}
		if err := tx.PutSketchBlob(day, s.factory.Impl(), blob); err != nil {
			return err
		}
		delete(s.pending, day)
	}
	return nil
}

// Discard drops in-memory state for mutations that did not commit: pending
// days are downgraded to full-replay dirty so the next access replays the
// log instead of trusting a sketch that is ahead of the ledger.
func (s *Store) Discard() {
	for day := range s.pending {
		delete(s.pending, day)
		s.cache.Remove(day)
		s.markFull(day)
	}
}
