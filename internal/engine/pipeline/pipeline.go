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

// Package pipeline orchestrates the engine: it owns the window store, the
// ledger, and the accountant state, and serializes every mutating operation
// behind one exclusive lock. Each top-level operation commits atomically or
// leaves no trace.
package pipeline

import (
	"context"
	"crypto/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	dpcount "dpcount"
	"dpcount/internal/engine/accountant"
	"dpcount/internal/engine/config"
	"dpcount/internal/engine/dp"
	"dpcount/internal/engine/events"
	"dpcount/internal/engine/hashing"
	"dpcount/internal/engine/ledger"
	"dpcount/internal/engine/window"
)

// Metric names as persisted and exposed.
const (
	MetricDAU = "dau"
	MetricMAU = "mau"
)

// bootstrapEffectiveDate covers all history with the configured secret when
// the salt_epochs table is empty on first start.
const bootstrapEffectiveDate = "1970-01-01"

// Release is the result of a published count.
type Release struct {
	Metric          string               `json:"-"`
	Day             string               `json:"day"`
	WindowDays      int                  `json:"window_days,omitempty"`
	Estimate        int64                `json:"estimate"`
	Raw             float64              `json:"raw"`
	Lower95         float64              `json:"lower_95"`
	Upper95         float64              `json:"upper_95"`
	EpsilonUsed     float64              `json:"epsilon_used"`
	Delta           float64              `json:"delta"`
	Mechanism       string               `json:"mechanism"`
	SketchImpl      string               `json:"sketch_impl"`
	BloomDiff       bool                 `json:"bloom_diff"`
	BudgetRemaining float64              `json:"budget_remaining"`
	Budget          accountant.Snapshot  `json:"budget"`
	Version         string               `json:"version"`
}

// Pipeline is the process-wide engine root.
type Pipeline struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	store   *window.Store
	factory *dpcount.Factory

	mu      sync.RWMutex
	deriver *hashing.Deriver

	log *logrus.Entry
	now func() time.Time
}

// New wires the engine together and bootstraps the salt epoch table when it
// is empty.
func New(cfg *config.Config, l *ledger.Ledger, log *logrus.Entry) (*Pipeline, error) {
	factory, err := dpcount.NewFactory(cfg.Sketch.Impl, dpcount.Config{
		K:               cfg.Sketch.K,
		UseBloomForDiff: cfg.Sketch.UseBloomForDiff,
		BloomFPRate:     cfg.Sketch.BloomFPRate,
	})
	if err != nil {
		return nil, err
	}
	store, err := window.New(factory, 3*cfg.Sketch.MAUWindowDays, log)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:     cfg,
		ledger:  l,
		store:   store,
		factory: factory,
		log:     log,
		now:     time.Now,
	}
	if err := p.bootstrapEpochs(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) bootstrapEpochs(ctx context.Context) error {
	rows, err := p.ledger.ListEpochs(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		tx, err := p.ledger.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.AppendEpoch(p.cfg.Security.SaltSecret, bootstrapEffectiveDate, p.cfg.Security.SaltRotationDays); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if rows, err = p.ledger.ListEpochs(ctx); err != nil {
			return err
		}
		p.log.WithField("rotation_days", p.cfg.Security.SaltRotationDays).Info("bootstrapped salt epoch")
	}
	return p.reloadDeriver(rows)
}

func (p *Pipeline) reloadDeriver(rows []ledger.EpochRow) error {
	epochs := make([]hashing.Epoch, len(rows))
	for i, r := range rows {
		epochs[i] = hashing.Epoch{
			ID:            r.ID,
			Secret:        r.Secret,
			EffectiveDate: r.EffectiveDate,
			RotationDays:  r.RotationDays,
		}
	}
	d, err := hashing.NewDeriver(p.cfg.Security.SaltSecret, epochs, p.cfg.Timezone)
	if err != nil {
		return err
	}
	p.deriver = d
	return nil
}

// today is the current civil day in the configured timezone.
func (p *Pipeline) today() string {
	return p.now().In(p.cfg.Timezone).Format(hashing.DayFormat)
}

// IngestBatch commits a batch of turnstile events atomically. Any invalid
// event rejects the whole batch before anything is written; a future day is
// invalid. Returns the number of accepted events.
func (p *Pipeline) IngestBatch(ctx context.Context, batch []events.Event) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	today := p.today()
	for i, evt := range batch {
		if err := evt.Validate(); err != nil {
			return 0, validationf("event %d: %v", i, err)
		}
		if evt.Day > today {
			return 0, validationf("event %d: day %s is in the future", i, evt.Day)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.withTx(ctx, func(tx *ledger.Tx) error {
		now := p.now()
		for _, evt := range batch {
			if err := p.applyEvent(tx, evt, now); err != nil {
				return err
			}
		}
		return p.store.Flush(tx)
	})
	if err != nil {
		return 0, err
	}
	return len(batch), nil
}

// applyEvent handles one event inside the batch transaction. An insert adds
// an audit row and touches the day sketch. A delete records the erasure
// request, writes a tombstone for the event day and every prior day with a
// surviving insert, and schedules the per-day sketch removals.
func (p *Pipeline) applyEvent(tx *ledger.Tx, evt events.Event, now time.Time) error {
	key, err := p.deriver.DeriveKey(evt.UserID, evt.Day)
	if err != nil {
		return validationf("derive key for %s: %v", evt.Day, err)
	}
	root := p.deriver.RootKey(evt.UserID).Hex()

	if evt.Op == events.OpAdd {
		if err := tx.AppendActivity([]ledger.ActivityRow{{
			UserKey: key.Hex(), UserRoot: root, Day: evt.Day, Op: events.OpAdd, TS: now,
		}}); err != nil {
			return err
		}
		return p.store.Touch(tx, evt.Day, key.SketchHash())
	}

	// Erasure: find the user's surviving activity days before writing the
	// tombstones, then retract every one of them plus the event day.
	priorDays, err := tx.DaysForRoot(root)
	if err != nil {
		return err
	}
	days := append([]string(nil), priorDays...)
	if !containsDay(days, evt.Day) {
		days = append(days, evt.Day)
	}
	rows := make([]ledger.ActivityRow, 0, len(days))
	removals := make(map[string]uint64, len(days))
	for _, day := range days {
		dayKey, err := p.deriver.DeriveKey(evt.UserID, day)
		if err != nil {
			return validationf("derive key for %s: %v", day, err)
		}
		rows = append(rows, ledger.ActivityRow{
			UserKey: dayKey.Hex(), UserRoot: root, Day: day, Op: events.OpDelete, TS: now,
		})
		removals[day] = dayKey.SketchHash()
	}
	if err := tx.AppendActivity(rows); err != nil {
		return err
	}
	if _, err := tx.InsertErasure(root, evt.Day, now); err != nil {
		return err
	}
	for day, hash := range removals {
		p.store.Delete(day, hash)
	}
	return nil
}

// ReplayDeletions rebuilds every day damaged by pending erasures and flips
// them to done. Idempotent; safe to call at any time.
func (p *Pipeline) ReplayDeletions(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.withTx(ctx, func(tx *ledger.Tx) error {
		if err := p.replayDeletionsLocked(tx); err != nil {
			return err
		}
		return p.store.Flush(tx)
	})
}

// replayDeletionsLocked runs inside the caller's transaction and lock.
func (p *Pipeline) replayDeletionsLocked(tx *ledger.Tx) error {
	pending, err := tx.PendingErasures()
	if err != nil {
		return err
	}
	now := p.now()
	for _, req := range pending {
		days, err := tx.AllDaysForRoot(req.UserRoot)
		if err != nil {
			return err
		}
		for _, day := range days {
			if !p.store.Dirty(day) {
				p.store.MarkDirtyFull(day)
			}
			if err := p.store.Rebuild(tx, day); err != nil {
				return errors.Wrapf(err, "rebuild %s for erasure %d", day, req.ID)
			}
		}
		if err := tx.MarkErasureDone(req.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseDAU publishes the noisy distinct-user count for one day.
func (p *Pipeline) ReleaseDAU(ctx context.Context, day string) (Release, error) {
	if _, err := time.ParseInLocation(hashing.DayFormat, day, p.cfg.Timezone); err != nil {
		return Release{}, validationf("day %q: %v", day, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseWithRetry(ctx, MetricDAU, day, 0)
}

// ReleaseMAU publishes the noisy distinct-user count over the rolling window
// ending at end. A zero windowDays uses the configured width.
func (p *Pipeline) ReleaseMAU(ctx context.Context, end string, windowDays int) (Release, error) {
	if _, err := time.ParseInLocation(hashing.DayFormat, end, p.cfg.Timezone); err != nil {
		return Release{}, validationf("end %q: %v", end, err)
	}
	if windowDays == 0 {
		windowDays = p.cfg.Sketch.MAUWindowDays
	}
	if windowDays < 1 {
		return Release{}, validationf("window must be positive, got %d", windowDays)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseWithRetry(ctx, MetricMAU, end, windowDays)
}

// releaseWithRetry retries transient failures once; budget denials and
// validation failures surface immediately.
func (p *Pipeline) releaseWithRetry(ctx context.Context, metric, day string, windowDays int) (Release, error) {
	rel, err := p.release(ctx, metric, day, windowDays)
	if err == nil || !isTransient(err) {
		return rel, err
	}
	p.log.WithError(err).WithFields(logrus.Fields{
		"metric": metric, "day": day,
	}).Warn("transient release failure, retrying once")
	return p.release(ctx, metric, day, windowDays)
}

func isTransient(err error) bool {
	var vErr *ValidationError
	var cErr *ConflictError
	var bErr *accountant.ExhaustedError
	return !errors.As(err, &vErr) && !errors.As(err, &cErr) && !errors.As(err, &bErr)
}

func (p *Pipeline) release(ctx context.Context, metric, day string, windowDays int) (Release, error) {
	var out Release
	err := p.withTx(ctx, func(tx *ledger.Tx) error {
		if err := p.replayDeletionsLocked(tx); err != nil {
			return err
		}

		var raw float64
		if metric == MetricDAU {
			var err error
			if raw, err = p.store.DAU(tx, day); err != nil {
				return err
			}
		} else {
			union, err := p.store.RollingUnion(tx, day, windowDays)
			if err != nil {
				return err
			}
			raw = union.Cardinality()
		}

		epsilon, delta, cap, sensitivity := p.releaseParams(metric)
		month := accountant.MonthKey(day)
		row, err := tx.GetBudget(metric, month)
		if err != nil {
			return err
		}
		if err := accountant.Admit(row, epsilon, cap); err != nil {
			return err
		}

		seed, err := p.releaseSeed(metric, day)
		if err != nil {
			return err
		}
		var result dp.Result
		var sigma float64
		if delta > 0 {
			sigma = dp.Sigma(sensitivity, epsilon, delta)
			result, err = dp.Gaussian(raw, sensitivity, epsilon, delta, seed)
		} else {
			result, err = dp.Laplace(raw, sensitivity, epsilon, seed)
		}
		if err != nil {
			return err
		}

		contrib := accountant.Contributions(result.Mechanism, p.cfg.DP.RDPOrders, epsilon, sensitivity, sigma)
		if err := accountant.Record(&row, epsilon, contrib); err != nil {
			return err
		}
		if err := tx.UpsertBudget(row); err != nil {
			return err
		}
		if err := tx.InsertRelease(ledger.ReleaseRow{
			Metric: metric, Day: day, Month: month,
			Epsilon: epsilon, Delta: delta, Mechanism: result.Mechanism,
			Raw: raw, Estimate: result.Noisy, CILow: result.CILow, CIHigh: result.CIHigh,
			Seed: seed, TS: p.now(),
		}); err != nil {
			return err
		}

		pairs, err := tx.MonthReleases(metric, month)
		if err != nil {
			return err
		}
		snap, err := accountant.BuildSnapshot(row, pairs, cap, p.accountantParams())
		if err != nil {
			return err
		}
		if err := p.store.Flush(tx); err != nil {
			return err
		}

		out = Release{
			Metric:          metric,
			Day:             day,
			WindowDays:      windowDays,
			Estimate:        result.Noisy,
			Raw:             raw,
			Lower95:         result.CILow,
			Upper95:         result.CIHigh,
			EpsilonUsed:     epsilon,
			Delta:           delta,
			Mechanism:       result.Mechanism,
			SketchImpl:      p.factory.Impl(),
			BloomDiff:       p.cfg.Sketch.UseBloomForDiff && p.factory.Impl() != dpcount.ImplSet,
			BudgetRemaining: snap.EpsilonRemaining,
			Budget:          snap,
			Version:         p.cfg.Version,
		}
		return nil
	})
	if err != nil {
		return Release{}, err
	}
	p.log.WithFields(logrus.Fields{
		"metric":    metric,
		"day":       day,
		"estimate":  out.Estimate,
		"mechanism": out.Mechanism,
	}).Info("published release")
	return out, nil
}

// releaseParams returns (epsilon, delta, cap, sensitivity) per metric. DAU is
// a single-day horizon, so one user flips the count at most once regardless
// of the window flippancy bound.
func (p *Pipeline) releaseParams(metric string) (float64, float64, float64, float64) {
	if metric == MetricDAU {
		sensitivity := float64(p.cfg.DP.WBound)
		if sensitivity > 1 {
			sensitivity = 1
		}
		return p.cfg.DP.EpsilonDAU, 0, p.cfg.DP.DAUBudgetTotal, sensitivity
	}
	return p.cfg.DP.EpsilonMAU, p.cfg.DP.Delta, p.cfg.DP.MAUBudgetTotal, float64(p.cfg.DP.WBound)
}

func (p *Pipeline) releaseSeed(metric, day string) (int64, error) {
	if p.cfg.DP.SeedSet {
		return dp.SeedFor(metric, day, p.cfg.DP.Seed), nil
	}
	return dp.RandomSeed()
}

func (p *Pipeline) accountantParams() accountant.Params {
	return accountant.Params{
		Delta:         p.cfg.DP.Delta,
		AdvancedDelta: p.cfg.DP.AdvancedDelta,
		Orders:        p.cfg.DP.RDPOrders,
	}
}

// BudgetSnapshot is the side-effect-free budget view, served under a shared
// lock.
func (p *Pipeline) BudgetSnapshot(ctx context.Context, metric, day string) (accountant.Snapshot, error) {
	metric = strings.ToLower(metric)
	if metric != MetricDAU && metric != MetricMAU {
		return accountant.Snapshot{}, validationf("unknown metric %q", metric)
	}
	if _, err := time.ParseInLocation(hashing.DayFormat, day, p.cfg.Timezone); err != nil {
		return accountant.Snapshot{}, validationf("day %q: %v", day, err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	month := accountant.MonthKey(day)
	row, err := p.ledger.GetBudgetRead(ctx, metric, month)
	if err != nil {
		return accountant.Snapshot{}, err
	}
	pairs, err := p.ledger.MonthReleasesRead(ctx, metric, month)
	if err != nil {
		return accountant.Snapshot{}, err
	}
	cap := p.cfg.DP.DAUBudgetTotal
	if metric == MetricMAU {
		cap = p.cfg.DP.MAUBudgetTotal
	}
	return accountant.BuildSnapshot(row, pairs, cap, p.accountantParams())
}

// ResetBudget zeroes a month's accountant state. Idempotent, operator-only.
func (p *Pipeline) ResetBudget(ctx context.Context, metric, month string) error {
	metric = strings.ToLower(metric)
	if metric != MetricDAU && metric != MetricMAU {
		return validationf("unknown metric %q", metric)
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		return validationf("month %q: %v", month, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.withTx(ctx, func(tx *ledger.Tx) error {
		return tx.ResetBudget(metric, month)
	}); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"metric": metric, "month": month}).Warn("budget reset by operator")
	return nil
}

// RotateSalt appends a new salt epoch taking effect at effectiveDate. The
// rotation is rejected with a ConflictError when an MAU window containing
// existing activity would straddle the boundary: the new epoch must start at
// least a full window after the newest recorded day.
func (p *Pipeline) RotateSalt(ctx context.Context, effectiveDate string, rotationDays int) (ledger.EpochRow, error) {
	effective, err := time.ParseInLocation(hashing.DayFormat, effectiveDate, p.cfg.Timezone)
	if err != nil {
		return ledger.EpochRow{}, validationf("effective date %q: %v", effectiveDate, err)
	}
	if rotationDays == 0 {
		rotationDays = p.cfg.Security.SaltRotationDays
	}
	if rotationDays < p.cfg.Sketch.MAUWindowDays {
		return ledger.EpochRow{}, validationf(
			"rotation_days %d below the %d-day MAU window", rotationDays, p.cfg.Sketch.MAUWindowDays)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return ledger.EpochRow{}, errors.Wrap(err, "generate epoch secret")
	}

	var row ledger.EpochRow
	err = p.withTx(ctx, func(tx *ledger.Tx) error {
		newest, ok, err := tx.NewestActivityDay()
		if err != nil {
			return err
		}
		if ok {
			newestT, err := time.ParseInLocation(hashing.DayFormat, newest, p.cfg.Timezone)
			if err != nil {
				return errors.Wrapf(err, "stored day %q", newest)
			}
			earliest := newestT.AddDate(0, 0, p.cfg.Sketch.MAUWindowDays)
			if effective.Before(earliest) {
				return &ConflictError{Reason: errors.Errorf(
					"effective date %s falls inside a window with recorded activity (newest %s); earliest safe date is %s",
					effectiveDate, newest, earliest.Format(hashing.DayFormat)).Error()}
			}
		}
		id, err := tx.AppendEpoch(secret, effectiveDate, rotationDays)
		if err != nil {
			return err
		}
		row = ledger.EpochRow{ID: id, Secret: secret, EffectiveDate: effectiveDate, RotationDays: rotationDays}
		return nil
	})
	if err != nil {
		return ledger.EpochRow{}, err
	}

	rows, err := p.ledger.ListEpochs(ctx)
	if err != nil {
		return ledger.EpochRow{}, err
	}
	if err := p.reloadDeriver(rows); err != nil {
		return ledger.EpochRow{}, err
	}
	p.log.WithFields(logrus.Fields{
		"effective_date": effectiveDate,
		"rotation_days":  rotationDays,
	}).Info("appended salt epoch")
	return row, nil
}

// Backup writes a consistent ledger copy under DATA_DIR/backups.
func (p *Pipeline) Backup(ctx context.Context, destPath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ledger.Backup(ctx, destPath)
}

// IngestFiles parses the given event files concurrently and commits all of
// them as one batch. Parsing is the CPU-bound half of bulk loads; the write
// itself stays serialized behind the pipeline lock.
func (p *Pipeline) IngestFiles(ctx context.Context, paths []string, workers int) (int, error) {
	if workers < 1 {
		workers = 4
	}
	parsed := make([][]events.Event, len(paths))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return errors.Wrapf(err, "open %s", path)
			}
			defer f.Close()
			batch, err := events.ReadFile(path, f)
			if err != nil {
				return errors.Wrapf(err, "parse %s", path)
			}
			parsed[i] = batch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	var all []events.Event
	for _, batch := range parsed {
		all = append(all, batch...)
	}
	return p.IngestBatch(ctx, all)
}

// withTx runs fn inside one ledger transaction. On any failure the
// transaction rolls back and the window store discards uncommitted sketch
// state, so the operation leaves nothing behind.
func (p *Pipeline) withTx(ctx context.Context, fn func(tx *ledger.Tx) error) error {
	tx, err := p.ledger.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		p.store.Discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		p.store.Discard()
		return err
	}
	return nil
}

func containsDay(days []string, day string) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
