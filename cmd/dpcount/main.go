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

// Package main is the dpcount operator CLI. Every command runs against the
// local ledger by default; --host switches to a running service so the same
// verbs work remotely. Exit codes: 0 success, 1 usage error, 2 runtime
// failure, 3 budget exhausted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"dpcount/internal/engine/accountant"
	"dpcount/internal/engine/config"
	"dpcount/internal/engine/events"
	"dpcount/internal/engine/ledger"
	"dpcount/internal/engine/pipeline"
)

const (
	exitUsage   = 1
	exitRuntime = 2
	exitBudget  = 3
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "dpcount:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var bErr *accountant.ExhaustedError
	if errors.As(err, &bErr) {
		return exitBudget
	}
	var vErr *pipeline.ValidationError
	if errors.As(err, &vErr) {
		return exitUsage
	}
	if ec, ok := err.(cli.ExitCoder); ok && ec.ExitCode() != 0 {
		return ec.ExitCode()
	}
	return exitRuntime
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "dpcount",
		Usage:   "differentially private distinct-user counts over a turnstile event stream",
		Version: config.DefaultVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "run against a dpcount service instead of the local ledger"},
			&cli.StringFlag{Name: "api-key", Usage: "X-API-Key for --host mode", EnvVars: []string{"SERVICE_API_KEY"}},
			&cli.StringFlag{Name: "log-level", Value: "warn", Usage: "logrus level for local mode"},
		},
		Commands: []*cli.Command{
			ingestCommand(),
			dauCommand(),
			mauCommand(),
			budgetCommand(),
			flushDeletesCommand(),
			resetBudgetCommand(),
			rotateSaltCommand(),
			generateSyntheticCommand(),
			exportBudgetCommand(),
			backupCommand(),
		},
	}
}

// engine bundles the locally opened stack for one command invocation.
type engine struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	pipe   *pipeline.Pipeline
}

func openEngine(c *cli.Context) (*engine, error) {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.String("log-level")); err == nil {
		logger.SetLevel(level)
	}
	log := logger.WithField("component", "cli")

	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	pipe, err := pipeline.New(cfg, l, log)
	if err != nil {
		l.Close()
		return nil, err
	}
	return &engine{cfg: cfg, ledger: l, pipe: pipe}, nil
}

func (e *engine) Close() { e.ledger.Close() }

func remote(c *cli.Context) *client {
	if host := c.String("host"); host != "" {
		return newClient(host, c.String("api-key"))
	}
	return nil
}

func printJSON(v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "ingest event files (JSONL or CSV)",
		ArgsUsage: "<file> [file...]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Value: 4, Usage: "concurrent file parsers"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("ingest requires at least one file", exitUsage)
			}
			paths := c.Args().Slice()

			if rc := remote(c); rc != nil {
				total := 0
				for _, path := range paths {
					f, err := os.Open(path)
					if err != nil {
						return err
					}
					batch, err := events.ReadFile(path, f)
					f.Close()
					if err != nil {
						return err
					}
					var out struct {
						Accepted int `json:"accepted"`
					}
					if err := rc.do("POST", "/event", map[string]interface{}{"events": batch}, &out); err != nil {
						return err
					}
					total += out.Accepted
				}
				fmt.Printf("accepted %d events\n", total)
				return nil
			}

			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()
			n, err := eng.pipe.IngestFiles(context.Background(), paths, c.Int("workers"))
			if err != nil {
				return err
			}
			fmt.Printf("accepted %d events\n", n)
			return nil
		},
	}
}

func dauCommand() *cli.Command {
	return &cli.Command{
		Name:      "dau",
		Usage:     "publish the DP daily active user count for a day",
		ArgsUsage: "<YYYY-MM-DD>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("dau requires exactly one day argument", exitUsage)
			}
			day := c.Args().First()

			if rc := remote(c); rc != nil {
				var out json.RawMessage
				if err := rc.do("GET", "/dau/"+day, nil, &out); err != nil {
					return err
				}
				return printJSON(out)
			}

			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()
			rel, err := eng.pipe.ReleaseDAU(context.Background(), day)
			if err != nil {
				return err
			}
			return printJSON(rel)
		},
	}
}

func mauCommand() *cli.Command {
	return &cli.Command{
		Name:      "mau",
		Usage:     "publish the DP monthly active user count for a rolling window",
		ArgsUsage: "<end YYYY-MM-DD>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "window", Usage: "window width in days (default: configured MAU window)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("mau requires exactly one end-day argument", exitUsage)
			}
			end := c.Args().First()
			window := c.Int("window")

			if rc := remote(c); rc != nil {
				path := "/mau?end=" + end
				if window > 0 {
					path += fmt.Sprintf("&window=%d", window)
				}
				var out json.RawMessage
				if err := rc.do("GET", path, nil, &out); err != nil {
					return err
				}
				return printJSON(out)
			}

			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()
			rel, err := eng.pipe.ReleaseMAU(context.Background(), end, window)
			if err != nil {
				return err
			}
			return printJSON(rel)
		},
	}
}

func budgetCommand() *cli.Command {
	return &cli.Command{
		Name:      "budget",
		Usage:     "print the budget snapshot for a metric without spending anything",
		ArgsUsage: "<metric> <YYYY-MM-DD>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("budget requires <metric> <day>", exitUsage)
			}
			metric, day := c.Args().Get(0), c.Args().Get(1)

			if rc := remote(c); rc != nil {
				var out json.RawMessage
				if err := rc.do("GET", "/budget/"+metric+"?day="+day, nil, &out); err != nil {
					return err
				}
				return printJSON(out)
			}

			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()
			snap, err := eng.pipe.BudgetSnapshot(context.Background(), metric, day)
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
}

func flushDeletesCommand() *cli.Command {
	return &cli.Command{
		Name:  "flush-deletes",
		Usage: "replay pending erasures into the day sketches",
		Action: func(c *cli.Context) error {
			if rc := remote(c); rc != nil {
				return rc.do("POST", "/admin/flush-deletes", nil, nil)
			}
			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := eng.pipe.ReplayDeletions(context.Background()); err != nil {
				return err
			}
			fmt.Println("pending erasures replayed")
			return nil
		},
	}
}

func resetBudgetCommand() *cli.Command {
	return &cli.Command{
		Name:      "reset-budget",
		Usage:     "zero a month's privacy budget (operator action, logged)",
		ArgsUsage: "<metric> <YYYY-MM>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("reset-budget requires <metric> <YYYY-MM>", exitUsage)
			}
			metric, month := c.Args().Get(0), c.Args().Get(1)

			if rc := remote(c); rc != nil {
				return rc.do("POST", "/admin/reset-budget",
					map[string]string{"metric": metric, "month": month}, nil)
			}
			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := eng.pipe.ResetBudget(context.Background(), metric, month); err != nil {
				return err
			}
			fmt.Printf("budget reset for %s %s\n", metric, month)
			return nil
		},
	}
}

func rotateSaltCommand() *cli.Command {
	return &cli.Command{
		Name:      "rotate-salt",
		Usage:     "append a new pseudonymization salt epoch",
		ArgsUsage: "<effective YYYY-MM-DD>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "rotation-days", Usage: "rotation cadence recorded with the epoch (default: configured rotation days)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("rotate-salt requires an effective date", exitUsage)
			}
			effective := c.Args().First()
			rotationDays := c.Int("rotation-days")

			if rc := remote(c); rc != nil {
				var out json.RawMessage
				err := rc.do("POST", "/admin/rotate-salt", map[string]interface{}{
					"effective_date": effective, "rotation_days": rotationDays,
				}, &out)
				if err != nil {
					return err
				}
				return printJSON(out)
			}

			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()
			row, err := eng.pipe.RotateSalt(context.Background(), effective, rotationDays)
			if err != nil {
				return err
			}
			fmt.Printf("salt epoch %d effective %s (rotation %d days)\n", row.ID, row.EffectiveDate, row.RotationDays)
			return nil
		},
	}
}

func generateSyntheticCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate-synthetic",
		Usage: "write a deterministic synthetic event stream for load and erasure testing",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "days", Value: 30},
			&cli.IntFlag{Name: "daily-users", Value: 1000},
			&cli.Float64Flag{Name: "delete-rate", Value: 0.01, Usage: "fraction of active users erased per day"},
			&cli.Int64Flag{Name: "seed", Value: 1},
			&cli.StringFlag{Name: "start", Usage: "first generated day (default: days ago from today)"},
			&cli.StringFlag{Name: "out", Usage: "output path (default: DATA_DIR/streams/synthetic.jsonl)"},
		},
		Action: func(c *cli.Context) error {
			start := c.String("start")
			if start == "" {
				start = time.Now().UTC().AddDate(0, 0, -c.Int("days")).Format(events.DayFormat)
			}
			batch, err := events.GenerateSynthetic(events.SyntheticParams{
				Days:       c.Int("days"),
				DailyUsers: c.Int("daily-users"),
				DeleteRate: c.Float64("delete-rate"),
				Seed:       c.Int64("seed"),
				Start:      start,
			})
			if err != nil {
				return err
			}

			out := c.String("out")
			if out == "" {
				dataDir := os.Getenv("DATA_DIR")
				if dataDir == "" {
					return cli.Exit("generate-synthetic needs --out or DATA_DIR", exitUsage)
				}
				out = filepath.Join(dataDir, "streams", "synthetic.jsonl")
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := events.WriteJSONL(f, batch); err != nil {
				return err
			}
			fmt.Printf("wrote %d events to %s\n", len(batch), out)
			return nil
		},
	}
}

func exportBudgetCommand() *cli.Command {
	return &cli.Command{
		Name:      "export-budget",
		Usage:     "write the budget snapshot report under DATA_DIR/reports",
		ArgsUsage: "<metric> <YYYY-MM-DD>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return cli.Exit("export-budget requires <metric> <day>", exitUsage)
			}
			metric, day := c.Args().Get(0), c.Args().Get(1)

			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()
			snap, err := eng.pipe.BudgetSnapshot(context.Background(), metric, day)
			if err != nil {
				return err
			}

			dir := filepath.Join(eng.cfg.DataDir, "reports")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			path := filepath.Join(dir, "budget-snapshot.json")
			raw, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, raw, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
}

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "write a consistent ledger snapshot under DATA_DIR/backups",
		Action: func(c *cli.Context) error {
			eng, err := openEngine(c)
			if err != nil {
				return err
			}
			defer eng.Close()

			dir := filepath.Join(eng.cfg.DataDir, "backups")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			dest := filepath.Join(dir, "ledger-"+time.Now().UTC().Format("20060102")+".db")
			if err := eng.pipe.Backup(context.Background(), dest); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", dest)
			return nil
		},
	}
}
