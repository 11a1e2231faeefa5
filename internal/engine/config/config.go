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

// Package config centralizes the environment-driven configuration for the
// dpcount engine. Every knob has a documented default and can be overridden
// by an environment variable of the same name.
package config

import (
	"encoding/base64"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DP groups the differential-privacy release parameters.
type DP struct {
	EpsilonDAU     float64   // EPSILON_DAU, per-release epsilon for DAU
	EpsilonMAU     float64   // EPSILON_MAU, per-release epsilon for MAU
	Delta          float64   // DELTA, Gaussian mechanism delta
	AdvancedDelta  float64   // ADVANCED_DELTA, slack delta' for advanced composition
	WBound         int       // W_BOUND, per-user flippancy bound within a window
	DAUBudgetTotal float64   // DAU_BUDGET_TOTAL, monthly epsilon cap for DAU
	MAUBudgetTotal float64   // MAU_BUDGET_TOTAL, monthly epsilon cap for MAU
	RDPOrders      []float64 // RDP_ORDERS, Renyi orders tracked by the accountant
	Seed           int64     // DEFAULT_SEED, deterministic noise seed when set
	SeedSet        bool
}

// Sketch groups the distinct-count sketch parameters.
type Sketch struct {
	Impl            string  // SKETCH_IMPL: kmv, set, theta, hllpp
	K               int     // SKETCH_K, retained sample size
	MAUWindowDays   int     // MAU_WINDOW_DAYS, rolling window width
	UseBloomForDiff bool    // USE_BLOOM_FOR_DIFF
	BloomFPRate     float64 // BLOOM_FP_RATE
}

// Security groups pseudonymization and API authentication.
type Security struct {
	SaltSecret       []byte // HASH_SALT_SECRET (required; "b64:" prefix for raw bytes)
	SaltRotationDays int    // HASH_SALT_ROTATION_DAYS, must be >= MAU_WINDOW_DAYS
	APIKey           string // SERVICE_API_KEY, empty disables auth
}

// Service groups the HTTP server knobs.
type Service struct {
	ListenAddr        string // LISTEN_ADDR, default ":8000"
	RequestsPerMinute int    // REQUESTS_PER_MINUTE, ingest rate limit
}

// Config is the process-wide configuration root, constructed once at startup.
type Config struct {
	DataDir  string // DATA_DIR (required)
	Timezone *time.Location
	DP       DP
	Sketch   Sketch
	Security Security
	Service  Service
	Version  string
}

// Version reported by --version and in release metadata.
const DefaultVersion = "0.3.0"

// FromEnv builds a Config from the process environment, applying defaults and
// validating cross-field constraints.
func FromEnv() (*Config, error) {
	cfg := &Config{Version: DefaultVersion}

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		return nil, errors.New("DATA_DIR is required")
	}

	tzName := envString("TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, errors.Wrapf(err, "TIMEZONE %q", tzName)
	}
	cfg.Timezone = loc

	if cfg.DP.EpsilonDAU, err = envFloat("EPSILON_DAU", 0.3); err != nil {
		return nil, err
	}
	if cfg.DP.EpsilonMAU, err = envFloat("EPSILON_MAU", 0.5); err != nil {
		return nil, err
	}
	if cfg.DP.Delta, err = envFloat("DELTA", 1e-6); err != nil {
		return nil, err
	}
	if cfg.DP.AdvancedDelta, err = envFloat("ADVANCED_DELTA", 1e-7); err != nil {
		return nil, err
	}
	if cfg.DP.WBound, err = envInt("W_BOUND", 2); err != nil {
		return nil, err
	}
	if cfg.DP.DAUBudgetTotal, err = envFloat("DAU_BUDGET_TOTAL", 3.0); err != nil {
		return nil, err
	}
	if cfg.DP.MAUBudgetTotal, err = envFloat("MAU_BUDGET_TOTAL", 3.5); err != nil {
		return nil, err
	}
	if cfg.DP.RDPOrders, err = envFloats("RDP_ORDERS", []float64{2, 4, 8, 16, 32}); err != nil {
		return nil, err
	}
	if raw := os.Getenv("DEFAULT_SEED"); raw != "" {
		seed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "DEFAULT_SEED")
		}
		cfg.DP.Seed = seed
		cfg.DP.SeedSet = true
	}

	cfg.Sketch.Impl = envString("SKETCH_IMPL", "kmv")
	switch cfg.Sketch.Impl {
	case "kmv", "set", "theta", "hllpp":
	default:
		return nil, errors.Errorf("SKETCH_IMPL must be one of kmv, set, theta, hllpp; got %q", cfg.Sketch.Impl)
	}
	if cfg.Sketch.K, err = envInt("SKETCH_K", 4096); err != nil {
		return nil, err
	}
	if cfg.Sketch.K <= 0 {
		return nil, errors.New("SKETCH_K must be positive")
	}
	if cfg.Sketch.MAUWindowDays, err = envInt("MAU_WINDOW_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.Sketch.MAUWindowDays <= 0 {
		return nil, errors.New("MAU_WINDOW_DAYS must be positive")
	}
	if cfg.Sketch.UseBloomForDiff, err = envBool("USE_BLOOM_FOR_DIFF", true); err != nil {
		return nil, err
	}
	if cfg.Sketch.BloomFPRate, err = envFloat("BLOOM_FP_RATE", 0.01); err != nil {
		return nil, err
	}
	if cfg.Sketch.BloomFPRate <= 0 || cfg.Sketch.BloomFPRate >= 1 {
		return nil, errors.New("BLOOM_FP_RATE must be in (0, 1)")
	}

	secret := os.Getenv("HASH_SALT_SECRET")
	if secret == "" {
		return nil, errors.New("HASH_SALT_SECRET is required")
	}
	if cfg.Security.SaltSecret, err = DecodeSecret(secret); err != nil {
		return nil, err
	}
	if cfg.Security.SaltRotationDays, err = envInt("HASH_SALT_ROTATION_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.Security.SaltRotationDays < cfg.Sketch.MAUWindowDays {
		return nil, errors.Errorf(
			"HASH_SALT_ROTATION_DAYS (%d) must be >= MAU_WINDOW_DAYS (%d): rotating inside a window breaks MAU identity",
			cfg.Security.SaltRotationDays, cfg.Sketch.MAUWindowDays)
	}
	cfg.Security.APIKey = os.Getenv("SERVICE_API_KEY")

	cfg.Service.ListenAddr = envString("LISTEN_ADDR", ":8000")
	if cfg.Service.RequestsPerMinute, err = envInt("REQUESTS_PER_MINUTE", 600); err != nil {
		return nil, err
	}

	for _, order := range cfg.DP.RDPOrders {
		if order <= 1 {
			return nil, errors.Errorf("RDP_ORDERS must all be > 1; got %v", order)
		}
	}
	return cfg, nil
}

// DecodeSecret interprets a salt secret string. A "b64:" prefix marks raw
// base64 bytes; anything else is used verbatim as UTF-8.
func DecodeSecret(s string) ([]byte, error) {
	if strings.HasPrefix(s, "b64:") {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "b64:"))
		if err != nil {
			return nil, errors.Wrap(err, "HASH_SALT_SECRET base64")
		}
		return raw, nil
	}
	return []byte(s), nil
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envFloat(name string, def float64) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Wrap(err, name)
	}
	return v, nil
}

func envInt(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrap(err, name)
	}
	return v, nil
}

func envBool(name string, def bool) (bool, error) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if raw == "" {
		return def, nil
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, errors.Errorf("%s must be a boolean string, got %q", name, raw)
}

func envFloats(name string, def []float64) ([]float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "%s entry %q", name, p)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, errors.Errorf("%s must contain at least one number", name)
	}
	return out, nil
}
