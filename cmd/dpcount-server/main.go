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

// Package main runs the dpcount HTTP service: ingest, DAU/MAU releases,
// budget snapshots, and operator endpoints, configured entirely from the
// environment. The process drains pending erasures on startup so a restart
// never serves counts that include erased users.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"dpcount/internal/engine/api"
	"dpcount/internal/engine/config"
	"dpcount/internal/engine/ledger"
	"dpcount/internal/engine/pipeline"
	"dpcount/internal/engine/telemetry"
)

const shutdownTimeout = 5 * time.Second

func main() {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(level)
	}
	log := logger.WithField("component", "server")

	cfg, err := config.FromEnv()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	l, err := ledger.Open(cfg.DataDir)
	if err != nil {
		log.WithError(err).Fatal("open ledger")
	}
	defer l.Close()

	pipe, err := pipeline.New(cfg, l, log)
	if err != nil {
		log.WithError(err).Fatal("initialize pipeline")
	}
	if err := pipe.ReplayDeletions(context.Background()); err != nil {
		log.WithError(err).Fatal("drain pending erasures")
	}

	metrics := telemetry.New()
	srv := &http.Server{
		Addr:              cfg.Service.ListenAddr,
		Handler:           api.NewServer(cfg, pipe, metrics, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Service.ListenAddr).Info("dpcount service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("serve")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown")
	}
	log.Info("stopped")
}
