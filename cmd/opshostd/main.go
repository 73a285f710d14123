/*
Copyright 2024 Otium Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command opshostd wires the core components (vault, registry, plan
// generator, orchestrator) into a single process, serves the thin HTTP
// adapter defined in server.go on OPSHOST_LISTEN_ADDR (default
// 127.0.0.1:8642), and shuts the server down gracefully when an interrupt
// or terminate signal is received.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/otium-labs/opshost/lib/audit"
	"github.com/otium-labs/opshost/lib/config"
	"github.com/otium-labs/opshost/lib/orchestrator"
	"github.com/otium-labs/opshost/lib/plan"
	"github.com/otium-labs/opshost/lib/plan/httpgen"
	"github.com/otium-labs/opshost/lib/registry"
	"github.com/otium-labs/opshost/lib/vault"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := config.FromEnv()

	v, err := vault.New(cfg.VaultKeyMaterial)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize credential vault")
	}

	sink := audit.NewMultiSink(
		audit.NewLogSink(log.StandardLogger()),
		audit.NewRingSink(10000),
	)

	reg := registry.New(cfg, v, sink, nil)
	defer reg.Close()

	generator := buildGenerator(cfg)
	orch := orchestrator.New(cfg, reg, generator, sink)

	addr := os.Getenv("OPSHOST_LISTEN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8642"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           newServer(reg, orch).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		log.WithField("addr", addr).Info("opshostd adapter listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("opshostd adapter exited")
		}
	}()

	<-ctx.Done()
	log.Info("opshostd shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// buildGenerator selects the default httpgen-backed PlanGenerator when a
// model endpoint is configured, or a FakeGenerator with no scripted
// responses, whose every Generate call returns an error (it never
// fabricates commands), so a misconfigured deployment fails loudly on
// every submit.
func buildGenerator(cfg config.Config) plan.PlanGenerator {
	if cfg.ModelEndpoint == "" {
		log.Warn("no model endpoint configured, plan generation will always fail")
		return plan.NewFakeGenerator()
	}
	return httpgen.New(cfg.ModelEndpoint, cfg.ModelAPIKey)
}
