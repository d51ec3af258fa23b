// Copyright 2025 Tom Barlow
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

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentci/agentci/internal/config"
	"github.com/agentci/agentci/internal/daemon"
	"github.com/agentci/agentci/internal/log"
)

func newServeCommand() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Long: `Starts the long-running orchestrator: webhook receivers, the event
stream, the workflow API, and the validation pipeline. Runs until SIGINT or
SIGTERM, then drains workflows and releases sandboxes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return &exitError{exitSystem, err.Error()}
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return &exitError{exitSystem, err.Error()}
			}
			if err := d.Start(); err != nil {
				return &exitError{exitSystem, err.Error()}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			logger.Info("shutdown signal received")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := d.Shutdown(shutdownCtx); err != nil {
				return &exitError{exitSystem, err.Error()}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	return cmd
}
