/*
Copyright 2024 The Serveproj Authors.

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

package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/serveproj/serveflow/pkg/config"
	"github.com/serveproj/serveflow/pkg/predictor"
	"github.com/serveproj/serveflow/pkg/server"
	"github.com/serveproj/serveflow/pkg/shared/logging"
	"github.com/serveproj/serveflow/pkg/substrate"
)

func NewServeCommand() *cobra.Command {
	var (
		bindAddress  string
		manifestPath string
		startupDelay time.Duration
	)
	command := &cobra.Command{
		Use:   "serve",
		Short: "Start the serving daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger().Named("serve")
			settings := config.LoadSettings()
			// flags win over environment settings
			if cmd.Flags().Changed("bind-address") {
				settings.BindAddress = bindAddress
			}
			if cmd.Flags().Changed("manifest") {
				settings.ManifestPath = manifestPath
			}

			ctx, stop := signal.NotifyContext(
				logging.WithLogger(context.Background(), logger),
				syscall.SIGINT, syscall.SIGTERM,
			)
			defer stop()

			sub := substrate.NewInProcess(predictor.NewRegistry(), substrate.WithStartupDelay(startupDelay))
			return server.NewServer(ctx, settings, sub).Run(ctx)
		},
	}
	command.Flags().StringVar(&bindAddress, "bind-address", ":8080", "HTTP listen address")
	command.Flags().StringVar(&manifestPath, "manifest", "", "Path to a YAML manifest of APIs to deploy and watch")
	command.Flags().DurationVar(&startupDelay, "startup-delay", 100*time.Millisecond, "Simulated replica boot latency of the in-process substrate")
	return command
}
