/*
Copyright 2022 The Numaproj Authors.

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
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/numaproj/ecomflow"
	"github.com/numaproj/ecomflow/pkg/config"
	"github.com/numaproj/ecomflow/pkg/metrics"
	"github.com/numaproj/ecomflow/pkg/pipeline"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
)

// pipelineFlags maps each flag to the config key it overrides.
var pipelineFlags = map[string]string{
	"input-dir":      "inputDir",
	"checkpoint-dir": "checkpointDir",
	"config-file":    "credentialsFile",
	"batches":        "batches",
	"timeout":        "timeout",
	"metrics-addr":   "metricsAddr",
	"state-store":    "stateStore.type",
	"window-size":    "windowSize",
	"lateness":       "allowedLateness",
}

func NewPipelineCommand() *cobra.Command {
	v := config.NewViper()

	command := &cobra.Command{
		Use:   "pipeline",
		Short: "Start the streaming pipeline",
		Long: "Start the streaming pipeline. New CSV files in the input directory are " +
			"validated, aggregated into event time windows and written to every destination.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			log := logging.NewLogger().Named("pipeline")
			version := ecomflow.GetVersion()
			log.Infow("Starting ecomflow pipeline", zap.String("version", version.String()))
			metrics.BuildInfo.WithLabelValues(version.Version, version.Platform).Set(1)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = logging.WithLogger(ctx, log)
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
				defer cancel()
			}
			return runPipeline(ctx, cfg)
		},
	}
	command.Flags().String("input-dir", "./data/events", "Directory the CSV event files are dropped into")
	command.Flags().String("checkpoint-dir", "./checkpoints", "Directory holding the pipeline state and the delivery spools")
	command.Flags().String("config-file", "postgres_connection_details.txt", "PostgreSQL connection details file")
	command.Flags().Int("batches", 0, "Stop after this many batches, 0 runs until stopped")
	command.Flags().Duration("timeout", 0, "Stop after this duration, 0 runs until stopped")
	command.Flags().String("metrics-addr", "", "Address of the metrics and health server, empty disables it")
	command.Flags().String("state-store", config.StoreFS, "State store type, fs or redis")
	command.Flags().Duration("window-size", time.Hour, "Tumbling window size")
	command.Flags().Duration("lateness", 10*time.Minute, "Allowed event time lateness")
	bindFlags(v, command)
	return command
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	for name, key := range pipelineFlags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}
}

func runPipeline(ctx context.Context, cfg *config.Config) error {
	log := logging.FromContext(ctx)
	pc, err := pipeline.NewContext(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	defer func() {
		if err := pc.Close(); err != nil {
			log.Errorw("Failed to close pipeline", zap.Error(err))
		}
	}()

	// the run context also ends when a bounded run completes
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if cfg.MetricsAddr != "" {
		ms := metrics.NewMetricsServer(cfg.MetricsAddr, metrics.WithHealthCheckers(ctx, pc.Dispatcher.HealthCheckers()...))
		shutdown, err := ms.Start(gctx)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer scancel()
			return shutdown(sctx)
		})
	}
	g.Go(func() error {
		defer cancel()
		return pipeline.NewDriver(gctx, pc).Run(gctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if stalled := pc.Dispatcher.Stalled(); len(stalled) > 0 {
		log.Warnw("Pipeline stopped with stalled destinations", zap.Strings("destinations", stalled))
	}
	log.Info("Pipeline exited")
	return nil
}
