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

package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/config"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
	"github.com/numaproj/ecomflow/pkg/sinks"
	"github.com/numaproj/ecomflow/pkg/sinks/file"
	"github.com/numaproj/ecomflow/pkg/sinks/forward"
	"github.com/numaproj/ecomflow/pkg/sinks/kafka"
	"github.com/numaproj/ecomflow/pkg/sinks/logger"
	"github.com/numaproj/ecomflow/pkg/sinks/postgres"
)

// BuildDestinations opens a sink for every configured destination. Postgres
// credentials are resolved from the environment and the credentials file.
// Any destination failing to open fails the whole build.
func BuildDestinations(ctx context.Context, cfg *config.Config) ([]forward.Destination, error) {
	log := logging.FromContext(ctx)
	var creds map[string]string
	dests := make([]forward.Destination, 0, len(cfg.Destinations))
	for _, dc := range cfg.Destinations {
		if dc.Type == config.TypePostgres && creds == nil {
			var err error
			if creds, err = config.ReadCredentialsFile(cfg.CredentialsFile); err != nil {
				closeDestinations(dests)
				return nil, err
			}
			log.Infow("Postgres credentials file read", zap.String("file", cfg.CredentialsFile), zap.Int("keys", len(creds)))
		}
		sink, err := buildSink(ctx, dc, creds)
		if err != nil {
			closeDestinations(dests)
			return nil, fmt.Errorf("failed to open destination %s: %w", dc.Name, err)
		}
		dests = append(dests, forward.Destination{Name: dc.Name, Kind: sinks.Kind(dc.Kind), Sink: sink})
		log.Infow("Destination opened", zap.String("destination", dc.Name), zap.String("kind", dc.Kind), zap.String("type", dc.Type))
	}
	return dests, nil
}

func buildSink(ctx context.Context, dc config.DestinationConf, creds map[string]string) (sinks.Sinker, error) {
	switch dc.Type {
	case config.TypePostgres:
		conn, err := config.ResolveConnection(dc.Postgres, creds, nil)
		if err != nil {
			return nil, err
		}
		opts := []postgres.Option{postgres.WithBatchSize(dc.BatchSize)}
		if dc.Postgres.CreateTable != nil {
			opts = append(opts, postgres.WithCreateTable(*dc.Postgres.CreateTable))
		}
		return postgres.NewToPostgres(ctx, dc.Name, dc.Postgres.Table, sinks.Kind(dc.Kind), conn, opts...)
	case config.TypeFile:
		return file.NewToFile(ctx, dc.Name, dc.File.Path, sinks.Mode(dc.Mode))
	case config.TypeKafka:
		return kafka.NewToKafka(ctx, dc.Name, dc.Kafka.Brokers, dc.Kafka.Topic, dc.Kafka.Config)
	case config.TypeLog:
		return logger.NewToLog(ctx, dc.Name)
	default:
		return nil, fmt.Errorf("%w: unknown destination type %q", config.ErrInvalidConfig, dc.Type)
	}
}

func closeDestinations(dests []forward.Destination) {
	for _, d := range dests {
		_ = d.Sink.Close()
	}
}
