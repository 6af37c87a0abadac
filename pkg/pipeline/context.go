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

// Package pipeline wires the source, transformer, aggregator and dispatcher
// into the driver loop that moves files from the input directory to the
// destinations.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/numaproj/ecomflow/pkg/checkpoint"
	"github.com/numaproj/ecomflow/pkg/config"
	"github.com/numaproj/ecomflow/pkg/reduce"
	"github.com/numaproj/ecomflow/pkg/shared/kvs"
	fskvs "github.com/numaproj/ecomflow/pkg/shared/kvs/fs"
	rediskvs "github.com/numaproj/ecomflow/pkg/shared/kvs/redis"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
	"github.com/numaproj/ecomflow/pkg/sinks/forward"
	"github.com/numaproj/ecomflow/pkg/sources/file"
	"github.com/numaproj/ecomflow/pkg/sources/registry"
	"github.com/numaproj/ecomflow/pkg/sources/transformer"
)

// KV buckets of the state store.
const (
	RegistryBucket   = "registry"
	CheckpointBucket = "checkpoints"
	AggregatorBucket = "aggregator"
)

// Context carries the configuration and every long lived handle of a run.
// It is built once and passed to the driver, nothing is process global.
type Context struct {
	Config      *config.Config
	Store       kvs.Factory
	Registry    *registry.Registry
	Checkpoints *checkpoint.Manager
	Aggregator  *reduce.Aggregator
	Snapshots   *reduce.Store
	Transformer *transformer.Transformer
	Reader      *file.Reader
	Dispatcher  *forward.Dispatcher
	Clock       func() time.Time
}

type buildOptions struct {
	clock        func() time.Time
	destinations []forward.Destination
	store        kvs.Factory
	watch        bool
}

type Option func(*buildOptions)

// WithClock overrides time.Now for every component.
func WithClock(clock func() time.Time) Option {
	return func(o *buildOptions) {
		o.clock = clock
	}
}

// WithDestinations uses the given destinations instead of building them from the config.
func WithDestinations(dests []forward.Destination) Option {
	return func(o *buildOptions) {
		o.destinations = dests
	}
}

// WithStore uses the given state store instead of the configured one.
func WithStore(f kvs.Factory) Option {
	return func(o *buildOptions) {
		o.store = f
	}
}

// WithWatch turns fsnotify wakeups of the input directory on or off.
func WithWatch(enabled bool) Option {
	return func(o *buildOptions) {
		o.watch = enabled
	}
}

// StateDir is where the fs state store keeps its buckets.
func StateDir(cfg *config.Config) string {
	return filepath.Join(cfg.CheckpointDir, "state")
}

// SpoolDir is where the destination spools live.
func SpoolDir(cfg *config.Config) string {
	return filepath.Join(cfg.CheckpointDir, "spool")
}

// OpenStore returns the configured state store. Redis is pinged, so an
// unreachable server fails the startup.
func OpenStore(ctx context.Context, cfg *config.Config) (kvs.Factory, error) {
	switch cfg.StateStore.Type {
	case config.StoreRedis:
		r := cfg.StateStore.Redis
		return rediskvs.NewFactory(ctx, rediskvs.Options{
			Addr:     r.Addr,
			Username: r.Username,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		})
	default:
		return fskvs.NewFactory(StateDir(cfg)), nil
	}
}

// NewContext opens the state store, restores the registry, the checkpoints
// and the aggregator, opens the destinations and their spools.
func NewContext(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Context, err error) {
	bo := &buildOptions{clock: time.Now, watch: true}
	for _, o := range opts {
		o(bo)
	}
	log := logging.FromContext(ctx)
	pc := &Context{Config: cfg, Clock: bo.clock}
	defer func() {
		if err != nil {
			_ = pc.Close()
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	pc.Store = bo.store
	if pc.Store == nil {
		if pc.Store, err = OpenStore(ctx, cfg); err != nil {
			return nil, err
		}
	}
	registryKV, err := pc.Store.Open(ctx, RegistryBucket)
	if err != nil {
		return nil, err
	}
	checkpointKV, err := pc.Store.Open(ctx, CheckpointBucket)
	if err != nil {
		return nil, err
	}
	aggregatorKV, err := pc.Store.Open(ctx, AggregatorBucket)
	if err != nil {
		return nil, err
	}

	pc.Registry = registry.New(ctx, registryKV, cfg.SourceMaxAttempts)
	if err = pc.Registry.Load(ctx); err != nil {
		return nil, err
	}
	pc.Checkpoints = checkpoint.NewManager(ctx, checkpointKV)
	if err = pc.Checkpoints.Load(ctx); err != nil {
		return nil, err
	}
	if pc.Aggregator, err = reduce.NewAggregator(ctx, cfg.WindowSize,
		reduce.WithAllowedLateness(cfg.AllowedLateness),
		reduce.WithClock(bo.clock),
	); err != nil {
		return nil, err
	}
	pc.Snapshots = reduce.NewStore(aggregatorKV)
	restored, err := pc.Snapshots.Load(ctx, pc.Aggregator)
	if err != nil {
		return nil, err
	}
	log.Infow("Pipeline state restored",
		zap.Bool("aggregatorRestored", restored),
		zap.Int64("aggregatorCovers", pc.Aggregator.LastBatchID()),
		zap.String("watermark", pc.Aggregator.Watermark().String()),
		zap.Any("files", pc.Registry.Counts()),
	)

	pc.Transformer = transformer.New(ctx, transformer.WithLocation(loc), transformer.WithClock(bo.clock))

	dests := bo.destinations
	if dests == nil {
		if dests, err = BuildDestinations(ctx, cfg); err != nil {
			return nil, err
		}
	}
	if pc.Dispatcher, err = forward.NewDispatcher(ctx, SpoolDir(cfg), pc.Checkpoints, dests,
		forward.WithRetryBackoff(wait.Backoff{
			Steps:    cfg.Retry.Steps,
			Duration: cfg.Retry.Duration,
			Factor:   cfg.Retry.Factor,
			Jitter:   cfg.Retry.Jitter,
			Cap:      cfg.MaxBackoff,
		}),
		forward.WithClock(bo.clock),
	); err != nil {
		closeDestinations(dests)
		return nil, err
	}

	if pc.Reader, err = file.NewReader(ctx, cfg.InputDir, pc.Registry,
		file.WithPattern(cfg.FilePattern),
		file.WithMaxFilesPerBatch(cfg.MaxFilesPerBatch),
		file.WithMinFileAge(cfg.MinFileAge),
		file.WithWatch(bo.watch),
		file.WithClock(bo.clock),
	); err != nil {
		return nil, err
	}
	return pc, nil
}

// Close releases the reader, the destinations and the state store.
func (pc *Context) Close() error {
	var err error
	if pc.Reader != nil {
		err = multierr.Append(err, pc.Reader.Close())
	}
	if pc.Dispatcher != nil {
		err = multierr.Append(err, pc.Dispatcher.Close())
	}
	if pc.Store != nil {
		err = multierr.Append(err, pc.Store.Close())
	}
	return err
}
