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

package logging

import (
	"context"
	"fmt"

	zap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/numaproj/ecomflow/pkg/shared/util"
)

const (
	// EnvDebug switches the logger to the human friendly development encoder.
	EnvDebug = "ECOMFLOW_DEBUG"
	// EnvLogLevel sets the minimum level, e.g. debug or warn. It is ignored in debug mode.
	EnvLogLevel = "ECOMFLOW_LOG_LEVEL"
)

// NewLogger returns a new zap.SugaredLogger writing JSON to stdout.
func NewLogger() *zap.SugaredLogger {
	var config zap.Config
	if util.LookupEnvBoolOr(EnvDebug, false) {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		level, err := zap.ParseAtomicLevel(util.LookupEnvStringOr(EnvLogLevel, "info"))
		if err != nil {
			panic(fmt.Errorf("invalid value for env variable %q: %w", EnvLogLevel, err))
		}
		config.Level = level
	}
	config.OutputPaths = []string{"stdout"}
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger.Named("ecomflow").Sugar()
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type loggerKey struct{}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger carried by ctx, or a new one.
func FromContext(ctx context.Context) *zap.SugaredLogger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
		return logger
	}
	return NewLogger()
}
