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

package logger

import (
	"context"

	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/metrics"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
	"github.com/numaproj/ecomflow/pkg/sinks"
)

const sinkType = "log"

// ToLog prints the rows to the log.
type ToLog struct {
	name   string
	logger *zap.SugaredLogger
}

type Option func(*ToLog) error

func WithLogger(log *zap.SugaredLogger) Option {
	return func(t *ToLog) error {
		t.logger = log
		return nil
	}
}

// NewToLog returns ToLog type.
func NewToLog(ctx context.Context, name string, opts ...Option) (*ToLog, error) {
	toLog := new(ToLog)
	toLog.name = name
	for _, o := range opts {
		if err := o(toLog); err != nil {
			return nil, err
		}
	}
	if toLog.logger == nil {
		toLog.logger = logging.FromContext(ctx)
	}
	toLog.logger = toLog.logger.With("sinkType", sinkType, "destination", name)
	return toLog, nil
}

// GetName returns the name.
func (t *ToLog) GetName() string {
	return t.name
}

// Write writes to the log. Printing never fails.
func (t *ToLog) Write(_ context.Context, rows *sinks.Rows) error {
	for i := range rows.Values {
		t.logger.Infow("Row", zap.String("kind", string(rows.Kind)), zap.String("mode", string(rows.Mode)), zap.Any("row", rows.Record(i)))
	}
	metrics.SinkWriteRows.WithLabelValues(t.name, sinkType).Add(float64(rows.Len()))
	return nil
}

func (t *ToLog) Close() error {
	return nil
}
