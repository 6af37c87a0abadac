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

package forward

import (
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/numaproj/ecomflow/pkg/shared/util"
)

type options struct {
	// retryBackoff bounds the write attempts of one payload within a dispatch
	retryBackoff wait.Backoff
	// logger is used to pass the logger variable
	logger *zap.SugaredLogger
	clock  func() time.Time
}

type Option func(*options) error

func DefaultOptions() *options {
	return &options{
		retryBackoff: util.DefaultRetryBackoff,
		clock:        time.Now,
	}
}

// WithRetryBackoff sets the backoff between write attempts. Steps is the
// number of attempts before the destination stalls for the cycle.
func WithRetryBackoff(b wait.Backoff) Option {
	return func(o *options) error {
		if b.Steps < 1 {
			b.Steps = 1
		}
		o.retryBackoff = b
		return nil
	}
}

// WithLogger is used to return logger information
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}

// WithClock sets the time source used for write latencies.
func WithClock(clock func() time.Time) Option {
	return func(o *options) error {
		o.clock = clock
		return nil
	}
}
