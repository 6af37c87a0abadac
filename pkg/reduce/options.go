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

package reduce

import (
	"time"
)

// Options for the aggregator
type Options struct {
	// allowedLateness is how far behind the latest event time an event may
	// arrive and still be counted
	allowedLateness time.Duration
	// clock stamps calculated_at on the emitted aggregates
	clock func() time.Time
}

type Option func(*Options) error

func DefaultOptions() *Options {
	return &Options{
		allowedLateness: 10 * time.Minute,
		clock:           time.Now,
	}
}

// WithAllowedLateness sets the allowed lateness
func WithAllowedLateness(d time.Duration) Option {
	return func(o *Options) error {
		o.allowedLateness = d
		return nil
	}
}

// WithClock overrides time.Now
func WithClock(clock func() time.Time) Option {
	return func(o *Options) error {
		o.clock = clock
		return nil
	}
}
