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

package file

import (
	"time"
)

type options struct {
	// pattern is the glob matched against file names in the input directory
	pattern string
	// maxFilesPerBatch caps how many files one poll returns
	maxFilesPerBatch int
	// minFileAge is how long a file must have been left unmodified
	minFileAge time.Duration
	// observationCacheSize bounds the number of remembered file observations
	observationCacheSize int
	// watch enables fsnotify wakeups
	watch bool
	clock func() time.Time
}

type Option func(*options) error

func defaultOptions() *options {
	return &options{
		pattern:              "*.csv",
		maxFilesPerBatch:     1,
		observationCacheSize: 4096,
		watch:                true,
		clock:                time.Now,
	}
}

// WithPattern sets the file name glob
func WithPattern(p string) Option {
	return func(o *options) error {
		o.pattern = p
		return nil
	}
}

// WithMaxFilesPerBatch sets the max number of files per batch
func WithMaxFilesPerBatch(n int) Option {
	return func(o *options) error {
		o.maxFilesPerBatch = n
		return nil
	}
}

// WithMinFileAge sets the minimum age of a stable file
func WithMinFileAge(d time.Duration) Option {
	return func(o *options) error {
		o.minFileAge = d
		return nil
	}
}

// WithObservationCacheSize sets the size of the stability cache
func WithObservationCacheSize(n int) Option {
	return func(o *options) error {
		o.observationCacheSize = n
		return nil
	}
}

// WithWatch turns fsnotify wakeups on or off
func WithWatch(enabled bool) Option {
	return func(o *options) error {
		o.watch = enabled
		return nil
	}
}

// WithClock overrides time.Now
func WithClock(clock func() time.Time) Option {
	return func(o *options) error {
		o.clock = clock
		return nil
	}
}
