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

// Package window implements the interval windows the aggregator keeps
// statistics for.
//
// A window is an interval of event time. Events are grouped by the window
// their event time falls in, never by the time they happen to arrive, so
// data arriving out of order still lands in the right window. The watermark
// decides when a window is complete: once the watermark reaches the window
// end, the window is closed and its result materialized. Events for a
// window that was already closed are late and dropped.
//
// Windows are left inclusive and right exclusive, [start, end). An event
// exactly on the boundary belongs to the window starting there.
package window

import (
	"time"
)

// TimedWindow is a window with an event time interval.
type TimedWindow interface {
	// StartTime returns the start time of the window
	StartTime() time.Time
	// EndTime returns the end time of the window
	EndTime() time.Time
	// ID identifies the window, two windows with the same ID are the same window.
	ID() string
}

// Windower assigns an event time to a window.
type Windower interface {
	AssignWindow(eventTime time.Time) IntervalWindow
}

// IntervalWindow is the [Start, End) interval of a window.
type IntervalWindow struct {
	Start time.Time
	End   time.Time
}

func (w IntervalWindow) StartTime() time.Time {
	return w.Start
}

func (w IntervalWindow) EndTime() time.Time {
	return w.End
}

// Contains reports whether t falls inside the window.
func (w IntervalWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}
