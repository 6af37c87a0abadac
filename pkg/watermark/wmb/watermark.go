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

// Package wmb holds the watermark value: the event time up to which the
// pipeline considers its input complete.
package wmb

import (
	"time"

	json "github.com/goccy/go-json"
)

// Watermark is the monotonically increasing watermark, derived from the
// largest event time observed minus the allowed lateness.
type Watermark time.Time

// InitialWatermark means no event has been observed yet.
var InitialWatermark = Watermark(time.UnixMilli(-1))

// FromEventTime derives the watermark implied by the maximum event time.
func FromEventTime(maxEventTime time.Time, allowedLateness time.Duration) Watermark {
	return Watermark(maxEventTime.Add(-allowedLateness))
}

func (w Watermark) String() string {
	var t = time.Time(w).UTC()
	return t.Format(time.RFC3339Nano)
}

func (w Watermark) IsInitial() bool {
	return w.UnixMilli() == InitialWatermark.UnixMilli()
}

func (w Watermark) UnixMilli() int64 {
	return time.Time(w).UnixMilli()
}

func (w Watermark) BeforeWatermark(compare Watermark) bool {
	return time.Time(w).Before(time.Time(compare))
}

// Covers reports whether t is at or behind the watermark.
func (w Watermark) Covers(t time.Time) bool {
	return !time.Time(w).Before(t)
}

// Advance returns the later of w and candidate, so a watermark never regresses.
func (w Watermark) Advance(candidate Watermark) Watermark {
	if w.BeforeWatermark(candidate) {
		return candidate
	}
	return w
}

// MarshalJSON encodes the watermark as unix milliseconds.
func (w Watermark) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.UnixMilli())
}

func (w *Watermark) UnmarshalJSON(b []byte) error {
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	*w = Watermark(time.UnixMilli(ms))
	return nil
}
