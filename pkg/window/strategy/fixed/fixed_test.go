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

package fixed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/numaproj/ecomflow/pkg/window"
)

func TestFixed_AssignWindow(t *testing.T) {

	loc, _ := time.LoadLocation("UTC")
	baseTime := time.Unix(1651129201, 0).In(loc)

	tests := []struct {
		name      string
		length    time.Duration
		eventTime time.Time
		want      window.IntervalWindow
	}{
		{
			name:      "minute",
			length:    time.Minute,
			eventTime: baseTime,
			want: window.IntervalWindow{
				Start: time.Unix(1651129200, 0).In(loc),
				End:   time.Unix(1651129260, 0).In(loc),
			},
		},
		{
			name:      "hour",
			length:    time.Hour,
			eventTime: baseTime,
			want: window.IntervalWindow{
				Start: time.Unix(1651129200, 0).In(loc),
				End:   time.Unix(1651129200+3600, 0).In(loc),
			},
		},
		{
			name:      "5_minute",
			length:    time.Minute * 5,
			eventTime: baseTime,
			want: window.IntervalWindow{
				Start: time.Unix(1651129200, 0).In(loc),
				End:   time.Unix(1651129200+300, 0).In(loc),
			},
		},
		{
			name:      "30_second",
			length:    time.Second * 30,
			eventTime: baseTime,
			want: window.IntervalWindow{
				Start: time.Unix(1651129200, 0).In(loc),
				End:   time.Unix(1651129230, 0).In(loc),
			},
		},
		{
			name:      "on_the_boundary",
			length:    time.Hour,
			eventTime: time.Date(2024, 1, 1, 11, 0, 0, 0, loc),
			want: window.IntervalWindow{
				Start: time.Date(2024, 1, 1, 11, 0, 0, 0, loc),
				End:   time.Date(2024, 1, 1, 12, 0, 0, 0, loc),
			},
		},
		{
			name:      "just_before_the_boundary",
			length:    time.Hour,
			eventTime: time.Date(2024, 1, 1, 10, 59, 59, 999999000, loc),
			want: window.IntervalWindow{
				Start: time.Date(2024, 1, 1, 10, 0, 0, 0, loc),
				End:   time.Date(2024, 1, 1, 11, 0, 0, 0, loc),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFixed(tt.length)
			got := f.AssignWindow(tt.eventTime)
			assert.True(t, tt.want.Start.Equal(got.Start), "start %s", got.Start)
			assert.True(t, tt.want.End.Equal(got.End), "end %s", got.End)
			assert.True(t, got.Contains(tt.eventTime))
		})
	}
}
