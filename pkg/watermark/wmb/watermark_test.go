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

package wmb

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermark_Advance(t *testing.T) {
	base := time.Date(2024, 1, 1, 11, 10, 0, 0, time.UTC)
	w := InitialWatermark
	assert.True(t, w.IsInitial())

	w = w.Advance(FromEventTime(base, 10*time.Minute))
	assert.Equal(t, "2024-01-01T11:00:00Z", w.String())
	assert.False(t, w.IsInitial())

	// older event times never move the watermark back
	w = w.Advance(FromEventTime(base.Add(-time.Hour), 10*time.Minute))
	assert.Equal(t, "2024-01-01T11:00:00Z", w.String())

	assert.True(t, w.Covers(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)))
	assert.False(t, w.Covers(time.Date(2024, 1, 1, 11, 0, 0, 1, time.UTC)))
}

func TestWatermark_JSON(t *testing.T) {
	w := Watermark(time.UnixMilli(1704106800000))
	b, err := json.Marshal(w)
	require.NoError(t, err)
	assert.Equal(t, "1704106800000", string(b))

	var got Watermark
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, w.UnixMilli(), got.UnixMilli())

	var initial Watermark
	require.NoError(t, json.Unmarshal([]byte("-1"), &initial))
	assert.True(t, initial.IsInitial())
}
