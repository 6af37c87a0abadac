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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/numaproj/ecomflow/pkg/sinks"
)

func TestToLog_Write(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s, err := NewToLog(context.Background(), "debug", WithLogger(zap.New(core).Sugar()))
	require.NoError(t, err)
	assert.Equal(t, "debug", s.GetName())

	rows := &sinks.Rows{
		Kind:    sinks.KindEvents,
		Mode:    sinks.Append,
		Columns: []string{sinks.ColRecordID, "user_id"},
		Values:  [][]any{{"a", "u1"}, {"b", "u2"}},
	}
	require.NoError(t, s.Write(context.Background(), rows))
	entries := logs.FilterMessage("Row").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "debug", entries[0].ContextMap()["destination"])
	assert.Equal(t, map[string]any{sinks.ColRecordID: "b", "user_id": "u2"}, entries[1].ContextMap()["row"])
	assert.NoError(t, s.Close())
}
