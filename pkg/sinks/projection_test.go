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

package sinks

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/ecomflow/pkg/events"
)

func testBatch(n, purchases int) *events.Batch {
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	b := &events.Batch{ID: 1}
	for i := 0; i < n; i++ {
		et := events.View
		if i < purchases {
			et = events.Purchase
		}
		ref := events.FileRef{Name: "a.csv", Signature: "1-1"}
		b.Events = append(b.Events, events.Event{
			RecordID:     events.DeriveRecordID(ref, i+1),
			UserID:       "u1",
			EventType:    et,
			ProductID:    "p1",
			ProductPrice: decimal.RequireFromString("9.99"),
			Quantity:     1,
			EventTime:    ts.Add(time.Duration(i) * time.Second),
			TotalAmount:  decimal.RequireFromString("9.99"),
			BatchID:      1,
		})
	}
	return b
}

func TestProjectPurchases(t *testing.T) {
	rows := Project(KindPurchases, testBatch(100, 5))
	require.Equal(t, 5, rows.Len())
	assert.Equal(t, Append, rows.Mode)
	assert.Equal(t, []string{ColRecordID}, rows.KeyColumns)
	rec := rows.Record(0)
	assert.Contains(t, rec, "purchase_timestamp")
	assert.NotContains(t, rec, events.ColTimestamp)
	assert.NotContains(t, rec, events.ColEventType)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), rec["purchase_timestamp"])
	assert.Nil(t, rec[events.ColDevice])
}

func TestProjectEvents(t *testing.T) {
	rows := Project(KindEvents, testBatch(10, 2))
	require.Equal(t, 10, rows.Len())
	assert.Len(t, rows.Values[0], len(EventColumns))
	assert.Equal(t, "purchase", rows.Record(0)[events.ColEventType])
	assert.Equal(t, []any{rows.Record(3)[ColRecordID]}, rows.Key(3))
}

func TestProjectAggregates(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	b := &events.Batch{ID: 2, Windows: []events.WindowAggregate{
		{EventType: events.View, ProductCategory: "Books", WindowStart: start.Add(time.Hour), WindowEnd: start.Add(2 * time.Hour), EventCount: 1},
		{EventType: events.View, ProductCategory: "Books", WindowStart: start, WindowEnd: start.Add(time.Hour), EventCount: 3},
		{EventType: events.Purchase, ProductCategory: "Books", WindowStart: start, WindowEnd: start.Add(time.Hour), EventCount: 2},
	}}
	rows := Project(KindAggregates, b)
	require.Equal(t, 3, rows.Len())
	assert.Equal(t, Upsert, rows.Mode)
	assert.Equal(t, []any{"purchase", "Books", start}, rows.Key(0))
	assert.Equal(t, []any{"view", "Books", start}, rows.Key(1))
	assert.Equal(t, int64(1), rows.Record(2)["event_count"])
}

func TestProjectEmpty(t *testing.T) {
	for _, k := range []Kind{KindEvents, KindPurchases, KindAggregates} {
		rows := Project(k, &events.Batch{ID: 3})
		assert.NotNil(t, rows)
		assert.Equal(t, 0, rows.Len())
		assert.Nil(t, rows.Chunks(10))
	}
}

func TestChunks(t *testing.T) {
	rows := Project(KindEvents, testBatch(25, 0))
	chunks := rows.Chunks(10)
	require.Len(t, chunks, 3)
	assert.Equal(t, 10, chunks[0].Len())
	assert.Equal(t, 5, chunks[2].Len())
	assert.Equal(t, rows.Values[20], chunks[2].Values[0])
	assert.Len(t, rows.Chunks(0), 1)
}

func TestParseModeAndKind(t *testing.T) {
	m, err := ParseMode("upsert")
	assert.NoError(t, err)
	assert.Equal(t, Upsert, m)
	_, err = ParseMode("merge")
	assert.Error(t, err)
	k, err := ParseKind("purchases")
	assert.NoError(t, err)
	assert.Equal(t, KindPurchases, k)
	_, err = ParseKind("stats")
	assert.Error(t, err)
	assert.Equal(t, Upsert, DefaultMode(KindAggregates))
	assert.Equal(t, Append, DefaultMode(KindEvents))
}
