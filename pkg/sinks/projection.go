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
	"fmt"
	"sort"

	"github.com/numaproj/ecomflow/pkg/events"
)

// Kind selects which part of a batch a destination receives.
type Kind string

const (
	KindEvents     Kind = "events"
	KindPurchases  Kind = "purchases"
	KindAggregates Kind = "aggregates"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindEvents, KindPurchases, KindAggregates:
		return k, nil
	default:
		return "", fmt.Errorf("unknown destination kind %q", s)
	}
}

// ColRecordID is the dedup key of appended rows.
const ColRecordID = "record_id"

var EventColumns = []string{
	ColRecordID,
	events.ColUserID,
	events.ColEventType,
	events.ColProductID,
	events.ColProductCategory,
	events.ColProductPrice,
	events.ColQuantity,
	events.ColTimestamp,
	events.ColSessionID,
	events.ColDevice,
	events.ColCountry,
	events.ColTotalAmount,
	"batch_id",
	"ingested_at",
	"processed_at",
}

var PurchaseColumns = []string{
	ColRecordID,
	events.ColUserID,
	events.ColProductID,
	events.ColProductCategory,
	events.ColProductPrice,
	events.ColQuantity,
	events.ColTotalAmount,
	"purchase_timestamp",
	events.ColDevice,
	events.ColCountry,
	events.ColSessionID,
}

var AggregateColumns = []string{
	events.ColEventType,
	events.ColProductCategory,
	"window_start",
	"window_end",
	"event_count",
	"total_revenue",
	"summed_quantity",
	"unique_users",
	"average_quantity",
	"calculated_at",
}

// AggregateKeyColumns identify one window.
var AggregateKeyColumns = []string{events.ColEventType, events.ColProductCategory, "window_start"}

// DefaultMode is the only mode the aggregates kind accepts, and the default
// for the other kinds.
func DefaultMode(k Kind) Mode {
	if k == KindAggregates {
		return Upsert
	}
	return Append
}

// Project selects and shapes the rows of batch that a destination of kind k
// receives. It never returns nil.
func Project(k Kind, batch *events.Batch) *Rows {
	switch k {
	case KindPurchases:
		return projectPurchases(batch)
	case KindAggregates:
		return projectAggregates(batch)
	default:
		return projectEvents(batch)
	}
}

func projectEvents(batch *events.Batch) *Rows {
	rows := &Rows{Kind: KindEvents, Mode: Append, Columns: EventColumns, KeyColumns: []string{ColRecordID}}
	for i := range batch.Events {
		e := &batch.Events[i]
		rows.Values = append(rows.Values, []any{
			e.RecordID,
			e.UserID,
			string(e.EventType),
			e.ProductID,
			nullString(e.ProductCategory),
			e.ProductPrice,
			nullQuantity(e.Quantity),
			e.EventTime.UTC(),
			e.SessionID,
			nullString(string(e.Device)),
			nullString(e.Country),
			e.TotalAmount,
			e.BatchID,
			e.IngestedAt.UTC(),
			e.ProcessedAt.UTC(),
		})
	}
	return rows
}

func projectPurchases(batch *events.Batch) *Rows {
	rows := &Rows{Kind: KindPurchases, Mode: Append, Columns: PurchaseColumns, KeyColumns: []string{ColRecordID}}
	for i := range batch.Events {
		e := &batch.Events[i]
		if e.EventType != events.Purchase {
			continue
		}
		rows.Values = append(rows.Values, []any{
			e.RecordID,
			e.UserID,
			e.ProductID,
			nullString(e.ProductCategory),
			e.ProductPrice,
			nullQuantity(e.Quantity),
			e.TotalAmount,
			e.EventTime.UTC(),
			nullString(string(e.Device)),
			nullString(e.Country),
			e.SessionID,
		})
	}
	return rows
}

func projectAggregates(batch *events.Batch) *Rows {
	rows := &Rows{Kind: KindAggregates, Mode: Upsert, Columns: AggregateColumns, KeyColumns: AggregateKeyColumns}
	ws := append([]events.WindowAggregate(nil), batch.Windows...)
	sort.SliceStable(ws, func(i, j int) bool {
		if !ws[i].WindowStart.Equal(ws[j].WindowStart) {
			return ws[i].WindowStart.Before(ws[j].WindowStart)
		}
		if ws[i].EventType != ws[j].EventType {
			return ws[i].EventType < ws[j].EventType
		}
		return ws[i].ProductCategory < ws[j].ProductCategory
	})
	for _, w := range ws {
		rows.Values = append(rows.Values, []any{
			string(w.EventType),
			w.ProductCategory,
			w.WindowStart.UTC(),
			w.WindowEnd.UTC(),
			w.EventCount,
			w.TotalRevenue,
			w.SummedQuantity,
			w.UniqueUsers,
			w.AverageQuantity,
			w.CalculatedAt.UTC(),
		})
	}
	return rows
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// a zero quantity means the column was empty in the input
func nullQuantity(q int64) any {
	if q == 0 {
		return nil
	}
	return q
}
