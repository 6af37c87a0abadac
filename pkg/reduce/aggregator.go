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

// Package reduce aggregates events into fixed event time windows keyed by
// (event_type, product_category, window_start). The watermark decides when
// a window is final: a window is emitted exactly once, after the watermark
// reaches its end, and any event for it arriving later is dropped as late.
package reduce

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/events"
	"github.com/numaproj/ecomflow/pkg/metrics"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
	"github.com/numaproj/ecomflow/pkg/watermark/wmb"
	"github.com/numaproj/ecomflow/pkg/window"
	"github.com/numaproj/ecomflow/pkg/window/strategy/fixed"
)

// windowState is the mutable state of one OPEN window.
type windowState struct {
	eventType      events.EventType
	category       string
	interval       window.IntervalWindow
	eventCount     int64
	totalRevenue   decimal.Decimal
	summedQuantity int64
	// users holds the murmur3 hash of every distinct user id seen in the window
	users map[uint64]struct{}
}

func windowID(eventType events.EventType, category string, start time.Time) string {
	return fmt.Sprintf("%s|%s|%d", eventType, category, start.UnixNano())
}

func (w *windowState) StartTime() time.Time {
	return w.interval.Start
}

func (w *windowState) EndTime() time.Time {
	return w.interval.End
}

func (w *windowState) ID() string {
	return windowID(w.eventType, w.category, w.interval.Start)
}

func (w *windowState) add(e *events.Event) {
	w.eventCount++
	w.totalRevenue = w.totalRevenue.Add(e.TotalAmount)
	w.summedQuantity += e.Quantity
	w.users[murmur3.Sum64([]byte(e.UserID))] = struct{}{}
}

func (w *windowState) finalize(calculatedAt time.Time) events.WindowAggregate {
	return events.WindowAggregate{
		EventType:       w.eventType,
		ProductCategory: w.category,
		WindowStart:     w.interval.Start.UTC(),
		WindowEnd:       w.interval.End.UTC(),
		EventCount:      w.eventCount,
		TotalRevenue:    w.totalRevenue,
		SummedQuantity:  w.summedQuantity,
		UniqueUsers:     int64(len(w.users)),
		AverageQuantity: events.AverageQuantity(w.summedQuantity, w.eventCount),
		CalculatedAt:    calculatedAt,
	}
}

// MergeResult describes what merging one batch did.
type MergeResult struct {
	BatchID int64
	// Skipped is set when the batch was already merged before, e.g. it is replayed after a restart
	Skipped bool
	Merged  int
	Late    int
	// Finalized are the windows the batch closed, ordered by window start, event type and category
	Finalized []events.WindowAggregate
	Watermark wmb.Watermark
}

// Aggregator owns the open windows and the watermark. It is not safe for
// concurrent use, the pipeline driver calls it from its single loop.
type Aggregator struct {
	opts      *Options
	windower  window.Windower
	watermark wmb.Watermark
	active    map[string]*windowState
	windows   *window.SortedWindowList[*windowState]
	// lastBatchID is the newest batch merged into the state
	lastBatchID int64
	lateEvents  int64
	log         *zap.SugaredLogger
}

// NewAggregator returns an aggregator with fixed windows of windowSize.
func NewAggregator(ctx context.Context, windowSize time.Duration, opts ...Option) (*Aggregator, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %s", windowSize)
	}
	options := DefaultOptions()
	for _, o := range opts {
		if err := o(options); err != nil {
			return nil, err
		}
	}
	if options.allowedLateness < 0 {
		return nil, fmt.Errorf("allowed lateness must not be negative, got %s", options.allowedLateness)
	}
	return &Aggregator{
		opts:      options,
		windower:  fixed.NewFixed(windowSize),
		watermark: wmb.InitialWatermark,
		active:    make(map[string]*windowState),
		windows:   window.NewSortedWindowList[*windowState](),
		log:       logging.FromContext(ctx).With("component", "aggregator"),
	}, nil
}

// Merge folds one batch of events into the open windows, advances the
// watermark and returns the windows the new watermark closed.
func (a *Aggregator) Merge(batchID int64, evs []events.Event) *MergeResult {
	result := &MergeResult{BatchID: batchID}
	if batchID <= a.lastBatchID {
		result.Skipped = true
		result.Watermark = a.watermark
		a.log.Infow("Batch already merged, skipping", zap.Int64("batchID", batchID), zap.Int64("lastBatchID", a.lastBatchID))
		return result
	}

	// lateness is judged against the watermark as it was before this batch
	current := a.watermark
	var maxEventTime time.Time
	for i := range evs {
		e := &evs[i]
		if maxEventTime.IsZero() || e.EventTime.After(maxEventTime) {
			maxEventTime = e.EventTime
		}
		interval := a.windower.AssignWindow(e.EventTime)
		if current.Covers(interval.End) {
			result.Late++
			continue
		}
		id := windowID(e.EventType, e.ProductCategory, interval.Start)
		w, ok := a.active[id]
		if !ok {
			w = &windowState{
				eventType:    e.EventType,
				category:     e.ProductCategory,
				interval:     interval,
				totalRevenue: decimal.Zero,
				users:        make(map[uint64]struct{}),
			}
			a.active[id] = w
			a.windows.InsertIfNotPresent(w)
		}
		w.add(e)
		result.Merged++
	}

	if !maxEventTime.IsZero() {
		a.watermark = a.watermark.Advance(wmb.FromEventTime(maxEventTime, a.opts.allowedLateness))
	}
	result.Finalized = a.closeWindows()
	result.Watermark = a.watermark
	a.lastBatchID = batchID
	a.lateEvents += int64(result.Late)

	metrics.AggregatorLateEvents.Add(float64(result.Late))
	metrics.AggregatorWindowsFinalized.Add(float64(len(result.Finalized)))
	metrics.AggregatorOpenWindows.Set(float64(len(a.active)))
	metrics.AggregatorWatermark.Set(float64(a.watermark.UnixMilli()))
	if result.Late > 0 {
		a.log.Warnw("Dropped late events", zap.Int64("batchID", batchID), zap.Int("late", result.Late), zap.String("watermark", current.String()))
	}
	return result
}

// closeWindows removes every open window whose end is at or behind the
// watermark and returns their aggregates.
func (a *Aggregator) closeWindows() []events.WindowAggregate {
	closed := a.windows.RemoveWindows(time.Time(a.watermark))
	if len(closed) == 0 {
		return nil
	}
	now := a.opts.clock().UTC()
	out := make([]events.WindowAggregate, 0, len(closed))
	for _, w := range closed {
		delete(a.active, w.ID())
		out = append(out, w.finalize(now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		if out[i].EventType != out[j].EventType {
			return out[i].EventType < out[j].EventType
		}
		return out[i].ProductCategory < out[j].ProductCategory
	})
	return out
}

// Watermark returns the current watermark.
func (a *Aggregator) Watermark() wmb.Watermark {
	return a.watermark
}

// OpenWindows returns the number of windows not finalized yet.
func (a *Aggregator) OpenWindows() int {
	return len(a.active)
}

// LateEvents returns the number of events dropped as late so far.
func (a *Aggregator) LateEvents() int64 {
	return a.lateEvents
}

// LastBatchID returns the newest batch merged, 0 when none.
func (a *Aggregator) LastBatchID() int64 {
	return a.lastBatchID
}
