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
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/numaproj/ecomflow/pkg/events"
	"github.com/numaproj/ecomflow/pkg/shared/kvs"
	"github.com/numaproj/ecomflow/pkg/watermark/wmb"
	"github.com/numaproj/ecomflow/pkg/window"
)

const snapshotKey = "aggregator"

type windowSnapshot struct {
	EventType      events.EventType `json:"event_type"`
	Category       string           `json:"product_category"`
	Start          time.Time        `json:"window_start"`
	End            time.Time        `json:"window_end"`
	EventCount     int64            `json:"event_count"`
	TotalRevenue   decimal.Decimal  `json:"total_revenue"`
	SummedQuantity int64            `json:"summed_quantity"`
	Users          []uint64         `json:"users"`
}

type snapshot struct {
	// Covers is the newest batch id merged into this state
	Covers     int64            `json:"covers"`
	Watermark  wmb.Watermark    `json:"watermark"`
	LateEvents int64            `json:"late_events"`
	Windows    []windowSnapshot `json:"windows"`
}

// Snapshot serializes the open windows and the watermark.
func (a *Aggregator) Snapshot() ([]byte, error) {
	s := snapshot{
		Covers:     a.lastBatchID,
		Watermark:  a.watermark,
		LateEvents: a.lateEvents,
		Windows:    make([]windowSnapshot, 0, len(a.active)),
	}
	for _, w := range a.windows.Items() {
		users := make([]uint64, 0, len(w.users))
		for u := range w.users {
			users = append(users, u)
		}
		sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
		s.Windows = append(s.Windows, windowSnapshot{
			EventType:      w.eventType,
			Category:       w.category,
			Start:          w.interval.Start,
			End:            w.interval.End,
			EventCount:     w.eventCount,
			TotalRevenue:   w.totalRevenue,
			SummedQuantity: w.summedQuantity,
			Users:          users,
		})
	}
	return json.Marshal(s)
}

// Restore replaces the state with a snapshot.
func (a *Aggregator) Restore(b []byte) error {
	var s snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("failed to decode aggregator snapshot: %w", err)
	}
	a.active = make(map[string]*windowState, len(s.Windows))
	a.windows = window.NewSortedWindowList[*windowState]()
	for _, ws := range s.Windows {
		w := &windowState{
			eventType:      ws.EventType,
			category:       ws.Category,
			interval:       window.IntervalWindow{Start: ws.Start, End: ws.End},
			eventCount:     ws.EventCount,
			totalRevenue:   ws.TotalRevenue,
			summedQuantity: ws.SummedQuantity,
			users:          make(map[uint64]struct{}, len(ws.Users)),
		}
		for _, u := range ws.Users {
			w.users[u] = struct{}{}
		}
		a.active[w.ID()] = w
		a.windows.InsertIfNotPresent(w)
	}
	a.watermark = s.Watermark
	a.lastBatchID = s.Covers
	a.lateEvents = s.LateEvents
	return nil
}

// Store persists aggregator snapshots in a KV bucket.
type Store struct {
	kv kvs.KVStorer
}

func NewStore(kv kvs.KVStorer) *Store {
	return &Store{kv: kv}
}

// Save writes the current state of a.
func (s *Store) Save(ctx context.Context, a *Aggregator) error {
	b, err := a.Snapshot()
	if err != nil {
		return err
	}
	if err = s.kv.PutKV(ctx, snapshotKey, b); err != nil {
		return fmt.Errorf("failed to save aggregator snapshot: %w", err)
	}
	return nil
}

// Load restores a from the last saved snapshot. It returns false when nothing was saved yet.
func (s *Store) Load(ctx context.Context, a *Aggregator) (bool, error) {
	b, err := s.kv.GetValue(ctx, snapshotKey)
	if errors.Is(err, kvs.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load aggregator snapshot: %w", err)
	}
	return true, a.Restore(b)
}
