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

// Package forward fans the output of each pipeline cycle out to the
// configured destinations. Every destination owns a stream: a durable spool
// segment holding the payloads it has not committed yet, drained oldest
// first. A payload is written, then its batch id is committed to the
// checkpoint manager, then it is dropped from the spool. A destination that
// keeps failing stalls on its oldest payload while the others move on.
package forward

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/numaproj/ecomflow/pkg/checkpoint"
	"github.com/numaproj/ecomflow/pkg/events"
	"github.com/numaproj/ecomflow/pkg/metrics"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
	"github.com/numaproj/ecomflow/pkg/sinks"
	"github.com/numaproj/ecomflow/pkg/wal"
)

// Destination is a named sink receiving one kind of rows.
type Destination struct {
	Name string
	Kind sinks.Kind
	Sink sinks.Sinker
}

// DestinationStatus is the state of one destination after a dispatch.
type DestinationStatus struct {
	Name string
	// Committed is the last committed batch id, HasCommitted is false until the first commit.
	Committed    int64
	HasCommitted bool
	// Written is the number of payloads committed by this dispatch.
	Written int
	Backlog int
	Stalled bool
	Err     error
}

type stream struct {
	dest    Destination
	segment *wal.Segment
	// pending mirrors the spooled entries, oldest first
	pending   []*events.Batch
	committed *atomic.Int64
	hasCommit *atomic.Bool
	stalled   *atomic.Bool
	log       *zap.SugaredLogger
}

// Dispatcher spools and delivers payloads for all destinations.
type Dispatcher struct {
	streams []*stream
	ckpt    *checkpoint.Manager
	opts    *options
	log     *zap.SugaredLogger
}

// NewDispatcher opens the spool of every destination under dir and restores
// the payloads not yet committed.
func NewDispatcher(ctx context.Context, dir string, ckpt *checkpoint.Manager, dests []Destination, opts ...Option) (*Dispatcher, error) {
	dOpts := DefaultOptions()
	for _, o := range opts {
		if err := o(dOpts); err != nil {
			return nil, err
		}
	}
	if dOpts.logger == nil {
		dOpts.logger = logging.FromContext(ctx)
	}
	d := &Dispatcher{
		ckpt: ckpt,
		opts: dOpts,
		log:  dOpts.logger.With("component", "dispatcher"),
	}
	seen := make(map[string]bool, len(dests))
	for _, dest := range dests {
		if seen[dest.Name] {
			_ = d.closeSpools()
			return nil, fmt.Errorf("duplicate destination %q", dest.Name)
		}
		seen[dest.Name] = true
		s, err := d.openStream(ctx, dir, dest)
		if err != nil {
			_ = d.closeSpools()
			return nil, err
		}
		d.streams = append(d.streams, s)
	}
	return d, nil
}

func (d *Dispatcher) openStream(ctx context.Context, dir string, dest Destination) (*stream, error) {
	log := d.log.With("destination", dest.Name, "kind", dest.Kind)
	segment, entries, err := wal.Open(filepath.Join(dir, dest.Name+wal.SegmentSuffix), log)
	if err != nil {
		return nil, err
	}
	s := &stream{
		dest:      dest,
		segment:   segment,
		committed: atomic.NewInt64(0),
		hasCommit: atomic.NewBool(false),
		stalled:   atomic.NewBool(false),
		log:       log,
	}
	last, ok, err := d.ckpt.LastCommitted(ctx, dest.Name)
	if err != nil {
		_ = segment.Close()
		return nil, err
	}
	if ok {
		s.committed.Store(last)
		s.hasCommit.Store(true)
	}
	for _, e := range entries {
		if ok && e.BatchID <= last {
			continue
		}
		var payload events.Batch
		if err := json.Unmarshal(e.Body, &payload); err != nil {
			_ = segment.Close()
			return nil, fmt.Errorf("failed to decode spooled batch %d of %s: %w", e.BatchID, dest.Name, err)
		}
		payload.ID = e.BatchID
		s.pending = append(s.pending, &payload)
	}
	if len(s.pending) == 0 && segment.Len() > 0 {
		if err := segment.Reset(); err != nil {
			_ = segment.Close()
			return nil, err
		}
	}
	if segment.IsCorrupted() {
		// files of the dropped batches are already marked ingested unless the crash came first
		log.Errorw("Spool segment had a corrupted tail, batches spooled after the last intact one are lost for this destination",
			zap.Int64("lastIntactBatchID", segment.LastBatchID()))
	}
	log.Infow("Destination stream opened", zap.Int("backlog", len(s.pending)), zap.Int64("committed", last), zap.Bool("hasCommitted", ok))
	metrics.DestinationBacklog.WithLabelValues(dest.Name).Set(float64(len(s.pending)))
	return s, nil
}

// payloadFor keeps only the part of batch a destination of kind consumes.
func payloadFor(kind sinks.Kind, batch *events.Batch) *events.Batch {
	p := &events.Batch{ID: batch.ID}
	switch kind {
	case sinks.KindAggregates:
		p.Windows = batch.Windows
	case sinks.KindPurchases:
		for _, e := range batch.Events {
			if e.EventType == events.Purchase {
				p.Events = append(p.Events, e)
			}
		}
	default:
		p.Events = batch.Events
	}
	return p
}

// Spool durably appends the payload of batch to every destination that has
// neither spooled nor committed it yet. Once Spool returns nil the batch
// can be delivered without the source.
func (d *Dispatcher) Spool(_ context.Context, batch *events.Batch) error {
	for _, s := range d.streams {
		if batch.ID <= s.segment.LastBatchID() || (s.hasCommit.Load() && batch.ID <= s.committed.Load()) {
			s.log.Debugw("Batch already spooled or committed", zap.Int64("batchID", batch.ID))
			continue
		}
		payload := payloadFor(s.dest.Kind, batch)
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode batch %d for %s: %w", batch.ID, s.dest.Name, err)
		}
		if err := s.segment.Append(batch.ID, body); err != nil {
			return fmt.Errorf("failed to spool batch %d for %s: %w", batch.ID, s.dest.Name, err)
		}
		s.pending = append(s.pending, payload)
		metrics.DestinationBacklog.WithLabelValues(s.dest.Name).Set(float64(len(s.pending)))
	}
	return nil
}

// Backlog returns the number of spooled payloads not yet committed, over all destinations.
func (d *Dispatcher) Backlog() int {
	n := 0
	for _, s := range d.streams {
		n += len(s.pending)
	}
	return n
}

// Dispatch drains every destination concurrently and returns their status
// ordered by name. Destinations are independent: a failing destination
// stalls without holding back the others.
func (d *Dispatcher) Dispatch(ctx context.Context) []DestinationStatus {
	statuses := make([]DestinationStatus, len(d.streams))
	var wg sync.WaitGroup
	for i, s := range d.streams {
		wg.Add(1)
		go func(i int, s *stream) {
			defer wg.Done()
			statuses[i] = d.drain(ctx, s)
		}(i, s)
	}
	wg.Wait()
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

func (d *Dispatcher) drain(ctx context.Context, s *stream) DestinationStatus {
	status := DestinationStatus{Name: s.dest.Name}
	var drainErr error
	for len(s.pending) > 0 {
		if ctx.Err() != nil {
			break
		}
		payload := s.pending[0]
		if err := d.deliver(ctx, s, payload); err != nil {
			drainErr = err
			break
		}
		s.pending[0] = nil
		s.pending = s.pending[1:]
		status.Written++
	}
	if len(s.pending) == 0 {
		if err := s.segment.Reset(); err != nil {
			// the entries are committed, so replaying them after a restart is harmless
			s.log.Warnw("Failed to reset spool segment", zap.Error(err))
		}
	}
	s.stalled.Store(drainErr != nil)
	if drainErr != nil {
		metrics.DestinationStalled.WithLabelValues(s.dest.Name).Set(1)
		s.log.Errorw("Destination stalled", zap.Int64("batchID", s.pending[0].ID), zap.Int("backlog", len(s.pending)), zap.Error(drainErr))
	} else {
		metrics.DestinationStalled.WithLabelValues(s.dest.Name).Set(0)
	}
	metrics.DestinationBacklog.WithLabelValues(s.dest.Name).Set(float64(len(s.pending)))
	status.Committed = s.committed.Load()
	status.HasCommitted = s.hasCommit.Load()
	status.Backlog = len(s.pending)
	status.Stalled = drainErr != nil
	status.Err = drainErr
	return status
}

// deliver writes one payload and commits its batch id. The write and the
// commit are not interrupted by cancellation, only the backoff sleeps are.
func (d *Dispatcher) deliver(ctx context.Context, s *stream, payload *events.Batch) error {
	rows := sinks.Project(s.dest.Kind, payload)
	writeCtx := context.WithoutCancel(ctx)
	var lastErr error
	attempt := 0
	err := wait.ExponentialBackoffWithContext(ctx, d.opts.retryBackoff, func(_ context.Context) (bool, error) {
		attempt++
		start := d.opts.clock()
		err := s.dest.Sink.Write(writeCtx, rows)
		metrics.SinkWriteProcessingTime.WithLabelValues(s.dest.Name).Observe(d.opts.clock().Sub(start).Seconds())
		if err != nil {
			lastErr = err
			s.log.Warnw("Write failed, retrying", zap.Int64("batchID", payload.ID), zap.Int("attempt", attempt), zap.Error(err))
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if lastErr == nil {
			return fmt.Errorf("write of batch %d interrupted: %w", payload.ID, err)
		}
		return fmt.Errorf("write of batch %d failed after %d attempts: %w", payload.ID, attempt, lastErr)
	}
	if err := d.ckpt.Commit(writeCtx, s.dest.Name, payload.ID); err != nil {
		if !errors.Is(err, checkpoint.ErrNonMonotonicCommit) {
			return err
		}
		s.log.Warnw("Batch was already committed", zap.Int64("batchID", payload.ID))
	} else {
		s.committed.Store(payload.ID)
		s.hasCommit.Store(true)
	}
	s.log.Debugw("Batch delivered", zap.Int64("batchID", payload.ID), zap.Int("rows", rows.Len()))
	return nil
}

// Stalled returns the names of the destinations that stalled in the last dispatch.
func (d *Dispatcher) Stalled() []string {
	var out []string
	for _, s := range d.streams {
		if s.stalled.Load() {
			out = append(out, s.dest.Name)
		}
	}
	return out
}

// HealthCheckers returns the destinations that can report their health.
func (d *Dispatcher) HealthCheckers() []metrics.HealthChecker {
	var out []metrics.HealthChecker
	for _, s := range d.streams {
		if hc, ok := s.dest.Sink.(metrics.HealthChecker); ok {
			out = append(out, hc)
		}
	}
	return out
}

func (d *Dispatcher) closeSpools() error {
	var err error
	for _, s := range d.streams {
		err = multierr.Append(err, s.segment.Close())
	}
	return err
}

// Close closes every spool segment and sink.
func (d *Dispatcher) Close() error {
	err := d.closeSpools()
	for _, s := range d.streams {
		if cerr := s.dest.Sink.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close destination %s: %w", s.dest.Name, cerr))
		}
	}
	return err
}
