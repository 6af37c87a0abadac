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

package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/events"
	"github.com/numaproj/ecomflow/pkg/metrics"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
	"github.com/numaproj/ecomflow/pkg/sinks/forward"
)

// CycleStatus summarizes one driver cycle.
type CycleStatus struct {
	BatchID      int64
	Files        []events.FileRef
	RowsRead     int
	Valid        int
	Rejected     int
	Reasons      map[string]int
	Late         int
	Finalized    int
	Watermark    string
	Destinations []forward.DestinationStatus
	// Idle is set when no files were ready, the destinations were only drained
	Idle     bool
	Duration time.Duration
}

// Stalled returns the names of destinations that failed in this cycle.
func (s *CycleStatus) Stalled() []string {
	var out []string
	for _, d := range s.Destinations {
		if d.Stalled {
			out = append(out, d.Name)
		}
	}
	return out
}

// Driver runs the cycle loop. It is single threaded, only the dispatch of a
// cycle fans out to one goroutine per destination.
type Driver struct {
	pc         *Context
	throughput *throughput
	batches    int
	log        *zap.SugaredLogger
}

func NewDriver(ctx context.Context, pc *Context) *Driver {
	return &Driver{
		pc:         pc,
		throughput: newThroughput(15),
		log:        logging.FromContext(ctx).With("component", "driver"),
	}
}

// Batches returns how many batches this driver processed.
func (d *Driver) Batches() int {
	return d.batches
}

// RunOnce runs a single cycle: poll, validate, aggregate, spool, snapshot,
// mark ingested, dispatch. Errors are returned only for failures that must
// stop the pipeline; a failing destination shows in the status instead.
func (d *Driver) RunOnce(ctx context.Context) (*CycleStatus, error) {
	start := d.pc.Clock()
	raw, err := d.pc.Reader.Poll(ctx)
	if err != nil {
		metrics.PipelineCycles.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to poll source: %w", err)
	}
	if raw == nil {
		status := &CycleStatus{Idle: true, Watermark: d.pc.Aggregator.Watermark().String()}
		if d.pc.Dispatcher.Backlog() > 0 {
			status.Destinations = d.pc.Dispatcher.Dispatch(ctx)
		}
		status.Duration = d.pc.Clock().Sub(start)
		metrics.PipelineCycles.WithLabelValues("idle").Inc()
		return status, nil
	}

	res := d.pc.Transformer.Transform(raw)
	merged := d.pc.Aggregator.Merge(raw.ID, res.Events)
	batch := &events.Batch{ID: raw.ID, Events: res.Events, Windows: merged.Finalized}

	// the state updates of a polled batch finish even when ctx is cancelled
	stateCtx := context.WithoutCancel(ctx)
	// once spooled, the batch no longer depends on the source files
	if err := d.pc.Dispatcher.Spool(stateCtx, batch); err != nil {
		metrics.PipelineCycles.WithLabelValues("error").Inc()
		return nil, err
	}
	if !merged.Skipped {
		if err := d.pc.Snapshots.Save(stateCtx, d.pc.Aggregator); err != nil {
			metrics.PipelineCycles.WithLabelValues("error").Inc()
			return nil, err
		}
	}
	if err := d.pc.Registry.MarkIngested(stateCtx, raw.Files); err != nil {
		metrics.PipelineCycles.WithLabelValues("error").Inc()
		return nil, err
	}
	d.batches++

	status := &CycleStatus{
		BatchID:      raw.ID,
		Files:        raw.Files,
		RowsRead:     len(raw.Records),
		Valid:        len(res.Events),
		Rejected:     res.Rejected,
		Reasons:      res.Reasons,
		Late:         merged.Late,
		Finalized:    len(merged.Finalized),
		Watermark:    merged.Watermark.String(),
		Destinations: d.pc.Dispatcher.Dispatch(ctx),
	}
	status.Duration = d.pc.Clock().Sub(start)
	rate := d.throughput.observe(status.RowsRead, status.Duration.Seconds())
	metrics.PipelineRowsPerSecond.Set(rate)
	metrics.PipelineCycleProcessingTime.Observe(float64(status.Duration.Microseconds()))
	if len(status.Stalled()) > 0 {
		metrics.PipelineCycles.WithLabelValues("degraded").Inc()
	} else {
		metrics.PipelineCycles.WithLabelValues("ok").Inc()
	}
	return status, nil
}

func (d *Driver) logStatus(s *CycleStatus) {
	commits := make(map[string]any, len(s.Destinations))
	for _, ds := range s.Destinations {
		switch {
		case ds.Stalled:
			commits[ds.Name] = fmt.Sprintf("stalled (backlog %d): %v", ds.Backlog, ds.Err)
		case ds.HasCommitted:
			commits[ds.Name] = ds.Committed
		default:
			commits[ds.Name] = "none"
		}
	}
	fields := []any{
		zap.Int64("batchID", s.BatchID),
		zap.Int("files", len(s.Files)),
		zap.Int("rowsRead", s.RowsRead),
		zap.Int("valid", s.Valid),
		zap.Int("rejected", s.Rejected),
		zap.Any("rejectReasons", s.Reasons),
		zap.Int("late", s.Late),
		zap.Int("finalizedWindows", s.Finalized),
		zap.String("watermark", s.Watermark),
		zap.Any("commits", commits),
		zap.Duration("duration", s.Duration),
		zap.Float64("rowsPerSecond", d.throughput.rate()),
	}
	if len(s.Stalled()) > 0 {
		d.log.Warnw("Cycle completed with stalled destinations", fields...)
		return
	}
	d.log.Infow("Cycle completed", fields...)
}

// Run loops until ctx is cancelled, or in bounded mode until the configured
// number of batches was processed, followed by one last dispatch. When no
// file is ready the driver waits for a directory change or the poll
// interval, doubling the interval up to the max backoff while idle.
func (d *Driver) Run(ctx context.Context) error {
	cfg := d.pc.Config
	backoff := cfg.PollInterval
	d.log.Infow("Pipeline started",
		zap.String("inputDir", cfg.InputDir),
		zap.Int("batches", cfg.Batches),
		zap.Duration("windowSize", cfg.WindowSize),
		zap.Duration("allowedLateness", cfg.AllowedLateness),
	)
	for {
		if ctx.Err() != nil {
			d.log.Infow("Pipeline stopped", zap.Int("batches", d.batches))
			return nil
		}
		if cfg.Batches > 0 && d.batches >= cfg.Batches {
			if d.pc.Dispatcher.Backlog() > 0 {
				for _, ds := range d.pc.Dispatcher.Dispatch(ctx) {
					if ds.Stalled {
						d.log.Warnw("Destination still stalled at shutdown", zap.String("destination", ds.Name), zap.Int("backlog", ds.Backlog), zap.Error(ds.Err))
					}
				}
			}
			d.log.Infow("Processed the requested number of batches", zap.Int("batches", d.batches))
			return nil
		}
		status, err := d.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !status.Idle {
			d.logStatus(status)
			backoff = cfg.PollInterval
			continue
		}
		if len(status.Destinations) > 0 {
			d.logStatus(status)
		}
		d.pc.Reader.Wait(ctx, backoff)
		if backoff *= 2; backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}
