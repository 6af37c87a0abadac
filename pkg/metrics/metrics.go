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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelVersion     = "version"
	LabelPlatform    = "platform"
	LabelDestination = "destination"
	LabelKind        = "kind"
	LabelSinkType    = "sink_type"
	LabelReason      = "reason"
	LabelStatus      = "status"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "A metric with a constant value '1', labeled by ecomflow binary version and platform",
	}, []string{LabelVersion, LabelPlatform})
)

// Source metrics
var (
	// SourceFilesRead is the number of files read into a batch
	SourceFilesRead = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "source",
		Name:      "files_read_total",
		Help:      "Total number of source files read",
	})

	// SourceRecordsRead is the number of raw rows read
	SourceRecordsRead = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "source",
		Name:      "records_read_total",
		Help:      "Total number of raw records read",
	})

	// SourceFileErrors counts unreadable files by whether the failure is permanent
	SourceFileErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "source",
		Name:      "file_error_total",
		Help:      "Total number of source file read failures",
	}, []string{LabelStatus})
)

// Transformer metrics
var (
	TransformerValid = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "transformer",
		Name:      "valid_total",
		Help:      "Total number of records that passed validation",
	})

	TransformerRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "transformer",
		Name:      "rejected_total",
		Help:      "Total number of records dropped by validation",
	}, []string{LabelReason})
)

// Aggregator metrics
var (
	AggregatorLateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "aggregator",
		Name:      "late_events_total",
		Help:      "Total number of events dropped because their window was already closed",
	})

	AggregatorWindowsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "aggregator",
		Name:      "windows_finalized_total",
		Help:      "Total number of windows finalized and emitted",
	})

	AggregatorOpenWindows = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "aggregator",
		Name:      "open_windows",
		Help:      "Number of windows currently open",
	})

	AggregatorWatermark = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "aggregator",
		Name:      "watermark_milliseconds",
		Help:      "Current watermark as unix milliseconds",
	})
)

// Sink metrics
var (
	SinkWriteRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "sink",
		Name:      "write_rows_total",
		Help:      "Total number of rows written to a destination",
	}, []string{LabelDestination, LabelSinkType})

	SinkWriteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "sink",
		Name:      "write_error_total",
		Help:      "Total number of failed write attempts",
	}, []string{LabelDestination, LabelSinkType})

	SinkWriteProcessingTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "sink",
		Name:      "write_processing_time",
		Help:      "Processing times of destination writes (100 microseconds to 20 minutes)",
		Buckets:   prometheus.ExponentialBucketsRange(100, 60000000*20, 10),
	}, []string{LabelDestination})
)

// Checkpoint metrics
var (
	CheckpointCommitted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "checkpoint",
		Name:      "committed_batch",
		Help:      "Last batch id committed per destination",
	}, []string{LabelDestination})

	DestinationStalled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "checkpoint",
		Name:      "destination_stalled",
		Help:      "1 when the destination gave up retrying in the last cycle",
	}, []string{LabelDestination})

	DestinationBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "checkpoint",
		Name:      "destination_backlog_batches",
		Help:      "Number of spooled batches not yet committed per destination",
	}, []string{LabelDestination})
)

// Pipeline metrics
var (
	PipelineCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "pipeline",
		Name:      "cycles_total",
		Help:      "Total number of driver cycles by outcome",
	}, []string{LabelStatus})

	PipelineCycleProcessingTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Subsystem: "pipeline",
		Name:      "cycle_processing_time",
		Help:      "Processing times of one driver cycle (100 microseconds to 20 minutes)",
		Buckets:   prometheus.ExponentialBucketsRange(100, 60000000*20, 10),
	})
)

// PipelineRowsPerSecond is the smoothed rate of rows read per second of cycle time.
var PipelineRowsPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
	Subsystem: "pipeline",
	Name:      "rows_per_second",
	Help:      "Exponentially weighted rate of rows read per second of cycle time",
})
