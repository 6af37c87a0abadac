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

// Package transformer validates raw rows against the event schema and turns
// them into typed events. Rows that do not validate are dropped and counted
// by reason, they never fail the batch.
package transformer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/events"
	"github.com/numaproj/ecomflow/pkg/metrics"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
)

// ReasonMalformedRow is the reject reason of a row with a wrong number of values.
const ReasonMalformedRow = "malformed_row"

// Result is the outcome of transforming one raw batch.
type Result struct {
	Events   []events.Event
	Rejected int
	// Reasons counts rejected rows per reason, e.g. missing_user_id or invalid_quantity
	Reasons map[string]int
}

// Transformer is stateless apart from its settings and is safe for concurrent use.
type Transformer struct {
	location *time.Location
	clock    func() time.Time
	log      *zap.SugaredLogger
}

type Option func(*Transformer)

// WithLocation sets the time zone of timestamps without an offset, UTC by default.
func WithLocation(loc *time.Location) Option {
	return func(t *Transformer) {
		t.location = loc
	}
}

// WithClock overrides time.Now for the ingestion stamps.
func WithClock(clock func() time.Time) Option {
	return func(t *Transformer) {
		t.clock = clock
	}
}

func New(ctx context.Context, opts ...Option) *Transformer {
	t := &Transformer{
		location: time.UTC,
		clock:    time.Now,
		log:      logging.FromContext(ctx).With("component", "transformer"),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// rowError carries the reject reason of one row.
type rowError struct {
	reason string
	detail string
}

func (e *rowError) Error() string {
	return e.reason + ": " + e.detail
}

func missing(field string) *rowError {
	return &rowError{reason: "missing_" + field, detail: "required field is empty"}
}

func invalid(field, value string, cause string) *rowError {
	return &rowError{reason: "invalid_" + field, detail: fmt.Sprintf("%q %s", value, cause)}
}

// Transform validates every row of the batch.
func (t *Transformer) Transform(raw *events.RawBatch) *Result {
	result := &Result{
		Events:  make([]events.Event, 0, len(raw.Records)),
		Reasons: make(map[string]int),
	}
	now := t.clock().UTC()
	for i := range raw.Records {
		rec := &raw.Records[i]
		e, rerr := t.transformRecord(rec)
		if rerr != nil {
			result.Rejected++
			result.Reasons[rerr.reason]++
			metrics.TransformerRejected.WithLabelValues(rerr.reason).Inc()
			t.log.Debugw("Rejected record", zap.String("file", rec.Source.Name), zap.Int("line", rec.Line), zap.String("reason", rerr.Error()))
			continue
		}
		e.BatchID = raw.ID
		e.IngestedAt = now
		e.ProcessedAt = now
		result.Events = append(result.Events, e)
	}
	metrics.TransformerValid.Add(float64(len(result.Events)))
	if result.Rejected > 0 {
		t.log.Infow("Dropped invalid records", zap.Int64("batchID", raw.ID), zap.Int("rejected", result.Rejected), zap.Any("reasons", result.Reasons))
	}
	return result
}

func (t *Transformer) transformRecord(rec *events.RawRecord) (events.Event, *rowError) {
	if rec.Malformed {
		return events.Event{}, &rowError{reason: ReasonMalformedRow, detail: "wrong number of values"}
	}
	f := rec.Fields
	for _, col := range events.RequiredColumns {
		if f[col] == "" {
			return events.Event{}, missing(col)
		}
	}

	e := events.Event{
		RecordID:        events.DeriveRecordID(rec.Source, rec.Line),
		UserID:          f[events.ColUserID],
		ProductID:       f[events.ColProductID],
		ProductCategory: f[events.ColProductCategory],
		ProductPrice:    decimal.Zero,
		TotalAmount:     decimal.Zero,
	}

	var err error
	if e.EventType, err = events.ParseEventType(f[events.ColEventType]); err != nil {
		return e, invalid(events.ColEventType, f[events.ColEventType], "is not a known event type")
	}
	if e.EventTime, err = dateparse.ParseIn(f[events.ColTimestamp], t.location); err != nil {
		return e, invalid(events.ColTimestamp, f[events.ColTimestamp], "is not a timestamp")
	}
	if v := f[events.ColProductPrice]; v != "" {
		if e.ProductPrice, err = nonNegativeDecimal(v); err != nil {
			return e, invalid(events.ColProductPrice, v, err.Error())
		}
	}
	if v := f[events.ColTotalAmount]; v != "" {
		if e.TotalAmount, err = nonNegativeDecimal(v); err != nil {
			return e, invalid(events.ColTotalAmount, v, err.Error())
		}
	}
	if v := f[events.ColQuantity]; v != "" {
		q, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return e, invalid(events.ColQuantity, v, "is not an integer")
		}
		if q < 1 {
			return e, invalid(events.ColQuantity, v, "must be at least 1")
		}
		e.Quantity = q
	}
	if v := f[events.ColSessionID]; v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return e, invalid(events.ColSessionID, v, "is not a uuid")
		}
		e.SessionID = uuid.NullUUID{UUID: id, Valid: true}
	}
	if v := f[events.ColDevice]; v != "" {
		if e.Device, err = events.ParseDevice(v); err != nil {
			return e, invalid(events.ColDevice, v, "is not a known device")
		}
	}
	if v := f[events.ColCountry]; v != "" {
		if !isAlpha2(v) {
			return e, invalid(events.ColCountry, v, "is not an ISO 3166 alpha-2 code")
		}
		e.Country = strings.ToUpper(v)
	}
	return e, nil
}

func nonNegativeDecimal(v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("is not a number")
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("must not be negative")
	}
	return d, nil
}

func isAlpha2(v string) bool {
	if len(v) != 2 {
		return false
	}
	for _, c := range v {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}
