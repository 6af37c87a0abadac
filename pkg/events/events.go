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

// Package events holds the record types that flow through the pipeline:
// raw rows as read from the source files, validated events, and the
// aggregates emitted for finalized windows.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Input column names, in the order the generator writes them.
const (
	ColUserID          = "user_id"
	ColEventType       = "event_type"
	ColProductID       = "product_id"
	ColProductCategory = "product_category"
	ColProductPrice    = "product_price"
	ColQuantity        = "quantity"
	ColTimestamp       = "timestamp"
	ColSessionID       = "session_id"
	ColDevice          = "device"
	ColCountry         = "country"
	ColTotalAmount     = "total_amount"
)

// Columns is the exact set of columns an input file header must carry.
var Columns = []string{
	ColUserID,
	ColEventType,
	ColProductID,
	ColProductCategory,
	ColProductPrice,
	ColQuantity,
	ColTimestamp,
	ColSessionID,
	ColDevice,
	ColCountry,
	ColTotalAmount,
}

// RequiredColumns must be present and non-empty in every valid row.
var RequiredColumns = []string{ColUserID, ColEventType, ColProductID, ColTimestamp}

type EventType string

const (
	View           EventType = "view"
	AddToCart      EventType = "add_to_cart"
	RemoveFromCart EventType = "remove_from_cart"
	Purchase       EventType = "purchase"
	Wishlist       EventType = "wishlist"
)

// ParseEventType is case insensitive and ignores surrounding blanks.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(strings.ToLower(strings.TrimSpace(s))); t {
	case View, AddToCart, RemoveFromCart, Purchase, Wishlist:
		return t, nil
	default:
		return "", fmt.Errorf("unknown event type %q", s)
	}
}

type Device string

const (
	Mobile  Device = "mobile"
	Desktop Device = "desktop"
	Tablet  Device = "tablet"
)

func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case Mobile, Desktop, Tablet:
		return d, nil
	default:
		return "", fmt.Errorf("unknown device %q", s)
	}
}

// FileRef identifies one version of a source file. The signature changes
// whenever the content (size or modification time) changes.
type FileRef struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
}

func (f FileRef) String() string {
	return f.Name + "@" + f.Signature
}

// RawRecord is a header keyed row of strings, before any validation.
type RawRecord struct {
	Source FileRef
	// Line is the 1-based data line in the source file, the header excluded.
	Line   int
	Fields map[string]string
	// Malformed is set when the row did not have one value per header column
	Malformed bool
}

// RawBatch is the unit read by one trigger of the source.
type RawBatch struct {
	ID      int64
	Files   []FileRef
	Records []RawRecord
}

// Event is a validated and typed e-commerce event. It is never mutated after
// the transformer creates it.
type Event struct {
	RecordID        string          `json:"record_id"`
	UserID          string          `json:"user_id"`
	EventType       EventType       `json:"event_type"`
	ProductID       string          `json:"product_id"`
	ProductCategory string          `json:"product_category"`
	ProductPrice    decimal.Decimal `json:"product_price"`
	Quantity        int64           `json:"quantity"`
	EventTime       time.Time       `json:"timestamp"`
	SessionID       uuid.NullUUID   `json:"session_id"`
	Device          Device          `json:"device,omitempty"`
	Country         string          `json:"country,omitempty"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	BatchID         int64           `json:"batch_id"`
	IngestedAt      time.Time       `json:"ingested_at"`
	ProcessedAt     time.Time       `json:"processed_at"`
}

// DeriveRecordID returns a stable id for a row, so the same row read twice
// maps to the same id.
func DeriveRecordID(source FileRef, line int) string {
	h := sha256.New()
	h.Write([]byte(source.Name))
	h.Write([]byte{'|'})
	h.Write([]byte(source.Signature))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(line)))
	return hex.EncodeToString(h.Sum(nil))
}

// WindowAggregate is the statistic emitted once for a finalized window.
type WindowAggregate struct {
	EventType       EventType       `json:"event_type"`
	ProductCategory string          `json:"product_category"`
	WindowStart     time.Time       `json:"window_start"`
	WindowEnd       time.Time       `json:"window_end"`
	EventCount      int64           `json:"event_count"`
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
	SummedQuantity  int64           `json:"summed_quantity"`
	UniqueUsers     int64           `json:"unique_users"`
	AverageQuantity decimal.Decimal `json:"average_quantity"`
	CalculatedAt    time.Time       `json:"calculated_at"`
}

// AverageQuantity is summed / count, zero for an empty window.
func AverageQuantity(summed, count int64) decimal.Decimal {
	if count == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(summed).Div(decimal.NewFromInt(count))
}

// Batch is everything a pipeline cycle produced for one raw batch.
type Batch struct {
	ID      int64
	Events  []Event
	Windows []WindowAggregate
}
