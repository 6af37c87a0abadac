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

// Package sinks defines the destinations a pipeline writes to. A destination
// receives tabular rows, either appended or upserted by key, and acknowledges
// a write only once the rows are durable on its side.
package sinks

import (
	"context"
	"fmt"
)

// Mode is how a destination applies rows.
type Mode string

const (
	// Append inserts rows and ignores rows whose record_id already exists.
	Append Mode = "append"
	// Upsert replaces the row with the same key columns.
	Upsert Mode = "upsert"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Append, Upsert:
		return m, nil
	default:
		return "", fmt.Errorf("unknown sink mode %q", s)
	}
}

// Rows is a batch of rows sharing one column layout.
type Rows struct {
	Kind    Kind
	Mode    Mode
	Columns []string
	// KeyColumns identify a row. For append it is the record_id column.
	KeyColumns []string
	Values     [][]any
}

// Len returns the number of rows.
func (r *Rows) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Values)
}

// Record returns row i as a column keyed map.
func (r *Rows) Record(i int) map[string]any {
	rec := make(map[string]any, len(r.Columns))
	for j, c := range r.Columns {
		rec[c] = r.Values[i][j]
	}
	return rec
}

// Key returns the key column values of row i, in key column order.
func (r *Rows) Key(i int) []any {
	key := make([]any, 0, len(r.KeyColumns))
	for _, k := range r.KeyColumns {
		for j, c := range r.Columns {
			if c == k {
				key = append(key, r.Values[i][j])
				break
			}
		}
	}
	return key
}

// Chunks splits the rows into consecutive parts of at most size rows.
func (r *Rows) Chunks(size int) []*Rows {
	if r.Len() == 0 {
		return nil
	}
	if size <= 0 || size >= r.Len() {
		return []*Rows{r}
	}
	var out []*Rows
	for start := 0; start < len(r.Values); start += size {
		end := start + size
		if end > len(r.Values) {
			end = len(r.Values)
		}
		part := *r
		part.Values = r.Values[start:end]
		out = append(out, &part)
	}
	return out
}

// Sinker interface defines what a destination should implement.
type Sinker interface {
	GetName() string
	// Write returns nil only when every row is durable in the destination.
	Write(ctx context.Context, rows *Rows) error
	Close() error
}
