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

// Package file writes destination rows to local files. Appended rows go to a
// newline delimited JSON file and are deduplicated by record_id. Upserted rows
// are kept in one JSON document keyed by the key columns and replaced
// atomically on every write.
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/metrics"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
	"github.com/numaproj/ecomflow/pkg/shared/util"
	"github.com/numaproj/ecomflow/pkg/sinks"
)

const sinkType = "file"

// ToFile writes rows to a local file.
type ToFile struct {
	sync.Mutex
	name string
	path string
	mode sinks.Mode
	// record ids already appended
	seen map[string]struct{}
	// upserted rows by encoded key
	docs   map[string]json.RawMessage
	logger *zap.SugaredLogger
}

type Option func(*ToFile) error

func WithLogger(log *zap.SugaredLogger) Option {
	return func(t *ToFile) error {
		t.logger = log
		return nil
	}
}

// NewToFile opens path and loads what it already holds.
func NewToFile(ctx context.Context, name, path string, mode sinks.Mode, opts ...Option) (*ToFile, error) {
	toFile := &ToFile{
		name: name,
		path: path,
		mode: mode,
		seen: make(map[string]struct{}),
		docs: make(map[string]json.RawMessage),
	}
	for _, o := range opts {
		if err := o(toFile); err != nil {
			return nil, err
		}
	}
	if toFile.logger == nil {
		toFile.logger = logging.FromContext(ctx)
	}
	toFile.logger = toFile.logger.With("sinkType", sinkType, "destination", name, "path", path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	var err error
	if mode == sinks.Upsert {
		err = toFile.loadDocument()
	} else {
		err = toFile.loadAppended()
	}
	if err != nil {
		return nil, err
	}
	return toFile, nil
}

func (t *ToFile) loadAppended() error {
	b, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	// drop a torn last line left by a crash mid-append, the row gets redelivered
	if complete := bytes.LastIndexByte(b, '\n') + 1; complete < len(b) {
		t.logger.Warnw("Truncating torn line", zap.Int("offset", complete))
		if err := os.Truncate(t.path, int64(complete)); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", t.path, err)
		}
		b = b[:complete]
	}
	for _, line := range bytes.Split(b, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.logger.Warnw("Skipping unreadable line", zap.Error(err))
			continue
		}
		if id, ok := rec[sinks.ColRecordID].(string); ok {
			t.seen[id] = struct{}{}
		}
	}
	return nil
}

func (t *ToFile) loadDocument() error {
	b, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	var doc struct {
		Rows []struct {
			Key    json.RawMessage `json:"key"`
			Record json.RawMessage `json:"record"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("failed to decode %s: %w", t.path, err)
	}
	for _, r := range doc.Rows {
		var key bytes.Buffer
		if err := json.Compact(&key, r.Key); err != nil {
			return fmt.Errorf("failed to decode key in %s: %w", t.path, err)
		}
		t.docs[key.String()] = r.Record
	}
	return nil
}

// GetName returns the name.
func (t *ToFile) GetName() string {
	return t.name
}

// Write applies the rows to the file.
func (t *ToFile) Write(_ context.Context, rows *sinks.Rows) error {
	if rows.Len() == 0 {
		return nil
	}
	t.Lock()
	defer t.Unlock()
	var err error
	if t.mode == sinks.Upsert {
		err = t.upsert(rows)
	} else {
		err = t.append(rows)
	}
	if err != nil {
		metrics.SinkWriteErrors.WithLabelValues(t.name, sinkType).Inc()
		return err
	}
	metrics.SinkWriteRows.WithLabelValues(t.name, sinkType).Add(float64(rows.Len()))
	return nil
}

func (t *ToFile) append(rows *sinks.Rows) error {
	var buf bytes.Buffer
	var ids []string
	for i := range rows.Values {
		rec := rows.Record(i)
		id, _ := rec[sinks.ColRecordID].(string)
		if _, ok := t.seen[id]; ok && id != "" {
			continue
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode row %d: %w", i, err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
		ids = append(ids, id)
	}
	if buf.Len() == 0 {
		return nil
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err = f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append to %s: %w", t.path, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync %s: %w", t.path, err)
	}
	if err = f.Close(); err != nil {
		return err
	}
	for _, id := range ids {
		t.seen[id] = struct{}{}
	}
	return nil
}

func (t *ToFile) upsert(rows *sinks.Rows) error {
	next := make(map[string]json.RawMessage, len(t.docs)+rows.Len())
	for k, v := range t.docs {
		next[k] = v
	}
	for i := range rows.Values {
		key, err := json.Marshal(rows.Key(i))
		if err != nil {
			return fmt.Errorf("failed to encode key of row %d: %w", i, err)
		}
		rec, err := json.Marshal(rows.Record(i))
		if err != nil {
			return fmt.Errorf("failed to encode row %d: %w", i, err)
		}
		next[string(key)] = rec
	}
	keys := make([]string, 0, len(next))
	for k := range next {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	type docRow struct {
		Key    json.RawMessage `json:"key"`
		Record json.RawMessage `json:"record"`
	}
	doc := struct {
		Rows []docRow `json:"rows"`
	}{Rows: make([]docRow, 0, len(keys))}
	for _, k := range keys {
		doc.Rows = append(doc.Rows, docRow{Key: json.RawMessage(k), Record: next[k]})
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := util.WriteFileAtomic(t.path, b, 0o644); err != nil {
		return err
	}
	t.docs = next
	return nil
}

// Len returns the number of distinct rows the file holds.
func (t *ToFile) Len() int {
	t.Lock()
	defer t.Unlock()
	if t.mode == sinks.Upsert {
		return len(t.docs)
	}
	return len(t.seen)
}

func (t *ToFile) Close() error {
	return nil
}

// ReadAppended returns the rows of an append file in file order.
func ReadAppended(path string) ([]map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for _, line := range bytes.Split(b, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReadDocument returns the rows of an upsert file ordered by key.
func ReadDocument(path string) ([]map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Rows []struct {
			Record map[string]any `json:"record"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(doc.Rows))
	for _, r := range doc.Rows {
		out = append(out, r.Record)
	}
	return out, nil
}
