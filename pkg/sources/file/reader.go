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

// Package file discovers batch files in the input directory and reads them
// into raw batches. A file is only picked up once it is stable, meaning its
// size and modification time did not change between two polls, so a file
// still being written is never read.
package file

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/events"
	"github.com/numaproj/ecomflow/pkg/metrics"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
	sourceerrors "github.com/numaproj/ecomflow/pkg/sources/errors"
	"github.com/numaproj/ecomflow/pkg/sources/registry"
)

// observation is what a poll saw of a file.
type observation struct {
	size    int64
	modTime int64
}

func (o observation) signature() string {
	return strconv.FormatInt(o.size, 10) + "-" + strconv.FormatInt(o.modTime, 10)
}

type candidate struct {
	ref     events.FileRef
	modTime time.Time
}

// Reader implements polling of the input directory.
type Reader struct {
	dir          string
	opts         *options
	registry     *registry.Registry
	observations *lru.Cache[string, observation]
	// replaced remembers the content warned about per excluded name
	replaced     *lru.Cache[string, string]
	watcher      *fsnotify.Watcher
	notify       chan struct{}
	wg           sync.WaitGroup
	log          *zap.SugaredLogger
}

// NewReader returns a reader of dir. The directory is created when missing.
func NewReader(ctx context.Context, dir string, reg *registry.Registry, opts ...Option) (*Reader, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.maxFilesPerBatch < 1 {
		return nil, fmt.Errorf("max files per batch must be at least 1, got %d", o.maxFilesPerBatch)
	}
	if _, err := filepath.Match(o.pattern, "x"); err != nil {
		return nil, fmt.Errorf("invalid file pattern %q: %w", o.pattern, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create input dir %s: %w", dir, err)
	}
	cache, err := lru.New[string, observation](o.observationCacheSize)
	if err != nil {
		return nil, err
	}
	replaced, err := lru.New[string, string](o.observationCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Reader{
		dir:          dir,
		opts:         o,
		registry:     reg,
		observations: cache,
		replaced:     replaced,
		notify:       make(chan struct{}, 1),
		log:          logging.FromContext(ctx).With("component", "fileSource", "dir", dir),
	}
	if o.watch {
		if err = r.startWatcher(); err != nil {
			// polling still works without it
			r.log.Warnw("Failed to watch input dir, falling back to polling", zap.Error(err))
		}
	}
	return r, nil
}

func (r *Reader) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = w.Add(r.dir); err != nil {
		_ = w.Close()
		return err
	}
	r.watcher = w
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
					select {
					case r.notify <- struct{}{}:
					default:
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Warnw("Input dir watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Wait blocks until the input directory changes, d elapses or ctx is done.
func (r *Reader) Wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-r.notify:
	}
}

// Close stops the directory watcher.
func (r *Reader) Close() error {
	var err error
	if r.watcher != nil {
		err = r.watcher.Close()
	}
	r.wg.Wait()
	return err
}

// Poll returns the next batch to process or nil when none is available.
// Files handed out before a restart but never marked ingested are returned
// first, under their original batch id.
func (r *Reader) Poll(ctx context.Context) (*events.RawBatch, error) {
	batch, blocked, err := r.resume(ctx)
	if err != nil || batch != nil || blocked {
		return batch, err
	}
	return r.discover(ctx)
}

// resume rebuilds the oldest pending batch. A batch id is only handed out
// again with all of its readable files, so when one of them fails with a
// retryable error the batch is blocked and nothing newer is discovered
// until it is read or the file is excluded.
func (r *Reader) resume(ctx context.Context) (*events.RawBatch, bool, error) {
	pending := r.registry.Pending()
	for len(pending) > 0 {
		id := pending[0].BatchID
		var group []registry.Entry
		for len(pending) > 0 && pending[0].BatchID == id {
			group = append(group, pending[0])
			pending = pending[1:]
		}
		batch := &events.RawBatch{ID: id}
		blocked := false
		for _, e := range group {
			obs, _, err := r.observe(e.Name)
			if err == nil && obs.signature() != e.Signature {
				err = sourceerrors.NewSourceReadErr(e.Name, false, "content changed since batch %d was assigned", id)
			}
			var records []events.RawRecord
			if err == nil {
				records, err = r.readFile(e.Ref())
			}
			if err != nil {
				excluded, ferr := r.fail(ctx, e.Ref(), err)
				if ferr != nil {
					return nil, false, ferr
				}
				blocked = blocked || !excluded
				continue
			}
			batch.Files = append(batch.Files, e.Ref())
			batch.Records = append(batch.Records, records...)
		}
		if blocked {
			r.log.Warnw("Batch assigned before restart is not readable yet, retrying later", zap.Int64("batchID", id))
			return nil, true, nil
		}
		if len(batch.Files) == 0 {
			continue
		}
		r.log.Infow("Resuming batch assigned before restart", zap.Int64("batchID", id), zap.Int("files", len(batch.Files)))
		r.count(batch)
		return batch, false, nil
	}
	return nil, false, nil
}

func (r *Reader) discover(ctx context.Context) (*events.RawBatch, error) {
	candidates, err := r.stableFiles()
	if err != nil {
		return nil, err
	}
	batch := &events.RawBatch{}
	for _, c := range candidates {
		if len(batch.Files) >= r.opts.maxFilesPerBatch {
			break
		}
		records, err := r.readFile(c.ref)
		if err != nil {
			if _, ferr := r.fail(ctx, c.ref, err); ferr != nil {
				return nil, ferr
			}
			continue
		}
		batch.Files = append(batch.Files, c.ref)
		batch.Records = append(batch.Records, records...)
	}
	if len(batch.Files) == 0 {
		return nil, nil
	}
	id, err := r.registry.Assign(ctx, batch.Files)
	if err != nil {
		return nil, err
	}
	batch.ID = id
	for _, f := range batch.Files {
		r.observations.Remove(f.Name)
	}
	r.count(batch)
	return batch, nil
}

func (r *Reader) count(batch *events.RawBatch) {
	metrics.SourceFilesRead.Add(float64(len(batch.Files)))
	metrics.SourceRecordsRead.Add(float64(len(batch.Records)))
}

// fail records a failed read and reports whether the file is now excluded.
// Only registry errors are returned, read errors are logged since the file
// is retried or excluded.
func (r *Reader) fail(ctx context.Context, ref events.FileRef, cause error) (bool, error) {
	permanent := false
	var readErr *sourceerrors.SourceReadErr
	if errors.As(cause, &readErr) {
		permanent = !readErr.IsRetryable()
	}
	excluded, err := r.registry.RecordFailure(ctx, ref, cause, permanent)
	if err != nil {
		return false, err
	}
	if excluded {
		metrics.SourceFileErrors.WithLabelValues("excluded").Inc()
		r.log.Errorw("Excluding unreadable source file", zap.String("file", ref.Name), zap.Error(cause))
	} else {
		metrics.SourceFileErrors.WithLabelValues("retrying").Inc()
		r.log.Warnw("Failed to read source file, will retry", zap.String("file", ref.Name), zap.Error(cause))
	}
	return excluded, nil
}

// warnReplaced logs once per content version when a file that is ingested
// or excluded now holds other content under the same name. Names are never
// read twice, so the new content is not ingested.
func (r *Reader) warnReplaced(name string) {
	e, ok := r.registry.Get(name)
	if !ok {
		return
	}
	obs, _, err := r.observe(name)
	if err != nil {
		return
	}
	sig := obs.signature()
	if sig == e.Signature {
		return
	}
	if warned, ok := r.replaced.Get(name); ok && warned == sig {
		return
	}
	r.replaced.Add(name, sig)
	metrics.SourceFileErrors.WithLabelValues("replaced").Inc()
	r.log.Warnw("Source file content changed after it was processed, the new content is ignored",
		zap.String("file", name), zap.String("status", string(e.Status)),
		zap.String("signature", e.Signature), zap.String("newSignature", sig))
}

func skipName(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasSuffix(name, ".part") ||
		strings.HasSuffix(name, "~")
}

func (r *Reader) observe(name string) (observation, time.Time, error) {
	info, err := os.Stat(filepath.Join(r.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return observation{}, time.Time{}, sourceerrors.NewSourceReadErr(name, false, "file vanished")
		}
		return observation{}, time.Time{}, sourceerrors.NewSourceReadErr(name, true, "stat failed: %v", err)
	}
	if !info.Mode().IsRegular() {
		return observation{}, time.Time{}, sourceerrors.NewSourceReadErr(name, false, "not a regular file")
	}
	return observation{size: info.Size(), modTime: info.ModTime().UnixNano()}, info.ModTime(), nil
}

// stableFiles lists the files that can be read now, oldest first.
func (r *Reader) stableFiles() ([]candidate, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, r.opts.pattern))
	if err != nil {
		return nil, err
	}
	now := r.opts.clock()
	var out []candidate
	for _, path := range matches {
		name := filepath.Base(path)
		if skipName(name) || r.registry.IsAssigned(name) {
			continue
		}
		if r.registry.IsExcluded(name) {
			r.warnReplaced(name)
			continue
		}
		obs, modTime, err := r.observe(name)
		if err != nil {
			continue
		}
		prev, seen := r.observations.Get(name)
		r.observations.Add(name, obs)
		if !seen || prev != obs {
			continue
		}
		if now.Sub(modTime) < r.opts.minFileAge {
			continue
		}
		out = append(out, candidate{ref: events.FileRef{Name: name, Signature: obs.signature()}, modTime: modTime})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].modTime.Equal(out[j].modTime) {
			return out[i].modTime.Before(out[j].modTime)
		}
		return out[i].ref.Name < out[j].ref.Name
	})
	return out, nil
}

// readFile reads the CSV file. The header must name exactly the input columns.
func (r *Reader) readFile(ref events.FileRef) ([]events.RawRecord, error) {
	f, err := os.Open(filepath.Join(r.dir, ref.Name))
	if err != nil {
		return nil, sourceerrors.NewSourceReadErr(ref.Name, !errors.Is(err, os.ErrNotExist), "open failed: %v", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.ReuseRecord = false
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, sourceerrors.NewSourceReadErr(ref.Name, true, "empty file")
	}
	if err != nil {
		return nil, sourceerrors.NewSourceReadErr(ref.Name, true, "failed to read header: %v", err)
	}
	columns, err := normalizeHeader(header)
	if err != nil {
		return nil, sourceerrors.NewSourceReadErr(ref.Name, false, "%v", err)
	}

	var records []events.RawRecord
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		malformed := false
		if err != nil {
			if !errors.Is(err, csv.ErrFieldCount) {
				return nil, sourceerrors.NewSourceReadErr(ref.Name, true, "corrupted at data line %d: %v", line, err)
			}
			malformed = true
		}
		fields := make(map[string]string, len(columns))
		for i, v := range row {
			if i < len(columns) {
				fields[columns[i]] = strings.TrimSpace(v)
			}
		}
		records = append(records, events.RawRecord{Source: ref, Line: line, Fields: fields, Malformed: malformed})
	}
	return records, nil
}

func normalizeHeader(header []string) ([]string, error) {
	expected := make(map[string]bool, len(events.Columns))
	for _, c := range events.Columns {
		expected[c] = false
	}
	columns := make([]string, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		seen, known := expected[h]
		if !known {
			return nil, fmt.Errorf("unexpected column %q", h)
		}
		if seen {
			return nil, fmt.Errorf("duplicate column %q", h)
		}
		expected[h] = true
		columns[i] = h
	}
	for _, c := range events.Columns {
		if !expected[c] {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}
	return columns, nil
}
