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

// Package registry tracks every input file the pipeline has seen: files
// waiting to be ingested with the batch id they were handed out under,
// files ingested, and files given up on. The registry is persisted in a KV
// bucket and reloaded on start, so an ingested file is never read twice.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/events"
	"github.com/numaproj/ecomflow/pkg/shared/kvs"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusIngested Status = "ingested"
	StatusFailed   Status = "failed"
)

const (
	entryKeyPrefix = "file/"
	nextBatchIDKey = "meta/next-batch-id"
)

// Entry is the registry record of one source file.
type Entry struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
	Status    Status `json:"status"`
	// BatchID is set once the file is handed to the pipeline, 0 before
	BatchID      int64     `json:"batch_id,omitempty"`
	Attempts     int       `json:"attempts,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (e Entry) Ref() events.FileRef {
	return events.FileRef{Name: e.Name, Signature: e.Signature}
}

// Registry is safe for concurrent use, but a bucket must have a single writer process.
type Registry struct {
	kv          kvs.KVStorer
	lock        sync.RWMutex
	entries     map[string]*Entry
	nextBatchID int64
	maxAttempts int
	clock       func() time.Time
	log         *zap.SugaredLogger
}

// New returns an empty registry, call Load to read the persisted state.
// A file failing to read maxAttempts times is excluded for good.
func New(ctx context.Context, kv kvs.KVStorer, maxAttempts int) *Registry {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Registry{
		kv:          kv,
		entries:     make(map[string]*Entry),
		nextBatchID: 1,
		maxAttempts: maxAttempts,
		clock:       time.Now,
		log:         logging.FromContext(ctx).With("component", "registry"),
	}
}

// Load replaces the in memory state with the persisted one.
func (r *Registry) Load(ctx context.Context) error {
	keys, err := r.kv.GetAllKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list registry entries: %w", err)
	}
	entries := make(map[string]*Entry, len(keys))
	next := int64(1)
	for _, k := range keys {
		b, err := r.kv.GetValue(ctx, k)
		if err != nil {
			return fmt.Errorf("failed to read registry key %s: %w", k, err)
		}
		switch {
		case k == nextBatchIDKey:
			if next, err = strconv.ParseInt(string(b), 10, 64); err != nil {
				return fmt.Errorf("corrupted next batch id %q: %w", string(b), err)
			}
		case strings.HasPrefix(k, entryKeyPrefix):
			e := new(Entry)
			if err = json.Unmarshal(b, e); err != nil {
				return fmt.Errorf("corrupted registry entry %s: %w", k, err)
			}
			entries[e.Name] = e
		default:
			r.log.Warnw("Ignoring unknown registry key", zap.String("key", k))
		}
	}
	// never hand out an id that an entry already owns
	for _, e := range entries {
		if e.BatchID >= next {
			next = e.BatchID + 1
		}
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.entries = entries
	r.nextBatchID = next
	r.log.Infow("Loaded source registry", zap.Int("entries", len(entries)), zap.Int64("nextBatchID", next))
	return nil
}

func (r *Registry) put(ctx context.Context, e *Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err = r.kv.PutKV(ctx, entryKeyPrefix+e.Name, b); err != nil {
		return fmt.Errorf("failed to persist registry entry %s: %w", e.Name, err)
	}
	return nil
}

// Get returns a copy of the entry of the named file.
func (r *Registry) Get(name string) (Entry, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if e, ok := r.entries[name]; ok {
		return *e, true
	}
	return Entry{}, false
}

// IsExcluded is true for files that must not be read again.
func (r *Registry) IsExcluded(name string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	e, ok := r.entries[name]
	return ok && (e.Status == StatusIngested || e.Status == StatusFailed)
}

// IsAssigned is true for pending files that hold a batch id. They are only
// read again as part of that batch.
func (r *Registry) IsAssigned(name string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	e, ok := r.entries[name]
	return ok && e.Status == StatusPending && e.BatchID > 0
}

// Pending returns the files handed out under a batch id but not marked
// ingested, oldest batch first.
func (r *Registry) Pending() []Entry {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Status == StatusPending && e.BatchID > 0 {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchID != out[j].BatchID {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Assign hands the files out under a new batch id. The id is persisted
// before the entries, so it is never reused even after a crash in between.
func (r *Registry) Assign(ctx context.Context, files []events.FileRef) (int64, error) {
	if len(files) == 0 {
		return 0, errors.New("no files to assign")
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	id := r.nextBatchID
	if err := r.kv.PutKV(ctx, nextBatchIDKey, []byte(strconv.FormatInt(id+1, 10))); err != nil {
		return 0, fmt.Errorf("failed to persist next batch id: %w", err)
	}
	r.nextBatchID = id + 1
	now := r.clock().UTC()
	for _, f := range files {
		e, ok := r.entries[f.Name]
		if !ok {
			e = &Entry{Name: f.Name, DiscoveredAt: now}
		} else if e.Status != StatusPending {
			return 0, fmt.Errorf("file %s is already %s", f.Name, e.Status)
		}
		updated := *e
		updated.Signature = f.Signature
		updated.Status = StatusPending
		updated.BatchID = id
		updated.UpdatedAt = now
		if err := r.put(ctx, &updated); err != nil {
			return 0, err
		}
		r.entries[f.Name] = &updated
	}
	return id, nil
}

// MarkIngested records that the files were fully processed.
func (r *Registry) MarkIngested(ctx context.Context, files []events.FileRef) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	now := r.clock().UTC()
	for _, f := range files {
		e, ok := r.entries[f.Name]
		if !ok {
			return fmt.Errorf("file %s is not registered", f.Name)
		}
		if e.Status == StatusIngested {
			continue
		}
		updated := *e
		updated.Status = StatusIngested
		updated.LastError = ""
		updated.UpdatedAt = now
		if err := r.put(ctx, &updated); err != nil {
			return err
		}
		r.entries[f.Name] = &updated
	}
	return nil
}

// RecordFailure counts a failed read of the file. The file keeps any batch
// id it held, so a retry hands it out under the same id, and is retried on
// a later poll until it failed maxAttempts times, or excluded at once when
// permanent is set. It returns whether the file is now excluded.
func (r *Registry) RecordFailure(ctx context.Context, file events.FileRef, cause error, permanent bool) (bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	now := r.clock().UTC()
	updated := Entry{Name: file.Name, DiscoveredAt: now}
	if e, ok := r.entries[file.Name]; ok {
		if e.Status != StatusPending {
			return true, nil
		}
		updated = *e
	}
	updated.Signature = file.Signature
	updated.Attempts++
	updated.LastError = cause.Error()
	updated.UpdatedAt = now
	updated.Status = StatusPending
	if permanent || updated.Attempts >= r.maxAttempts {
		updated.Status = StatusFailed
	}
	if err := r.put(ctx, &updated); err != nil {
		return false, err
	}
	r.entries[file.Name] = &updated
	return updated.Status == StatusFailed, nil
}

// Counts returns the number of entries per status.
func (r *Registry) Counts() map[Status]int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make(map[Status]int, 3)
	for _, e := range r.entries {
		out[e.Status]++
	}
	return out
}
