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

// Package checkpoint records, per destination, the last batch id whose
// write the destination acknowledged. A batch is committed only after its
// write succeeded, so a crash between the two redelivers the batch.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/metrics"
	"github.com/numaproj/ecomflow/pkg/shared/kvs"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
)

// ErrNonMonotonicCommit is returned when a commit does not move the checkpoint forward.
var ErrNonMonotonicCommit = errors.New("checkpoint must strictly increase")

// Record is the persisted checkpoint of one destination.
type Record struct {
	Destination string    `json:"destination"`
	BatchID     int64     `json:"batch_id"`
	CommittedAt time.Time `json:"committed_at"`
}

// Manager reads and advances destination checkpoints. Commits for
// different destinations may run concurrently.
type Manager struct {
	kv    kvs.KVStorer
	lock  sync.RWMutex
	cache map[string]Record
	clock func() time.Time
	log   *zap.SugaredLogger
}

// NewManager returns a manager on the given bucket.
func NewManager(ctx context.Context, kv kvs.KVStorer) *Manager {
	return &Manager{
		kv:    kv,
		cache: make(map[string]Record),
		clock: time.Now,
		log:   logging.FromContext(ctx).With("component", "checkpoint", "bucket", kv.GetStoreName()),
	}
}

// Load reads all persisted checkpoints into memory.
func (m *Manager) Load(ctx context.Context) error {
	keys, err := m.kv.GetAllKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, k := range keys {
		rec, err := m.read(ctx, k)
		if err != nil {
			return err
		}
		m.cache[k] = rec
		metrics.CheckpointCommitted.WithLabelValues(k).Set(float64(rec.BatchID))
		m.log.Infow("Loaded checkpoint", zap.String("destination", k), zap.Int64("batchID", rec.BatchID))
	}
	return nil
}

func (m *Manager) read(ctx context.Context, destination string) (Record, error) {
	b, err := m.kv.GetValue(ctx, destination)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err = json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("corrupted checkpoint for %s: %w", destination, err)
	}
	return rec, nil
}

// LastCommitted returns the last batch id committed for the destination.
// The boolean is false when nothing was ever committed.
func (m *Manager) LastCommitted(ctx context.Context, destination string) (int64, bool, error) {
	m.lock.RLock()
	rec, ok := m.cache[destination]
	m.lock.RUnlock()
	if ok {
		return rec.BatchID, true, nil
	}
	rec, err := m.read(ctx, destination)
	if errors.Is(err, kvs.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	m.lock.Lock()
	m.cache[destination] = rec
	m.lock.Unlock()
	return rec.BatchID, true, nil
}

// Commit durably records batchID as written to the destination. It must only
// be called once the destination acknowledged the write. batchID must be
// greater than the last commit but may skip ids, which have no batch behind
// them when the caller delivers in order.
func (m *Manager) Commit(ctx context.Context, destination string, batchID int64) error {
	last, ok, err := m.LastCommitted(ctx, destination)
	if err != nil {
		return err
	}
	if ok && batchID <= last {
		return fmt.Errorf("commit %d for %s after %d: %w", batchID, destination, last, ErrNonMonotonicCommit)
	}
	rec := Record{Destination: destination, BatchID: batchID, CommittedAt: m.clock().UTC()}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err = m.kv.PutKV(ctx, destination, b); err != nil {
		return fmt.Errorf("failed to persist checkpoint %d for %s: %w", batchID, destination, err)
	}
	m.lock.Lock()
	m.cache[destination] = rec
	m.lock.Unlock()
	metrics.CheckpointCommitted.WithLabelValues(destination).Set(float64(batchID))
	m.log.Debugw("Committed checkpoint", zap.String("destination", destination), zap.Int64("batchID", batchID))
	return nil
}

// Records returns the cached checkpoint records.
func (m *Manager) Records() map[string]Record {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := make(map[string]Record, len(m.cache))
	for k, v := range m.cache {
		out[k] = v
	}
	return out
}
