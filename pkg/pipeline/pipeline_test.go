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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/numaproj/ecomflow/pkg/config"
	"github.com/numaproj/ecomflow/pkg/events"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
	"github.com/numaproj/ecomflow/pkg/sinks"
	"github.com/numaproj/ecomflow/pkg/sinks/file"
	"github.com/numaproj/ecomflow/pkg/sinks/forward"
	"github.com/numaproj/ecomflow/pkg/sources/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const header = "user_id,event_type,product_id,product_category,product_price,quantity,timestamp,session_id,device,country,total_amount"

type row struct {
	user, eventType, category, ts string
	quantity                      int
}

func writeCSV(t *testing.T, dir, name string, mod time.Time, rows ...row) {
	t.Helper()
	var b strings.Builder
	b.WriteString(header + "\n")
	for i, r := range rows {
		fmt.Fprintf(&b, "%s,%s,prod_%d,%s,10.00,%d,%s,,mobile,US,%d.00\n", r.user, r.eventType, i, r.category, r.quantity, r.ts, 10*r.quantity)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

type env struct {
	ctx context.Context
	cfg *config.Config
	in  string
	out string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	cfg, err := config.Load(config.NewViper(), "")
	require.NoError(t, err)
	cfg.InputDir = filepath.Join(root, "in")
	cfg.CheckpointDir = filepath.Join(root, "checkpoints")
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.Retry = config.RetryConfig{Steps: 2, Duration: time.Millisecond, Factor: 1}
	out := filepath.Join(root, "out")
	cfg.Destinations = []config.DestinationConf{
		{Name: "raw-events", Kind: "events", Type: config.TypeFile, Mode: "append", BatchSize: 1000, File: config.FileConfig{Path: filepath.Join(out, "events.jsonl")}},
		{Name: "purchases", Kind: "purchases", Type: config.TypeFile, Mode: "append", BatchSize: 500, File: config.FileConfig{Path: filepath.Join(out, "purchases.jsonl")}},
		{Name: "aggregates", Kind: "aggregates", Type: config.TypeFile, Mode: "upsert", BatchSize: 100, File: config.FileConfig{Path: filepath.Join(out, "stats.json")}},
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, os.MkdirAll(cfg.InputDir, 0o755))
	return &env{
		ctx: logging.WithLogger(context.Background(), logging.NewNopLogger()),
		cfg: cfg,
		in:  cfg.InputDir,
		out: out,
	}
}

func (e *env) open(t *testing.T, opts ...Option) (*Context, *Driver) {
	t.Helper()
	pc, err := NewContext(e.ctx, e.cfg, append([]Option{WithWatch(false)}, opts...)...)
	require.NoError(t, err)
	return pc, NewDriver(e.ctx, pc)
}

// nextBatch runs cycles until one processes a batch.
func nextBatch(t *testing.T, ctx context.Context, d *Driver) *CycleStatus {
	t.Helper()
	for i := 0; i < 10; i++ {
		status, err := d.RunOnce(ctx)
		require.NoError(t, err)
		if !status.Idle {
			return status
		}
	}
	t.Fatal("no batch became ready")
	return nil
}

var base = time.Now().Add(-time.Hour)

// firstFile covers the 10:00 window, with one row missing its user.
func firstFile(t *testing.T, dir string) {
	writeCSV(t, dir, "events_001.csv", base,
		row{"u1", "purchase", "Electronics", "2024-01-01 10:05:00", 1},
		row{"u2", "purchase", "Electronics", "2024-01-01 10:15:00", 2},
		row{"u1", "purchase", "Electronics", "2024-01-01 10:20:00", 3},
		row{"u3", "view", "Books", "2024-01-01 10:30:00", 1},
		row{"", "view", "Books", "2024-01-01 10:35:00", 1},
		row{"u3", "purchase", "Electronics", "2024-01-01 10:50:00", 2},
	)
}

// secondFile moves the watermark past 11:00 and carries one late event.
func secondFile(t *testing.T, dir string) {
	writeCSV(t, dir, "events_002.csv", base.Add(time.Minute),
		row{"u4", "view", "Books", "2024-01-01 11:15:00", 1},
		row{"u5", "purchase", "Electronics", "2024-01-01 09:30:00", 1},
	)
}

func TestPipeline_EndToEnd(t *testing.T) {
	e := newEnv(t)
	firstFile(t, e.in)
	secondFile(t, e.in)
	pc, d := e.open(t)
	defer func() { assert.NoError(t, pc.Close()) }()

	s1 := nextBatch(t, e.ctx, d)
	assert.Equal(t, int64(1), s1.BatchID)
	assert.Equal(t, 6, s1.RowsRead)
	assert.Equal(t, 5, s1.Valid)
	assert.Equal(t, 1, s1.Rejected)
	assert.Equal(t, 1, s1.Reasons["missing_user_id"])
	assert.Zero(t, s1.Finalized)
	assert.Empty(t, s1.Stalled())

	s2 := nextBatch(t, e.ctx, d)
	assert.Equal(t, int64(2), s2.BatchID)
	assert.Equal(t, 1, s2.Late)
	// (purchase, Electronics, 10:00) and (view, Books, 10:00)
	assert.Equal(t, 2, s2.Finalized)
	for _, ds := range s2.Destinations {
		assert.True(t, ds.HasCommitted, ds.Name)
		assert.Equal(t, int64(2), ds.Committed, ds.Name)
	}

	evs, err := file.ReadAppended(filepath.Join(e.out, "events.jsonl"))
	require.NoError(t, err)
	assert.Len(t, evs, 7)

	purchases, err := file.ReadAppended(filepath.Join(e.out, "purchases.jsonl"))
	require.NoError(t, err)
	require.Len(t, purchases, 5)
	for _, p := range purchases {
		assert.Contains(t, p, "purchase_timestamp")
		assert.NotContains(t, p, "timestamp")
	}

	stats, err := file.ReadDocument(filepath.Join(e.out, "stats.json"))
	require.NoError(t, err)
	require.Len(t, stats, 2)
	var electronics map[string]any
	for _, s := range stats {
		if s["product_category"] == "Electronics" {
			electronics = s
		}
	}
	require.NotNil(t, electronics)
	assert.Equal(t, "purchase", electronics["event_type"])
	assert.Equal(t, "2024-01-01T10:00:00Z", electronics["window_start"])
	assert.Equal(t, float64(4), electronics["event_count"])
	assert.Equal(t, float64(8), electronics["summed_quantity"])
	assert.Equal(t, float64(3), electronics["unique_users"])
	assert.Equal(t, "2", electronics["average_quantity"])
	assert.Equal(t, "80", electronics["total_revenue"])

	counts := pc.Registry.Counts()
	assert.Equal(t, 2, counts[registry.StatusIngested])
}

func TestPipeline_RestartDoesNotRereadIngestedFiles(t *testing.T) {
	e := newEnv(t)
	firstFile(t, e.in)
	pc, d := e.open(t)
	s1 := nextBatch(t, e.ctx, d)
	assert.Equal(t, int64(1), s1.BatchID)
	require.NoError(t, pc.Close())

	secondFile(t, e.in)
	pc, d = e.open(t)
	defer func() { assert.NoError(t, pc.Close()) }()
	s2 := nextBatch(t, e.ctx, d)
	assert.Equal(t, int64(2), s2.BatchID)
	require.Len(t, s2.Files, 1)
	assert.Equal(t, "events_002.csv", s2.Files[0].Name)
	// the restored aggregator still holds the 10:00 windows and closes them
	assert.Equal(t, 2, s2.Finalized)
	assert.Equal(t, 1, s2.Late)

	for i := 0; i < 3; i++ {
		status, err := d.RunOnce(e.ctx)
		require.NoError(t, err)
		assert.True(t, status.Idle)
	}
	evs, err := file.ReadAppended(filepath.Join(e.out, "events.jsonl"))
	require.NoError(t, err)
	assert.Len(t, evs, 7)
}

func TestPipeline_SameWindowAcrossBatchesIsOneRow(t *testing.T) {
	e := newEnv(t)
	writeCSV(t, e.in, "a.csv", base,
		row{"u1", "view", "Books", "2024-01-01 09:10:00", 1},
		row{"u2", "view", "Books", "2024-01-01 09:20:00", 1},
	)
	writeCSV(t, e.in, "b.csv", base.Add(time.Minute),
		row{"u3", "view", "Books", "2024-01-01 09:40:00", 1},
	)
	writeCSV(t, e.in, "c.csv", base.Add(2*time.Minute),
		row{"u4", "wishlist", "Toys", "2024-01-01 10:30:00", 1},
	)
	pc, d := e.open(t)
	defer func() { assert.NoError(t, pc.Close()) }()
	for i := 0; i < 3; i++ {
		nextBatch(t, e.ctx, d)
	}
	stats, err := file.ReadDocument(filepath.Join(e.out, "stats.json"))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "view", stats[0]["event_type"])
	assert.Equal(t, float64(3), stats[0]["event_count"])
	assert.Equal(t, "2024-01-01T09:00:00Z", stats[0]["window_start"])
}

func TestPipeline_CrashBeforeMarkIngestedDoesNotDoubleCount(t *testing.T) {
	e := newEnv(t)
	writeCSV(t, e.in, "a.csv", base,
		row{"u1", "view", "Books", "2024-01-01 09:10:00", 1},
		row{"u2", "view", "Books", "2024-01-01 09:20:00", 1},
	)
	path := filepath.Join(e.in, "a.csv")
	good, err := os.ReadFile(path)
	require.NoError(t, err)

	// run a cycle by hand and stop right before the files are marked ingested
	pc, _ := e.open(t)
	var raw *events.RawBatch
	for i := 0; i < 3 && raw == nil; i++ {
		raw, err = pc.Reader.Poll(e.ctx)
		require.NoError(t, err)
	}
	require.NotNil(t, raw)
	res := pc.Transformer.Transform(raw)
	merged := pc.Aggregator.Merge(raw.ID, res.Events)
	require.NoError(t, pc.Dispatcher.Spool(e.ctx, &events.Batch{ID: raw.ID, Events: res.Events, Windows: merged.Finalized}))
	require.NoError(t, pc.Snapshots.Save(e.ctx, pc.Aggregator))
	require.NoError(t, pc.Close())

	// unreadable on restart, same size and mtime
	corrupt := strings.Replace(string(good), "u2,", `u",`, 1)
	require.Len(t, corrupt, len(good))
	require.NoError(t, os.WriteFile(path, []byte(corrupt), 0o644))
	require.NoError(t, os.Chtimes(path, base, base))

	pc, d := e.open(t)
	defer func() { assert.NoError(t, pc.Close()) }()
	status, err := d.RunOnce(e.ctx)
	require.NoError(t, err)
	assert.True(t, status.Idle)
	entry, ok := pc.Registry.Get("a.csv")
	require.True(t, ok)
	assert.Equal(t, registry.StatusPending, entry.Status)
	assert.Equal(t, raw.ID, entry.BatchID)
	assert.Equal(t, 1, entry.Attempts)

	require.NoError(t, os.WriteFile(path, good, 0o644))
	require.NoError(t, os.Chtimes(path, base, base))
	s1 := nextBatch(t, e.ctx, d)
	assert.Equal(t, raw.ID, s1.BatchID, "the replayed files keep their batch id")

	writeCSV(t, e.in, "b.csv", base.Add(time.Minute),
		row{"u3", "wishlist", "Toys", "2024-01-01 10:30:00", 1},
	)
	s2 := nextBatch(t, e.ctx, d)
	assert.Equal(t, raw.ID+1, s2.BatchID)

	stats, err := file.ReadDocument(filepath.Join(e.out, "stats.json"))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "2024-01-01T09:00:00Z", stats[0]["window_start"])
	assert.Equal(t, float64(2), stats[0]["event_count"])
	assert.Equal(t, float64(2), stats[0]["unique_users"])

	evs, err := file.ReadAppended(filepath.Join(e.out, "events.jsonl"))
	require.NoError(t, err)
	assert.Len(t, evs, 3)
}

// flakySink fails a number of writes, then records the batch ids it wrote.
type flakySink struct {
	sync.Mutex
	failures int
	batches  []int64
}

func (f *flakySink) GetName() string { return "raw-events" }

func (f *flakySink) Write(_ context.Context, rows *sinks.Rows) error {
	f.Lock()
	defer f.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset")
	}
	if rows.Len() > 0 {
		f.batches = append(f.batches, rows.Record(0)["batch_id"].(int64))
	}
	return nil
}

func (f *flakySink) Close() error { return nil }

func TestPipeline_FailingDestinationStallsAlone(t *testing.T) {
	e := newEnv(t)
	firstFile(t, e.in)
	secondFile(t, e.in)
	flaky := &flakySink{failures: 2}
	purchases, err := file.NewToFile(e.ctx, "purchases", filepath.Join(e.out, "purchases.jsonl"), sinks.Append)
	require.NoError(t, err)
	pc, d := e.open(t, WithDestinations([]forward.Destination{
		{Name: "raw-events", Kind: sinks.KindEvents, Sink: flaky},
		{Name: "purchases", Kind: sinks.KindPurchases, Sink: purchases},
	}))
	defer func() { assert.NoError(t, pc.Close()) }()

	s1 := nextBatch(t, e.ctx, d)
	assert.Equal(t, []string{"raw-events"}, s1.Stalled())
	last, ok, err := pc.Checkpoints.LastCommitted(e.ctx, "raw-events")
	require.NoError(t, err)
	assert.False(t, ok)
	last, ok, err = pc.Checkpoints.LastCommitted(e.ctx, "purchases")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), last)

	s2 := nextBatch(t, e.ctx, d)
	assert.Empty(t, s2.Stalled())
	assert.Equal(t, []int64{1, 2}, flaky.batches)
	last, _, err = pc.Checkpoints.LastCommitted(e.ctx, "raw-events")
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestPipeline_RunBounded(t *testing.T) {
	e := newEnv(t)
	firstFile(t, e.in)
	secondFile(t, e.in)
	e.cfg.Batches = 2
	pc, d := e.open(t)
	defer func() { assert.NoError(t, pc.Close()) }()

	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 2, d.Batches())
	assert.NoError(t, ctx.Err())
}

func TestPipeline_RunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	pc, d := e.open(t)
	defer func() { assert.NoError(t, pc.Close()) }()

	ctx, cancel := context.WithTimeout(e.ctx, 50*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Run(ctx))
	assert.Zero(t, d.Batches())
}

func TestThroughput(t *testing.T) {
	tp := newThroughput(3)
	assert.Equal(t, 0.0, tp.observe(10, 0))
	assert.Equal(t, 100.0, tp.observe(100, 1))
	assert.Equal(t, 150.0, tp.observe(200, 1))
	assert.Equal(t, 150.0, tp.rate())
}
