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

package checkpoint

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/ecomflow/pkg/shared/kvs/fs"
	"github.com/numaproj/ecomflow/pkg/shared/kvs/inmem"
)

func TestManager_Commit(t *testing.T) {
	ctx := context.Background()
	kv, err := inmem.NewKVInMemKVStore(ctx, "checkpoints")
	require.NoError(t, err)
	m := NewManager(ctx, kv)

	_, ok, err := m.LastCommitted(ctx, "raw-events")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Commit(ctx, "raw-events", 1))
	require.NoError(t, m.Commit(ctx, "raw-events", 2))

	err = m.Commit(ctx, "raw-events", 2)
	assert.ErrorIs(t, err, ErrNonMonotonicCommit)
	err = m.Commit(ctx, "raw-events", 1)
	assert.ErrorIs(t, err, ErrNonMonotonicCommit)

	last, ok, err := m.LastCommitted(ctx, "raw-events")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), last)

	// destinations are independent
	require.NoError(t, m.Commit(ctx, "aggregates", 1))
	last, _, _ = m.LastCommitted(ctx, "aggregates")
	assert.Equal(t, int64(1), last)
}

func TestManager_CommitMaySkipIDs(t *testing.T) {
	ctx := context.Background()
	kv, err := inmem.NewKVInMemKVStore(ctx, "checkpoints")
	require.NoError(t, err)
	m := NewManager(ctx, kv)

	require.NoError(t, m.Commit(ctx, "purchases", 3))
	require.NoError(t, m.Commit(ctx, "purchases", 7))
	last, ok, err := m.LastCommitted(ctx, "purchases")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), last)
	assert.ErrorIs(t, m.Commit(ctx, "purchases", 5), ErrNonMonotonicCommit)
}

func TestManager_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := fs.NewFactory(t.TempDir())
	kv, err := f.Open(ctx, "checkpoints")
	require.NoError(t, err)
	m := NewManager(ctx, kv)
	require.NoError(t, m.Commit(ctx, "purchases", 4))
	require.NoError(t, m.Commit(ctx, "raw-events", 5))

	kv2, err := f.Open(ctx, "checkpoints")
	require.NoError(t, err)
	m2 := NewManager(ctx, kv2)
	require.NoError(t, m2.Load(ctx))
	records := m2.Records()
	assert.Len(t, records, 2)
	assert.Equal(t, int64(4), records["purchases"].BatchID)
	assert.Equal(t, int64(5), records["raw-events"].BatchID)
	assert.False(t, records["raw-events"].CommittedAt.IsZero())

	assert.ErrorIs(t, m2.Commit(ctx, "purchases", 4), ErrNonMonotonicCommit)
	assert.NoError(t, m2.Commit(ctx, "purchases", 5))
}

func TestManager_ConcurrentDestinations(t *testing.T) {
	ctx := context.Background()
	kv, err := inmem.NewKVInMemKVStore(ctx, "checkpoints")
	require.NoError(t, err)
	m := NewManager(ctx, kv)
	var wg sync.WaitGroup
	for _, dest := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(dest string) {
			defer wg.Done()
			for i := int64(1); i <= 20; i++ {
				assert.NoError(t, m.Commit(ctx, dest, i))
			}
		}(dest)
	}
	wg.Wait()
	for _, dest := range []string{"a", "b", "c"} {
		last, ok, err := m.LastCommitted(ctx, dest)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(20), last)
	}
}
