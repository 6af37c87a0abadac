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

package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/ecomflow/pkg/events"
	"github.com/numaproj/ecomflow/pkg/shared/kvs"
	"github.com/numaproj/ecomflow/pkg/shared/kvs/fs"
	"github.com/numaproj/ecomflow/pkg/shared/kvs/inmem"
)

func ref(name string) events.FileRef {
	return events.FileRef{Name: name, Signature: "100-1"}
}

func newRegistry(t *testing.T, kv kvs.KVStorer) *Registry {
	r := New(context.Background(), kv, 3)
	require.NoError(t, r.Load(context.Background()))
	return r
}

func TestRegistry_AssignAndIngest(t *testing.T) {
	ctx := context.Background()
	kv, _ := inmem.NewKVInMemKVStore(ctx, "registry")
	r := newRegistry(t, kv)

	id, err := r.Assign(ctx, []events.FileRef{ref("events_batch_00001.csv")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	id, err = r.Assign(ctx, []events.FileRef{ref("events_batch_00002.csv"), ref("events_batch_00003.csv")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	pending := r.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "events_batch_00001.csv", pending[0].Name)
	assert.Equal(t, int64(2), pending[2].BatchID)
	assert.False(t, r.IsExcluded("events_batch_00001.csv"))

	require.NoError(t, r.MarkIngested(ctx, []events.FileRef{ref("events_batch_00001.csv")}))
	assert.True(t, r.IsExcluded("events_batch_00001.csv"))
	assert.Len(t, r.Pending(), 2)

	_, err = r.Assign(ctx, []events.FileRef{ref("events_batch_00001.csv")})
	assert.Error(t, err, "an ingested file can not be handed out again")
	assert.Error(t, r.MarkIngested(ctx, []events.FileRef{ref("unknown.csv")}))
	_, err = r.Assign(ctx, nil)
	assert.Error(t, err)
}

func TestRegistry_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := fs.NewFactory(t.TempDir())
	kv, err := f.Open(ctx, "registry")
	require.NoError(t, err)
	r := newRegistry(t, kv)
	_, err = r.Assign(ctx, []events.FileRef{ref("a.csv")})
	require.NoError(t, err)
	require.NoError(t, r.MarkIngested(ctx, []events.FileRef{ref("a.csv")}))
	_, err = r.Assign(ctx, []events.FileRef{ref("b.csv")})
	require.NoError(t, err)

	kv2, err := f.Open(ctx, "registry")
	require.NoError(t, err)
	r2 := newRegistry(t, kv2)
	assert.True(t, r2.IsExcluded("a.csv"))
	pending := r2.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "b.csv", pending[0].Name)
	assert.Equal(t, int64(2), pending[0].BatchID)

	id, err := r2.Assign(ctx, []events.FileRef{ref("c.csv")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), id, "batch ids keep increasing across restarts")
	assert.Equal(t, map[Status]int{StatusIngested: 1, StatusPending: 2}, r2.Counts())
}

func TestRegistry_RecordFailure(t *testing.T) {
	ctx := context.Background()
	kv, _ := inmem.NewKVInMemKVStore(ctx, "registry")
	r := newRegistry(t, kv)
	cause := errors.New("unexpected EOF")

	_, err := r.Assign(ctx, []events.FileRef{ref("bad.csv")})
	require.NoError(t, err)

	excluded, err := r.RecordFailure(ctx, ref("bad.csv"), cause, false)
	require.NoError(t, err)
	assert.False(t, excluded)
	e, ok := r.Get("bad.csv")
	require.True(t, ok)
	assert.Equal(t, int64(1), e.BatchID, "a retried file keeps its batch id")
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "unexpected EOF", e.LastError)
	require.Len(t, r.Pending(), 1)
	assert.True(t, r.IsAssigned("bad.csv"))
	assert.False(t, r.IsExcluded("bad.csv"))

	excluded, _ = r.RecordFailure(ctx, ref("bad.csv"), cause, false)
	assert.False(t, excluded)
	excluded, _ = r.RecordFailure(ctx, ref("bad.csv"), cause, false)
	assert.True(t, excluded)
	assert.True(t, r.IsExcluded("bad.csv"))
	assert.False(t, r.IsAssigned("bad.csv"))
	assert.Empty(t, r.Pending())

	// a file failing before it was assigned holds no batch id
	excluded, err = r.RecordFailure(ctx, ref("new.csv"), cause, false)
	require.NoError(t, err)
	assert.False(t, excluded)
	assert.False(t, r.IsAssigned("new.csv"))

	excluded, err = r.RecordFailure(ctx, ref("header.csv"), errors.New("header mismatch"), true)
	require.NoError(t, err)
	assert.True(t, excluded)
	e, _ = r.Get("header.csv")
	assert.Equal(t, StatusFailed, e.Status)
}
