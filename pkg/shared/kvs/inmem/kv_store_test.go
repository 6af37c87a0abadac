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

package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/ecomflow/pkg/shared/kvs"
)

func TestInMemStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewKVInMemKVStore(ctx, "checkpoints")
	require.NoError(t, err)
	assert.Equal(t, "checkpoints", s.GetStoreName())

	_, err = s.GetValue(ctx, "missing")
	assert.ErrorIs(t, err, kvs.ErrKeyNotFound)

	buf := []byte("v1")
	require.NoError(t, s.PutKV(ctx, "b", buf))
	require.NoError(t, s.PutKV(ctx, "a", []byte("v0")))
	buf[0] = 'x'
	v, err := s.GetValue(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v), "values are copied on put")

	keys, err := s.GetAllKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.DeleteKey(ctx, "a"))
	assert.ErrorIs(t, s.DeleteKey(ctx, "a"), kvs.ErrKeyNotFound)

	require.NoError(t, s.Close())
	assert.Error(t, s.PutKV(ctx, "c", []byte("v")))
}

func TestFactory_ReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	f := NewFactory()
	s, err := f.Open(ctx, "registry")
	require.NoError(t, err)
	require.NoError(t, s.PutKV(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s2, err := f.Open(ctx, "registry")
	require.NoError(t, err)
	v, err := s2.GetValue(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
	assert.NoError(t, s2.PutKV(ctx, "k2", []byte("v")))
}
