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

package redis

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/ecomflow/pkg/shared/kvs"
)

// Requires a running server, e.g. ECOMFLOW_TEST_REDIS_ADDR=localhost:6379.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("ECOMFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ECOMFLOW_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	f, err := NewFactory(ctx, Options{Addr: addr, Prefix: "ecomflow-test-" + uuid.NewString()})
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	s, err := f.Open(ctx, "checkpoints")
	require.NoError(t, err)
	_, err = s.GetValue(ctx, "raw-events")
	assert.ErrorIs(t, err, kvs.ErrKeyNotFound)

	require.NoError(t, s.PutKV(ctx, "raw-events", []byte("3")))
	require.NoError(t, s.PutKV(ctx, "aggregates", []byte("2")))
	v, err := s.GetValue(ctx, "raw-events")
	require.NoError(t, err)
	assert.Equal(t, "3", string(v))

	keys, err := s.GetAllKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"aggregates", "raw-events"}, keys)

	require.NoError(t, s.DeleteKey(ctx, "aggregates"))
	assert.ErrorIs(t, s.DeleteKey(ctx, "aggregates"), kvs.ErrKeyNotFound)
}

func TestNewFactory_Unreachable(t *testing.T) {
	_, err := NewFactory(context.Background(), Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
