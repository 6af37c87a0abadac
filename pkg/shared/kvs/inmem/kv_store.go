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

/*
Package inmem implements the KV store in memory. It is used by tests and
by pipelines that do not need to survive a restart.
*/
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/shared/kvs"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
)

// inMemStore implements the KV store backed by a map.
type inMemStore struct {
	bucketName string
	kv         map[string][]byte
	lock       sync.RWMutex
	isClosed   bool
	log        *zap.SugaredLogger
}

var _ kvs.KVStorer = (*inMemStore)(nil)

// NewKVInMemKVStore returns inMemStore.
func NewKVInMemKVStore(ctx context.Context, bucketName string) (kvs.KVStorer, error) {
	s := &inMemStore{
		bucketName: bucketName,
		kv:         make(map[string][]byte),
		log:        logging.FromContext(ctx).With("bucketName", bucketName),
	}
	return s, nil
}

// GetAllKeys returns all the keys in the key-value store.
func (kv *inMemStore) GetAllKeys(_ context.Context) ([]string, error) {
	kv.lock.RLock()
	defer kv.lock.RUnlock()
	keys := make([]string, 0, len(kv.kv))
	for key := range kv.kv {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// GetValue returns the value for a given key.
func (kv *inMemStore) GetValue(_ context.Context, k string) ([]byte, error) {
	kv.lock.RLock()
	defer kv.lock.RUnlock()
	if val, ok := kv.kv[k]; ok {
		out := make([]byte, len(val))
		copy(out, val)
		return out, nil
	}
	return nil, fmt.Errorf("key %s: %w", k, kvs.ErrKeyNotFound)
}

// GetStoreName returns the store name.
func (kv *inMemStore) GetStoreName() string {
	return kv.bucketName
}

// DeleteKey deletes the key from the in mem key-value store.
func (kv *inMemStore) DeleteKey(_ context.Context, k string) error {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	if _, ok := kv.kv[k]; !ok {
		return fmt.Errorf("key %s: %w", k, kvs.ErrKeyNotFound)
	}
	delete(kv.kv, k)
	return nil
}

// PutKV puts an element to the in mem key-value store.
func (kv *inMemStore) PutKV(_ context.Context, k string, v []byte) error {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	if kv.isClosed {
		return fmt.Errorf("kv store %s is closed", kv.bucketName)
	}
	var val = make([]byte, len(v))
	copy(val, v)
	kv.kv[k] = val
	return nil
}

// Close marks the store closed, later writes fail.
func (kv *inMemStore) Close() error {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	kv.isClosed = true
	kv.log.Debug("in mem kv store closed")
	return nil
}

type factory struct {
	lock    sync.Mutex
	buckets map[string]kvs.KVStorer
}

// NewFactory returns a factory that hands out the same store for the same
// bucket, so state outlives a reopen within one process.
func NewFactory() kvs.Factory {
	return &factory{buckets: make(map[string]kvs.KVStorer)}
}

func (f *factory) Open(ctx context.Context, bucket string) (kvs.KVStorer, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if s, ok := f.buckets[bucket]; ok {
		s.(*inMemStore).reopen()
		return s, nil
	}
	s, err := NewKVInMemKVStore(ctx, bucket)
	if err != nil {
		return nil, err
	}
	f.buckets[bucket] = s
	return s, nil
}

func (f *factory) Close() error {
	return nil
}

func (kv *inMemStore) reopen() {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	kv.isClosed = false
}
