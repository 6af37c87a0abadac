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

// Package kvs defines the storage used for the durable pipeline state: the
// source registry, the destination checkpoints and the aggregator snapshot.
package kvs

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by GetValue and DeleteKey for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// KVStorer is a single bucket of durable key-value pairs.
// Exactly one pipeline instance writes to a bucket.
type KVStorer interface {
	// GetAllKeys the keys from KV store, sorted.
	GetAllKeys(context.Context) ([]string, error)
	// DeleteKey deletes the key from KV store.
	DeleteKey(context.Context, string) error
	// PutKV inserts a key-value pair into the KV store. The value is durable once PutKV returns.
	PutKV(context.Context, string, []byte) error
	// GetValue gets the value of the given key.
	GetValue(context.Context, string) ([]byte, error)
	// GetStoreName returns the bucket name of the KV store.
	GetStoreName() string
	// Close closes the backend connection
	Close() error
}

// Factory opens buckets on one backend.
type Factory interface {
	Open(ctx context.Context, bucket string) (KVStorer, error)
	Close() error
}
