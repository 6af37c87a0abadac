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

// Package fs implements the KV store on the local filesystem. Every key is
// one file inside the bucket directory, replaced atomically on each put.
package fs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/shared/kvs"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
	"github.com/numaproj/ecomflow/pkg/shared/util"
)

const fileSuffix = ".json"

type fsStore struct {
	bucketName string
	dir        string
	lock       sync.RWMutex
	log        *zap.SugaredLogger
}

var _ kvs.KVStorer = (*fsStore)(nil)

// NewKVFSStore creates the bucket directory under root if needed.
func NewKVFSStore(ctx context.Context, root, bucketName string) (kvs.KVStorer, error) {
	dir := filepath.Join(root, bucketName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create kv bucket dir %s: %w", dir, err)
	}
	return &fsStore{
		bucketName: bucketName,
		dir:        dir,
		log:        logging.FromContext(ctx).With("bucketName", bucketName, "dir", dir),
	}, nil
}

func (s *fsStore) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+fileSuffix)
}

func (s *fsStore) GetAllKeys(_ context.Context) ([]string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			s.log.Warnw("Skipping unrecognized file in kv bucket", zap.String("file", name))
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fsStore) GetValue(_ context.Context, key string) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("key %s: %w", key, kvs.ErrKeyNotFound)
	}
	return b, err
}

func (s *fsStore) PutKV(_ context.Context, key string, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return util.WriteFileAtomic(s.path(key), value, 0o644)
}

func (s *fsStore) DeleteKey(_ context.Context, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("key %s: %w", key, kvs.ErrKeyNotFound)
	}
	if err != nil {
		return err
	}
	return util.SyncDir(s.dir)
}

func (s *fsStore) GetStoreName() string {
	return s.bucketName
}

func (s *fsStore) Close() error {
	return nil
}

type factory struct {
	root string
}

// NewFactory returns a factory creating buckets as sub directories of root.
func NewFactory(root string) kvs.Factory {
	return &factory{root: root}
}

func (f *factory) Open(ctx context.Context, bucket string) (kvs.KVStorer, error) {
	return NewKVFSStore(ctx, f.root, bucket)
}

func (f *factory) Close() error {
	return nil
}
