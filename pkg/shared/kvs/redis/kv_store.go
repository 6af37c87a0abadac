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

// Package redis implements the KV store on Redis, one hash per bucket.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/shared/kvs"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Prefix namespaces the bucket hashes, "ecomflow" when empty.
	Prefix string
}

type redisStore struct {
	bucketName string
	hashKey    string
	client     redis.Cmdable
	log        *zap.SugaredLogger
}

var _ kvs.KVStorer = (*redisStore)(nil)

func newRedisStore(ctx context.Context, client redis.Cmdable, prefix, bucketName string) *redisStore {
	return &redisStore{
		bucketName: bucketName,
		hashKey:    prefix + ":" + bucketName,
		client:     client,
		log:        logging.FromContext(ctx).With("bucketName", bucketName, "store", "redis"),
	}
}

func (s *redisStore) GetAllKeys(ctx context.Context) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", s.hashKey, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *redisStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.HGet(ctx, s.hashKey, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("key %s: %w", key, kvs.ErrKeyNotFound)
	}
	return b, err
}

func (s *redisStore) PutKV(ctx context.Context, key string, value []byte) error {
	return s.client.HSet(ctx, s.hashKey, key, value).Err()
}

func (s *redisStore) DeleteKey(ctx context.Context, key string) error {
	n, err := s.client.HDel(ctx, s.hashKey, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("key %s: %w", key, kvs.ErrKeyNotFound)
	}
	return nil
}

func (s *redisStore) GetStoreName() string {
	return s.bucketName
}

// Close is a no-op, the connection is owned by the factory.
func (s *redisStore) Close() error {
	return nil
}

type factory struct {
	client *redis.Client
	prefix string
}

// NewFactory connects to Redis and pings it. An unreachable server is an error.
func NewFactory(ctx context.Context, opts Options) (kvs.Factory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "ecomflow"
	}
	logging.FromContext(ctx).Infow("Connected to redis state store", zap.String("addr", opts.Addr), zap.String("prefix", prefix))
	return &factory{client: client, prefix: prefix}, nil
}

func (f *factory) Open(ctx context.Context, bucket string) (kvs.KVStorer, error) {
	return newRedisStore(ctx, f.client, f.prefix, bucket), nil
}

func (f *factory) Close() error {
	return f.client.Close()
}
