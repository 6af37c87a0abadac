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

package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/numaproj/ecomflow/pkg/metrics"
	"github.com/numaproj/ecomflow/pkg/shared/logging"
	"github.com/numaproj/ecomflow/pkg/sinks"
)

const sinkType = "kafka"

// ToKafka produce the rows to a kafka topic. Every row is one JSON message
// keyed by its key columns, so consumers of a compacted topic see the
// latest version of each upserted row.
type ToKafka struct {
	name     string
	producer sarama.SyncProducer
	topic    string
	log      *zap.SugaredLogger
}

type Option func(*ToKafka) error

func WithLogger(log *zap.SugaredLogger) Option {
	return func(t *ToKafka) error {
		t.log = log
		return nil
	}
}

// NewToKafka returns ToKafka type.
func NewToKafka(ctx context.Context, name string, brokers []string, topic, config string, opts ...Option) (*ToKafka, error) {
	toKafka := new(ToKafka)
	for _, o := range opts {
		if err := o(toKafka); err != nil {
			return nil, err
		}
	}
	if toKafka.log == nil {
		toKafka.log = logging.FromContext(ctx)
	}
	toKafka.log = toKafka.log.With("sinkType", sinkType, "topic", topic, "destination", name)
	toKafka.name = name
	toKafka.topic = topic
	if len(brokers) == 0 {
		return nil, errors.New("kafka destination requires at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka destination requires a topic")
	}
	cfg, err := GetSaramaConfigFromYAMLString(config)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer. %w", err)
	}
	toKafka.producer = producer
	return toKafka, nil
}

// GetName returns the name.
func (tk *ToKafka) GetName() string {
	return tk.name
}

func (tk *ToKafka) messages(rows *sinks.Rows) ([]*sarama.ProducerMessage, error) {
	msgs := make([]*sarama.ProducerMessage, 0, rows.Len())
	for i := range rows.Values {
		key, err := json.Marshal(rows.Key(i))
		if err != nil {
			return nil, fmt.Errorf("failed to encode key of row %d: %w", i, err)
		}
		value, err := json.Marshal(rows.Record(i))
		if err != nil {
			return nil, fmt.Errorf("failed to encode row %d: %w", i, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: tk.topic,
			Key:   sarama.ByteEncoder(key),
			Value: sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{
				{Key: []byte("kind"), Value: []byte(rows.Kind)},
				{Key: []byte("mode"), Value: []byte(rows.Mode)},
			},
		})
	}
	return msgs, nil
}

// Write produces every row and returns once the brokers acknowledged all of them.
func (tk *ToKafka) Write(_ context.Context, rows *sinks.Rows) error {
	if rows.Len() == 0 {
		return nil
	}
	msgs, err := tk.messages(rows)
	if err != nil {
		return err
	}
	if err := tk.producer.SendMessages(msgs); err != nil {
		var perrs sarama.ProducerErrors
		failed := len(msgs)
		if errors.As(err, &perrs) {
			failed = len(perrs)
		}
		metrics.SinkWriteErrors.WithLabelValues(tk.name, sinkType).Add(float64(failed))
		tk.log.Errorw("SendMessages failed", zap.Error(err), zap.Int("failed", failed), zap.Int("total", len(msgs)))
		return fmt.Errorf("failed to produce %d of %d messages to %s: %w", failed, len(msgs), tk.topic, err)
	}
	metrics.SinkWriteRows.WithLabelValues(tk.name, sinkType).Add(float64(len(msgs)))
	return nil
}

func (tk *ToKafka) Close() error {
	tk.log.Info("Closing kafka producer...")
	return tk.producer.Close()
}
