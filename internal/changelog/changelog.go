// Package changelog mirrors every committed order event to an append-only
// log (JSONL file, Kafka topic, or both) for downstream consumers and restore.
package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"

	"storefront/internal/model"
)

type Writer interface {
	Append(ctx context.Context, ev model.OrderEvent) error
}

// MultiWriter fans out writes to multiple underlying writers.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(ctx context.Context, ev model.OrderEvent) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Append(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type FileWriter struct {
	mu   sync.Mutex
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Append(_ context.Context, ev model.OrderEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(&ev); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// ReadFile returns every event in a JSONL changelog in append order. A torn
// last line (crash mid-append) is ignored.
func ReadFile(path string) ([]model.OrderEvent, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open changelog: %w", err)
	}
	defer f.Close()
	var out []model.OrderEvent
	var bytes int64
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for s.Scan() {
		line := s.Bytes()
		bytes += int64(len(line)) + 1
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var ev model.OrderEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := s.Err(); err != nil {
		return nil, bytes, fmt.Errorf("scan changelog: %w", err)
	}
	return out, bytes, nil
}

// KafkaWriter publishes order events to a Kafka topic keyed by order id, so
// events of one order stay on one partition. Pure-Go client (segmentio/kafka-go).
type KafkaWriter struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter creates a Kafka writer.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(Brokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}}
}

// Brokers splits a comma-separated bootstrap list.
func Brokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

func (k *KafkaWriter) Append(ctx context.Context, ev model.OrderEvent) error {
	b, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.OrderID),
		Value:   b,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(ev.Kind)}},
	})
}

func (k *KafkaWriter) Close() error {
	if c, ok := k.writer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}
