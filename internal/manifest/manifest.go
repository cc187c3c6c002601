// Package manifest publishes and reads the pointer to the latest backup.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/kafka-go"

	"storefront/internal/changelog"
)

const (
	FileName   = "manifest.latest.json"
	DefaultKey = "storefront-manifest-latest"
)

var ErrNoManifest = errors.New("no manifest found")

type Manifest struct {
	SnapshotID string `json:"snapshotId"`
	// ChangelogOffset is the number of changelog events covered by the
	// snapshot; replay starts after it.
	ChangelogOffset      int64 `json:"changelogOffset"`
	Documents            int   `json:"documents"`
	CreatedAtEpochSecond int64 `json:"createdAt"`
}

// Age is how old m is at now.
func (m Manifest) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(m.CreatedAtEpochSecond, 0))
}

type Publisher interface {
	PublishLatest(ctx context.Context, m Manifest) error
}

type Reader interface {
	ReadLatest(ctx context.Context) (Manifest, error)
}

// MultiPublisher writes to multiple publishers sequentially.
type MultiPublisher []Publisher

func (m MultiPublisher) PublishLatest(ctx context.Context, man Manifest) error {
	for _, p := range m {
		if err := p.PublishLatest(ctx, man); err != nil {
			return err
		}
	}
	return nil
}

func stamp(m Manifest) Manifest {
	if m.CreatedAtEpochSecond == 0 {
		m.CreatedAtEpochSecond = time.Now().UTC().Unix()
	}
	return m
}

type FilesystemManifest struct {
	baseDir string
}

func NewFilesystemManifest(baseDir string) *FilesystemManifest {
	return &FilesystemManifest{baseDir: baseDir}
}

func (f *FilesystemManifest) PublishLatest(_ context.Context, m Manifest) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	m = stamp(m)
	b, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	// write then rename so a reader never sees a torn pointer
	file := filepath.Join(f.baseDir, FileName)
	if err := os.WriteFile(file+".tmp", b, 0o644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return os.Rename(file+".tmp", file)
}

func (f *FilesystemManifest) ReadLatest(context.Context) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, ErrNoManifest
		}
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// KafkaManifest publishes the manifest as a keyed record on a compacted topic.
type KafkaManifest struct {
	writer kafkaMessageWriter
	key    []byte
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaManifest creates a Kafka manifest publisher.
// bootstrap can be comma-separated brokers.
func NewKafkaManifest(bootstrap string, topic string, key string) *KafkaManifest {
	if key == "" {
		key = DefaultKey
	}
	return &KafkaManifest{writer: &kafka.Writer{
		Addr:         kafka.TCP(changelog.Brokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, key: []byte(key)}
}

// NewKafkaManifestWith is only for tests to inject a fake writer.
func NewKafkaManifestWith(w kafkaMessageWriter, key string) *KafkaManifest {
	return &KafkaManifest{writer: w, key: []byte(key)}
}

func (k *KafkaManifest) PublishLatest(ctx context.Context, m Manifest) error {
	b, err := json.Marshal(stamp(m))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: k.key, Value: b})
}

// kafkaMessageReader abstracts kafka.Reader for testability.
type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaReader scans the manifest topic and keeps the last record for its key.
type KafkaReader struct {
	open    func() kafkaMessageReader
	key     []byte
	Timeout time.Duration
}

func NewKafkaReader(bootstrap, topic, key string) *KafkaReader {
	if key == "" {
		key = DefaultKey
	}
	brokers := changelog.Brokers(bootstrap)
	return &KafkaReader{
		open: func() kafkaMessageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:   brokers,
				Topic:     topic,
				Partition: 0,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
		},
		key:     []byte(key),
		Timeout: 10 * time.Second,
	}
}

// NewKafkaReaderWith is only for tests to inject a fake reader.
func NewKafkaReaderWith(r kafkaMessageReader, key string) *KafkaReader {
	return &KafkaReader{open: func() kafkaMessageReader { return r }, key: []byte(key), Timeout: time.Second}
}

// ReadLatest reads until the topic is idle for Timeout. Fine for a compacted
// topic that holds a handful of records.
func (k *KafkaReader) ReadLatest(ctx context.Context) (Manifest, error) {
	r := k.open()
	defer r.Close()

	ctx, cancel := context.WithTimeout(ctx, k.Timeout)
	defer cancel()

	var last Manifest
	found := false
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(m.Key) != string(k.key) {
			continue
		}
		var man Manifest
		if err := json.Unmarshal(m.Value, &man); err != nil {
			return Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
		}
		last, found = man, true
	}
	if !found {
		return Manifest{}, ErrNoManifest
	}
	return last, nil
}
