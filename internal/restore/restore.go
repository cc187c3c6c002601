// Package restore rebuilds a document store from the latest snapshot and the
// order-event changelog written after it.
package restore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/segmentio/kafka-go"

	"storefront/internal/changelog"
	"storefront/internal/docstore"
	"storefront/internal/manifest"
	"storefront/internal/metrics"
	"storefront/internal/model"
	"storefront/internal/snapshot"
)

type Restorer struct {
	Store         docstore.Store
	Manifests     manifest.Reader
	SnapshotDir   string
	ChangelogPath string
	Metrics       *metrics.Registry
}

type Result struct {
	SnapshotID  string
	Loaded      int // snapshot documents written
	Present     int // snapshot documents already in the store
	Applied     int // changelog events applied
	Skipped     int // changelog events already present
	ReplayBytes int64
}

func NewRestorer(st docstore.Store, mr manifest.Reader, snapshotDir, changelogPath string) *Restorer {
	return &Restorer{Store: st, Manifests: mr, SnapshotDir: snapshotDir, ChangelogPath: changelogPath}
}

// loadBatch bounds the documents written per transaction; Badger rejects
// transactions larger than a fraction of its memtable.
const loadBatch = 256

type snapshotDoc struct {
	collection, id string
	raw            json.RawMessage
}

// RestoreFromSnapshot writes every document of the snapshot that the store
// does not already hold. Existing documents are never overwritten, so running
// it twice is harmless, including after a run that stopped part way.
func (r *Restorer) RestoreFromSnapshot(ctx context.Context, snapshotID string) (loaded, present int, err error) {
	if snapshotID == "" {
		return 0, 0, nil
	}
	dump, err := snapshot.Read(r.SnapshotDir, snapshotID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("restore: snapshot %s not found under %s, skipping", snapshotID, r.SnapshotDir)
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("read snapshot: %w", err)
	}
	docs := make([]snapshotDoc, 0, dump.Count())
	for collection, byID := range dump {
		for id, raw := range byID {
			docs = append(docs, snapshotDoc{collection: collection, id: id, raw: raw})
		}
	}
	for start := 0; start < len(docs); start += loadBatch {
		end := start + loadBatch
		if end > len(docs) {
			end = len(docs)
		}
		var l, p int
		err := r.Store.Update(ctx, func(tx docstore.Tx) error {
			l, p = 0, 0
			for _, d := range docs[start:end] {
				err := tx.Get(d.collection, d.id, nil)
				if err == nil {
					p++
					continue
				}
				if !errors.Is(err, docstore.ErrNotFound) {
					return err
				}
				if err := tx.Put(d.collection, d.id, d.raw); err != nil {
					return err
				}
				l++
			}
			return nil
		})
		if err != nil {
			return loaded, present, fmt.Errorf("load snapshot: %w", err)
		}
		loaded += l
		present += p
	}
	log.Printf("restore: snapshot=%s loaded=%d present=%d", snapshotID, loaded, present)
	return loaded, present, nil
}

// ReplayChangelog applies the events of a JSONL changelog after the first
// fromOffset events.
func (r *Restorer) ReplayChangelog(ctx context.Context, path string, fromOffset int64) (Result, error) {
	events, n, err := changelog.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("restore: changelog %s not found, nothing to replay", path)
			return Result{}, nil
		}
		return Result{}, err
	}
	if fromOffset > int64(len(events)) {
		fromOffset = int64(len(events))
	}
	res, err := r.ReplayEvents(ctx, events[fromOffset:])
	res.ReplayBytes = n
	return res, err
}

// MessageReader is the part of kafka.Reader replay needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewKafkaReader reads the order-events topic from the start.
func NewKafkaReader(bootstrap, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:   changelog.Brokers(bootstrap),
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
}

// ReplayKafka consumes events until the topic stays idle for idle, skipping
// the first fromOffset messages.
func (r *Restorer) ReplayKafka(ctx context.Context, rd MessageReader, fromOffset int64, idle time.Duration) (Result, error) {
	defer rd.Close()
	var (
		events []model.OrderEvent
		bytes  int64
		idx    int64
	)
	for {
		rctx, cancel := context.WithTimeout(ctx, idle)
		m, err := rd.ReadMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if rctx.Err() != nil {
				break
			}
			return Result{}, fmt.Errorf("read kafka: %w", err)
		}
		idx++
		if idx <= fromOffset {
			continue
		}
		var ev model.OrderEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			return Result{}, fmt.Errorf("unmarshal event at %d: %w", idx, err)
		}
		bytes += int64(len(m.Value))
		events = append(events, ev)
	}
	res, err := r.ReplayEvents(ctx, events)
	res.ReplayBytes = bytes
	return res, err
}

// ReplayEvents writes each event that is not yet stored and moves its order
// to the event's status when the event is newer than the order.
func (r *Restorer) ReplayEvents(ctx context.Context, events []model.OrderEvent) (Result, error) {
	var res Result
	for i, ev := range events {
		if ev.ID == "" {
			res.Skipped++
			continue
		}
		applied := false
		err := r.Store.Update(ctx, func(tx docstore.Tx) error {
			applied = false
			err := tx.Get(docstore.OrderEvents, ev.ID, nil)
			if err == nil {
				return nil
			}
			if !errors.Is(err, docstore.ErrNotFound) {
				return err
			}
			if err := tx.Put(docstore.OrderEvents, ev.ID, ev); err != nil {
				return err
			}
			applied = true
			return applyToOrder(tx, ev)
		})
		if err != nil {
			return res, fmt.Errorf("apply event %d (%s): %w", i+1, ev.ID, err)
		}
		if applied {
			res.Applied++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

func applyToOrder(tx docstore.Tx, ev model.OrderEvent) error {
	if ev.Kind == model.EventCreated || ev.ToStatus == "" {
		return nil
	}
	var o model.Order
	if err := tx.Get(docstore.Orders, ev.OrderID, &o); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			log.Printf("restore: event %s for unknown order %s kept without order", ev.ID, ev.OrderID)
			return nil
		}
		return err
	}
	if !o.UpdatedAt.Before(ev.At) {
		return nil
	}
	o.Status = ev.ToStatus
	o.UpdatedAt = ev.At
	if ev.Kind == model.EventShipped && o.ShippedAt == nil {
		at := ev.At
		o.ShippedAt = &at
	}
	doc, err := docstore.Compact(o)
	if err != nil {
		return err
	}
	return tx.Put(docstore.Orders, o.ID, doc)
}

// RestoreAndReplay reads the latest manifest, loads its snapshot and replays
// the file changelog after the manifest offset.
func (r *Restorer) RestoreAndReplay(ctx context.Context) (Result, error) {
	start := time.Now()
	m, err := r.Manifests.ReadLatest(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read manifest: %w", err)
	}
	loaded, present, err := r.RestoreFromSnapshot(ctx, m.SnapshotID)
	if err != nil {
		return Result{}, fmt.Errorf("restore snapshot: %w", err)
	}
	res, err := r.ReplayChangelog(ctx, r.ChangelogPath, m.ChangelogOffset)
	res.SnapshotID, res.Loaded, res.Present = m.SnapshotID, loaded, present
	if r.Metrics != nil {
		r.Metrics.Applied.Add(float64(res.Applied))
		r.Metrics.Skipped.Add(float64(res.Skipped))
		r.Metrics.ReplayBytes.Add(float64(res.ReplayBytes))
		r.Metrics.TTRSec.Set(time.Since(start).Seconds())
		r.Metrics.LastManifestAgeSec.Set(m.Age(time.Now()).Seconds())
	}
	log.Printf("restore: snapshot=%s loaded=%d present=%d applied=%d skipped=%d bytes=%d ttr=%s",
		res.SnapshotID, res.Loaded, res.Present, res.Applied, res.Skipped, res.ReplayBytes, time.Since(start))
	return res, err
}
