// Package snapshot dumps the order collections of a document store to JSON.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"storefront/internal/docstore"
)

// FileName is the dump written inside each snapshot directory.
const FileName = "collections.json"

// Collections are the documents a snapshot carries. Rate-limit windows are
// ephemeral and left out.
var Collections = []string{
	docstore.Orders,
	docstore.OrderEvents,
	docstore.Counters,
	docstore.FailedNotifications,
	docstore.Admins,
}

// Dump maps collection to document id to the stored JSON.
type Dump map[string]map[string]json.RawMessage

type Snapshotter interface {
	WriteSnapshot(ctx context.Context, snapshotID string, st docstore.Store) (Dump, error)
}

type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

// Collect reads every snapshot collection inside one read transaction.
func Collect(ctx context.Context, st docstore.Store) (Dump, error) {
	dump := make(Dump, len(Collections))
	err := st.View(ctx, func(tx docstore.Tx) error {
		for _, c := range Collections {
			docs := make(map[string]json.RawMessage)
			if err := tx.Scan(c, func(id string, raw []byte) error {
				docs[id] = append(json.RawMessage(nil), raw...)
				return nil
			}); err != nil {
				return fmt.Errorf("scan %s: %w", c, err)
			}
			dump[c] = docs
		}
		return nil
	})
	return dump, err
}

func (f *FilesystemSnapshotter) WriteSnapshot(ctx context.Context, snapshotID string, st docstore.Store) (Dump, error) {
	dump, err := Collect(ctx, st)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(f.baseDir, snapshotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	tmp := filepath.Join(dir, FileName+".tmp")
	out, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		out.Close()
		return nil, fmt.Errorf("encode: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, FileName)); err != nil {
		return nil, fmt.Errorf("rename: %w", err)
	}
	return dump, nil
}

// Read loads the dump of snapshotID under baseDir.
func Read(baseDir, snapshotID string) (Dump, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, snapshotID, FileName))
	if err != nil {
		return nil, err
	}
	var dump Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return dump, nil
}

// Count is the number of documents in d.
func (d Dump) Count() int {
	n := 0
	for _, docs := range d {
		n += len(docs)
	}
	return n
}
