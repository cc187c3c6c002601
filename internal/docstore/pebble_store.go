package docstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store using PebbleDB. Pebble has no transactions, so
// Updates are serialized by a writer lock and staged in an indexed batch that
// is committed with a WAL sync.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:          64 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 8,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func (p *PebbleStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.db.NewIndexedBatch()
	defer b.Close()
	if err := fn(&pebbleTx{r: b, w: b}); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (p *PebbleStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := p.db.NewSnapshot()
	defer snap.Close()
	return fn(&pebbleTx{r: snap})
}

type pebbleTx struct {
	r pebble.Reader
	w *pebble.Batch
}

func (t *pebbleTx) Get(collection, id string, out any) error {
	v, closer, err := t.r.Get(docKey(collection, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return decodeDoc(v, out)
}

func (t *pebbleTx) Put(collection, id string, doc any) error {
	if t.w == nil {
		return ErrReadOnly
	}
	bytes, err := encodeDoc(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return t.w.Set(docKey(collection, id), bytes, nil)
}

func (t *pebbleTx) Delete(collection, id string) error {
	if t.w == nil {
		return ErrReadOnly
	}
	return t.w.Delete(docKey(collection, id), nil)
}

func (t *pebbleTx) Scan(collection string, fn func(id string, raw []byte) error) error {
	lower := collectionPrefix(collection)
	// "0" sorts right after "/", the collection separator.
	upper := []byte(collection + "0")
	it, err := t.r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		v := append([]byte(nil), it.Value()...)
		if err := fn(idFromKey(collection, k), v); err != nil {
			return err
		}
	}
	return it.Error()
}
