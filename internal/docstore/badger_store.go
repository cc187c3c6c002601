package docstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store using BadgerDB's serializable transactions.
type BadgerStore struct {
	db         *badger.DB
	maxRetries int
}

// NewBadgerStore opens a store in dir. An empty dir opens an in-memory store.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(dir))
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db, maxRetries: 100}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

// Update runs fn in a read-write transaction. On a write conflict with a
// concurrently committed transaction fn is re-run against fresh data.
func (b *BadgerStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			return fn(&badgerTx{txn: txn})
		})
		if errors.Is(err, badger.ErrConflict) && attempt < b.maxRetries {
			continue
		}
		return err
	}
}

func (b *BadgerStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, readOnly: true})
	})
}

type badgerTx struct {
	txn      *badger.Txn
	readOnly bool
}

func (t *badgerTx) Get(collection, id string, out any) error {
	item, err := t.txn.Get(docKey(collection, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	return decodeDoc(v, out)
}

func (t *badgerTx) Put(collection, id string, doc any) error {
	if t.readOnly {
		return ErrReadOnly
	}
	bytes, err := encodeDoc(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return t.txn.Set(docKey(collection, id), bytes)
}

func (t *badgerTx) Delete(collection, id string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	return t.txn.Delete(docKey(collection, id))
}

func (t *badgerTx) Scan(collection string, fn func(id string, raw []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = collectionPrefix(collection)
	it := t.txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(idFromKey(collection, k), v); err != nil {
			return err
		}
	}
	return nil
}
