// Package docstore is a small transactional document store over an embedded
// key-value engine. Documents are JSON values addressed by collection and id.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrUnavailable = errors.New("document store unavailable")
	ErrReadOnly    = errors.New("write in read-only transaction")
)

// Collections used by the storefront.
const (
	Orders              = "orders"
	OrderEvents         = "order-events"
	RateLimits          = "rate_limits"
	Admins              = "admins"
	Counters            = "counters"
	FailedNotifications = "failed_notifications"
)

// Tx is a read-write view valid for the duration of one Update or View call.
type Tx interface {
	Get(collection, id string, out any) error
	Put(collection, id string, doc any) error
	Delete(collection, id string) error
	// Scan visits every document of a collection in id order.
	Scan(collection string, fn func(id string, raw []byte) error) error
}

// Store runs functions inside transactions. Update is atomic: either every
// Put/Delete made by fn is committed or none is, and concurrent Updates that
// touch the same documents serialize.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Provider hands out the process-wide store.
type Provider interface {
	Store() (Store, error)
}

// Open opens a backend by name: badger, pebble or memory.
func Open(backend, dir string) (Store, error) {
	switch backend {
	case "", "badger":
		return NewBadgerStore(dir)
	case "pebble":
		return NewPebbleStore(dir)
	case "memory":
		return NewBadgerStore("")
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}

// Lazy opens the store on first use and caches it. A failed open is retried
// on the next call so a recovered backend is picked up without a restart.
type Lazy struct {
	open func() (Store, error)

	mu sync.Mutex
	st Store
}

func NewLazy(open func() (Store, error)) *Lazy {
	return &Lazy{open: open}
}

func (l *Lazy) Store() (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st != nil {
		return l.st, nil
	}
	if l.open == nil {
		return nil, ErrUnavailable
	}
	st, err := l.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.st = st
	return st, nil
}

// Close closes the store if it was opened.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil
	}
	err := l.st.Close()
	l.st = nil
	return err
}

// Static wraps an already opened store.
type Static struct{ S Store }

func (s Static) Store() (Store, error) {
	if s.S == nil {
		return nil, ErrUnavailable
	}
	return s.S, nil
}

func docKey(collection, id string) []byte {
	return []byte(collection + "/" + id)
}

func collectionPrefix(collection string) []byte {
	return []byte(collection + "/")
}

func idFromKey(collection string, k []byte) string {
	return strings.TrimPrefix(string(k), collection+"/")
}

func encodeDoc(doc any) ([]byte, error) {
	switch v := doc.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	return json.Marshal(doc)
}

func decodeDoc(val []byte, out any) error {
	if out == nil {
		return nil
	}
	return json.Unmarshal(val, out)
}

// Compact converts doc to its JSON object form and drops null values and empty
// strings at every depth, so stored documents only hold present keys.
func Compact(doc any) (map[string]any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("compact marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("compact unmarshal: %w", err)
	}
	pruneMap(m)
	return m, nil
}

func pruneMap(m map[string]any) {
	for k, v := range m {
		if isEmpty(v) {
			delete(m, k)
			continue
		}
		prune(v)
	}
}

func prune(v any) {
	switch t := v.(type) {
	case map[string]any:
		pruneMap(t)
	case []any:
		for _, e := range t {
			prune(e)
		}
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	return false
}
