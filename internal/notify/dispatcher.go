// Package notify sends order emails after the order is committed and records
// each outcome on the order. It never changes order status and never returns
// a delivery failure to the caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"storefront/internal/clock"
	"storefront/internal/metrics"
	"storefront/internal/model"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = 15 * time.Second

	reasonNotConfigured = "email provider not configured"
	reasonNoRecipient   = "no recipient address"
)

// Recorder persists delivery outcomes.
type Recorder interface {
	RecordDelivery(ctx context.Context, orderID, channel string, d model.Delivery) error
	AppendFailedNotification(ctx context.Context, orderID, kind, recipient string, cause error) (model.FailedNotification, error)
}

type job struct {
	kinds []string
	order model.Order
}

// Dispatcher runs notification jobs on a fixed pool of workers fed by a
// bounded channel.
type Dispatcher struct {
	Mailer      Mailer // nil: every send is recorded as skipped
	Recorder    Recorder
	AdminEmail  string
	SendTimeout time.Duration
	Metrics     *metrics.Registry
	Now         func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

func NewDispatcher(m Mailer, r Recorder, adminEmail string, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		Mailer:      m,
		Recorder:    r,
		AdminEmail:  adminEmail,
		SendTimeout: DefaultSendTimeout,
		Now:         clock.Now,
		queue:       make(chan job, queueSize),
	}
}

// Start launches n workers.
func (d *Dispatcher) Start(n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	log.Printf("notify: dispatcher started workers=%d queue=%d", n, cap(d.queue))
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for j := range d.queue {
		if d.Metrics != nil {
			d.Metrics.NotifyQueueLen.Set(float64(len(d.queue)))
		}
		d.run(id, j)
	}
}

func (d *Dispatcher) run(worker int, j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("notify: worker=%d panic order=%s: %v", worker, j.order.ID, r)
		}
	}()
	d.deliverAll(context.Background(), j.order, j.kinds, true)
}

// Enqueue schedules the customer and admin emails for o. It never blocks.
func (d *Dispatcher) Enqueue(o model.Order) error {
	return d.enqueue(job{kinds: []string{model.NotifyCustomer, model.NotifyAdmin}, order: o})
}

// EnqueueShipped schedules the shipping email for o.
func (d *Dispatcher) EnqueueShipped(o model.Order) error {
	return d.enqueue(job{kinds: []string{model.NotifyShipping}, order: o})
}

func (d *Dispatcher) enqueue(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- j:
		if d.Metrics != nil {
			d.Metrics.NotifyQueueLen.Set(float64(len(d.queue)))
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

// Notify sends the customer and admin emails for o synchronously. A failure
// of one does not prevent the other.
func (d *Dispatcher) Notify(ctx context.Context, o model.Order) map[string]model.Delivery {
	return d.deliverAll(ctx, o, []string{model.NotifyCustomer, model.NotifyAdmin}, true)
}

func (d *Dispatcher) deliverAll(ctx context.Context, o model.Order, kinds []string, ledger bool) map[string]model.Delivery {
	out := make(map[string]model.Delivery, len(kinds))
	for _, kind := range kinds {
		out[kind] = d.deliver(ctx, o, kind, ledger)
	}
	return out
}

func (d *Dispatcher) recipient(o model.Order, kind string) string {
	if kind == model.NotifyAdmin {
		return d.AdminEmail
	}
	return o.Customer.Email
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return clock.Now()
}

// deliver sends one kind and records the outcome. When ledger is set a
// failure also gets a failed_notifications row.
func (d *Dispatcher) deliver(ctx context.Context, o model.Order, kind string, ledger bool) model.Delivery {
	to := d.recipient(o, kind)
	var del model.Delivery
	var sendErr error
	switch {
	case d.Mailer == nil:
		del = model.Delivery{Status: model.DeliverySkipped, Reason: reasonNotConfigured}
	case to == "":
		del = model.Delivery{Status: model.DeliverySkipped, Reason: reasonNoRecipient}
	default:
		sendErr = d.send(ctx, o, kind, to, &del)
	}
	del.At = d.now()

	if d.Metrics != nil {
		d.Metrics.Notifications.WithLabelValues(kind, string(del.Status)).Inc()
	}
	log.Printf("notify: order=%s kind=%s status=%s message=%s reason=%q", o.ID, kind, del.Status, del.MessageID, firstNonEmpty(del.Error, del.Reason))

	if d.Recorder == nil {
		return del
	}
	rctx := context.WithoutCancel(ctx)
	if err := d.Recorder.RecordDelivery(rctx, o.ID, kind, del); err != nil {
		log.Printf("notify: record delivery failed order=%s kind=%s err=%v", o.ID, kind, err)
	}
	if sendErr != nil && ledger {
		if _, err := d.Recorder.AppendFailedNotification(rctx, o.ID, kind, to, sendErr); err != nil {
			log.Printf("notify: ledger append failed order=%s kind=%s err=%v", o.ID, kind, err)
		}
	}
	return del
}

func (d *Dispatcher) send(ctx context.Context, o model.Order, kind, to string, del *model.Delivery) error {
	msg, err := render(kind, o, to)
	if err == nil {
		if d.SendTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.SendTimeout)
			defer cancel()
		}
		var id string
		id, err = d.Mailer.Send(ctx, msg)
		if err == nil {
			*del = model.Delivery{Status: model.DeliverySent, MessageID: id}
			return nil
		}
	}
	*del = model.Delivery{Status: model.DeliveryFailed, Error: err.Error()}
	return err
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Ledger is what RetryFailed needs from the order store.
type Ledger interface {
	PendingNotifications(ctx context.Context) ([]model.FailedNotification, error)
	RecordRetry(ctx context.Context, id string, cause error) (model.FailedNotification, error)
	Get(ctx context.Context, id string) (model.Order, error)
}

// RetrySummary counts what one RetryFailed pass did.
type RetrySummary struct {
	Attempted int
	Resolved  int
	Failed    int
	Skipped   int
}

// RetryFailed re-sends every unresolved ledger row with fewer than
// maxAttempts retries. Rows whose send is skipped stay unresolved.
func (d *Dispatcher) RetryFailed(ctx context.Context, l Ledger, maxAttempts int) (RetrySummary, error) {
	var sum RetrySummary
	pending, err := l.PendingNotifications(ctx)
	if err != nil {
		return sum, err
	}
	for _, fn := range pending {
		if maxAttempts > 0 && fn.RetryCount >= maxAttempts {
			sum.Skipped++
			continue
		}
		o, err := l.Get(ctx, fn.OrderID)
		if err != nil {
			log.Printf("notify: retry skipped ledger=%s order=%s err=%v", fn.ID, fn.OrderID, err)
			sum.Skipped++
			continue
		}
		sum.Attempted++
		del := d.deliver(ctx, o, fn.Kind, false)
		var cause error
		switch del.Status {
		case model.DeliverySent:
		case model.DeliverySkipped:
			cause = errors.New(del.Reason)
		default:
			cause = errors.New(del.Error)
		}
		if _, err := l.RecordRetry(ctx, fn.ID, cause); err != nil {
			return sum, fmt.Errorf("record retry %s: %w", fn.ID, err)
		}
		if cause == nil {
			sum.Resolved++
		} else {
			sum.Failed++
		}
	}
	log.Printf("notify: retry pass attempted=%d resolved=%d failed=%d skipped=%d", sum.Attempted, sum.Resolved, sum.Failed, sum.Skipped)
	return sum, nil
}
