// ABOUTME: Fire-and-forget notification delivery for custody events
// ABOUTME: Sink failures are logged and counted, never returned to core callers

package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kinds of notification
const (
	KindShared           = "document.shared"
	KindApprovalNeeded   = "approval.needed"
	KindDecisionRecorded = "approval.decision"
	KindRequestClosed    = "approval.closed"
)

// Notification is the payload delivered to an identity
type Notification struct {
	Kind       string    `json:"kind"`
	DocumentID string    `json:"document_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Sink delivers one notification
type Sink interface {
	Deliver(ctx context.Context, identity string, n Notification) error
}

// Notifier is what core components call; it never blocks or fails
type Notifier interface {
	Notify(identity string, n Notification)
}

// Discard drops every notification
type Discard struct{}

// Notify does nothing
func (Discard) Notify(string, Notification) {}

type item struct {
	identity string
	n        Notification
}

// Options configures a Dispatcher
type Options struct {
	QueueSize      int
	DeliverTimeout time.Duration
	Logger         zerolog.Logger
	OnDrop         func() // called for every dropped or failed notification
}

// Dispatcher queues notifications and delivers them from a background
// goroutine. A full queue drops the notification.
type Dispatcher struct {
	sink    Sink
	queue   chan item
	timeout time.Duration
	logger  zerolog.Logger
	onDrop  func()

	mu     sync.RWMutex
	closed bool
	doneCh chan struct{}
}

// NewDispatcher starts a dispatcher delivering to sink
func NewDispatcher(sink Sink, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = 5 * time.Second
	}
	if opts.OnDrop == nil {
		opts.OnDrop = func() {}
	}

	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan item, opts.QueueSize),
		timeout: opts.DeliverTimeout,
		logger:  opts.Logger,
		onDrop:  opts.OnDrop,
		doneCh:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues n for identity without blocking
func (d *Dispatcher) Notify(identity string, n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(identity, n, "dispatcher closed")
		return
	}

	select {
	case d.queue <- item{identity: identity, n: n}:
	default:
		d.drop(identity, n, "queue full")
	}
}

func (d *Dispatcher) drop(identity string, n Notification, reason string) {
	d.onDrop()
	d.logger.Warn().
		Str("identity", identity).
		Str("kind", n.Kind).
		Str("reason", reason).
		Msg("notification dropped")
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)

	for it := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.sink.Deliver(ctx, it.identity, it.n)
		cancel()

		if err != nil {
			d.onDrop()
			d.logger.Warn().
				Err(err).
				Str("identity", it.identity).
				Str("kind", it.n.Kind).
				Msg("notification delivery failed")
		}
	}
}

// Close stops accepting notifications and waits for the queue to drain
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.doneCh
}
