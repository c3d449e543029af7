package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zorkian/chibichonk/internal/backoff"
	"github.com/zorkian/chibichonk/internal/discord"
	"github.com/zorkian/chibichonk/internal/events"
	"github.com/zorkian/chibichonk/internal/metrics"
	"github.com/zorkian/chibichonk/internal/queue"
	"github.com/zorkian/chibichonk/pkg/types"
)

const (
	DefaultOutboxCapacity = 100
	DefaultMaxAttempts    = 5
	DefaultRate           = rate.Limit(1)
	DefaultBurst          = 5
	DefaultDrainGrace     = 5 * time.Second
)

// ErrNoWebhook is returned by Send when the target has no webhook URL.
var ErrNoWebhook = errors.New("no webhook URL configured")

// Target names the device a message is about and where it goes.
type Target struct {
	Device     string
	WebhookURL string
}

// Poster delivers a single message to a webhook (e.g. discord.Client).
type Poster interface {
	Post(ctx context.Context, webhookURL string, msg types.Message) error
}

// DeliveryError reports a message that could not be delivered.
type DeliveryError struct {
	ID       string
	Device   string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("deliver %s for %s: gave up after %d attempts: %v", e.ID, e.Device, e.Attempts, e.Err)
	}
	return fmt.Sprintf("deliver for %s: %v", e.Device, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithOutboxCapacity bounds how many messages wait for delivery.
func WithOutboxCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.capacity = n
		}
	}
}

// WithRateLimit overrides the delivery rate. A zero limit disables limiting.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(d *Dispatcher) {
		if limit <= 0 {
			d.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithMaxAttempts bounds how often one message is posted before it is dropped.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay schedule between attempts for one message.
func WithBackoff(p backoff.Policy) Option {
	return func(d *Dispatcher) {
		d.backoff = p
	}
}

// WithDrainGrace bounds how long queued messages are still delivered after
// shutdown begins.
func WithDrainGrace(grace time.Duration) Option {
	return func(d *Dispatcher) {
		if grace >= 0 {
			d.drainGrace = grace
		}
	}
}

// WithLogger sets the logger for delivery failures.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithEventRecorder sets where delivery events are reported.
func WithEventRecorder(rec events.Recorder) Option {
	return func(d *Dispatcher) {
		if rec != nil {
			d.events = rec
		}
	}
}

// WithMetrics records outbox and delivery counters in store.
func WithMetrics(store *metrics.Store) Option {
	return func(d *Dispatcher) {
		if store != nil {
			d.store = store
		}
	}
}

// Dispatcher queues messages from any number of monitors and delivers them
// one at a time. Send never blocks on the network.
type Dispatcher struct {
	poster      Poster
	outbox      *queue.Outbox
	capacity    int
	limiter     *rate.Limiter
	backoff     backoff.Policy
	maxAttempts int
	drainGrace  time.Duration
	logger      *log.Logger
	events      events.Recorder
	store       *metrics.Store
	delivery    metrics.DeliveryRecorder
	now         func() time.Time
}

// NewDispatcher constructs a Dispatcher delivering through poster.
func NewDispatcher(poster Poster, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		poster:      poster,
		capacity:    DefaultOutboxCapacity,
		limiter:     rate.NewLimiter(DefaultRate, DefaultBurst),
		backoff:     backoff.Policy{Initial: time.Second, Max: 30 * time.Second},
		maxAttempts: DefaultMaxAttempts,
		drainGrace:  DefaultDrainGrace,
		logger:      log.New(io.Discard, "", 0),
		events:      events.NoopRecorder{},
		delivery:    metrics.NoopDeliveryRecorder{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.outbox = queue.NewOutbox(d.capacity)
	d.outbox.SetEventRecorder(d.events)
	if d.store != nil {
		d.outbox.SetMetricsRecorder(d.store.OutboxRecorder())
		d.delivery = d.store.DeliveryRecorder()
	}
	return d
}

// Send queues msg for delivery to target. It only fails when the target
// cannot be delivered to at all.
func (d *Dispatcher) Send(ctx context.Context, target Target, msg types.Message) error {
	if target.WebhookURL == "" {
		return &DeliveryError{Device: target.Device, Err: ErrNoWebhook}
	}
	out := types.Outbound{
		ID:         uuid.NewString(),
		DeviceName: target.Device,
		Target:     target.WebhookURL,
		Message:    msg,
		EnqueuedAt: d.now().UTC(),
	}
	if dropped := d.outbox.Enqueue(out); dropped {
		d.logger.Printf("outbox full, dropped oldest pending message")
	}
	return nil
}

// Run delivers queued messages until ctx is cancelled, then keeps draining for
// the configured grace period.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.poster == nil {
		return errors.New("dispatcher poster is nil")
	}
	for {
		if ctx.Err() != nil {
			d.drain()
			return nil
		}
		items := d.outbox.Drain(1)
		if len(items) == 0 {
			select {
			case <-ctx.Done():
			case <-d.outbox.Ready():
			}
			continue
		}
		d.deliver(ctx, items[0])
	}
}

func (d *Dispatcher) drain() {
	pending := d.outbox.Len()
	if pending == 0 {
		return
	}
	if d.drainGrace <= 0 {
		d.logger.Printf("discarding %d pending messages on shutdown", pending)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.drainGrace)
	defer cancel()
	for ctx.Err() == nil {
		items := d.outbox.Drain(1)
		if len(items) == 0 {
			return
		}
		if d.deliver(ctx, items[0]) {
			break
		}
	}
	if left := d.outbox.Len(); left > 0 {
		d.logger.Printf("shutdown grace elapsed, discarding %d pending messages", left)
	}
}

// deliver posts item until it succeeds or is given up. When ctx ends while
// attempts remain, item goes back to the head of the outbox and deliver
// reports true so the shutdown drain can retry it.
func (d *Dispatcher) deliver(ctx context.Context, item types.Outbound) (requeued bool) {
	retry := d.backoff.New(ctx)
	var lastErr error
	for item.Attempts < d.maxAttempts {
		if err := d.limiter.Wait(ctx); err != nil {
			return d.requeue(item)
		}
		item.Attempts++
		err := d.poster.Post(ctx, item.Target, item.Message)
		if err == nil {
			d.delivery.IncDelivered()
			d.record(types.EventDelivered, item, map[string]any{
				"id":       item.ID,
				"attempts": item.Attempts,
				"latency":  d.now().Sub(item.EnqueuedAt).Round(time.Millisecond).String(),
			})
			return false
		}
		lastErr = err
		d.delivery.IncDeliveryFailures()
		d.record(types.EventDeliveryFailed, item, map[string]any{
			"id":      item.ID,
			"attempt": item.Attempts,
			"error":   err.Error(),
		})
		if discord.IsPermanent(err) || item.Attempts >= d.maxAttempts {
			break
		}
		delay := retry.NextBackOff()
		var rlErr *discord.RateLimitError
		if errors.As(err, &rlErr) && rlErr.RetryAfter > 0 {
			delay = rlErr.RetryAfter
		}
		if delay == backoff.Stop || backoff.Sleep(ctx, delay) != nil {
			return d.requeue(item)
		}
	}

	d.drop(item, lastErr)
	return false
}

func (d *Dispatcher) requeue(item types.Outbound) bool {
	if !d.outbox.Requeue(item) {
		d.drop(item, errors.New("outbox full at shutdown"))
		return false
	}
	return true
}

func (d *Dispatcher) drop(item types.Outbound, err error) {
	derr := &DeliveryError{ID: item.ID, Device: item.DeviceName, Attempts: item.Attempts, Err: err}
	d.logger.Printf("%v", derr)
	d.delivery.IncDeliveryDropped()
	d.record(types.EventDeliveryDropped, item, map[string]any{
		"id":       item.ID,
		"attempts": item.Attempts,
		"error":    fmt.Sprint(err),
	})
}

func (d *Dispatcher) record(eventType types.EventType, item types.Outbound, details map[string]any) {
	d.events.Record(types.Event{
		Type:      eventType,
		Timestamp: d.now().UTC(),
		Device:    item.DeviceName,
		Details:   details,
	})
}
