package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/zorkian/chibichonk/internal/backoff"
	"github.com/zorkian/chibichonk/internal/discord"
	"github.com/zorkian/chibichonk/internal/metrics"
	"github.com/zorkian/chibichonk/pkg/types"
)

type recordingPoster struct {
	mu       sync.Mutex
	failures []error
	posted   []string
	calls    int
	done     chan struct{}
	expect   int
}

func newRecordingPoster(expect int, failures ...error) *recordingPoster {
	return &recordingPoster{failures: failures, done: make(chan struct{}), expect: expect}
}

func (p *recordingPoster) Post(ctx context.Context, url string, msg types.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	var err error
	if len(p.failures) > 0 {
		err = p.failures[0]
		p.failures = p.failures[1:]
	}
	if err == nil {
		p.posted = append(p.posted, msg.Content)
	}
	if p.calls == p.expect {
		close(p.done)
	}
	return err
}

func (p *recordingPoster) wait(t *testing.T) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %d posts", p.expect)
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []types.Event
}

func (l *eventLog) Record(event types.Event) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *eventLog) count(typ types.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func fastOptions(extra ...Option) []Option {
	opts := []Option{
		WithRateLimit(0, 0),
		WithBackoff(backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond}),
	}
	return append(opts, extra...)
}

func startDispatcher(t *testing.T, d *Dispatcher) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	return cancel, errCh
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	poster := newRecordingPoster(3)
	store := metrics.NewStore()
	d := NewDispatcher(poster, fastOptions(WithMetrics(store))...)

	target := Target{Device: "x1c", WebhookURL: "https://discord.test/hook"}
	for _, content := range []string{"one", "two", "three"} {
		if err := d.Send(context.Background(), target, types.Message{Content: content}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	cancel, errCh := startDispatcher(t, d)
	poster.wait(t)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}

	poster.mu.Lock()
	defer poster.mu.Unlock()
	if len(poster.posted) != 3 || poster.posted[0] != "one" || poster.posted[2] != "three" {
		t.Fatalf("unexpected delivery order %v", poster.posted)
	}
	if got := store.Snapshot().DeliveredTotal; got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	poster := newRecordingPoster(3, errors.New("connection reset"), &discord.RateLimitError{RetryAfter: time.Millisecond})
	rec := &eventLog{}
	d := NewDispatcher(poster, fastOptions(WithEventRecorder(rec))...)

	if err := d.Send(context.Background(), Target{Device: "x1c", WebhookURL: "u"}, types.Message{Content: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	cancel, errCh := startDispatcher(t, d)
	poster.wait(t)
	cancel()
	<-errCh

	if rec.count(types.EventDeliveryFailed) != 2 || rec.count(types.EventDelivered) != 1 {
		t.Fatalf("unexpected events: %d failed, %d delivered", rec.count(types.EventDeliveryFailed), rec.count(types.EventDelivered))
	}
}

func TestDispatcherDropsAfterMaxAttempts(t *testing.T) {
	fail := errors.New("boom")
	poster := newRecordingPoster(3, fail, fail, fail, fail)
	rec := &eventLog{}
	store := metrics.NewStore()
	d := NewDispatcher(poster, fastOptions(WithMaxAttempts(3), WithEventRecorder(rec), WithMetrics(store))...)

	_ = d.Send(context.Background(), Target{Device: "x1c", WebhookURL: "u"}, types.Message{Content: "lost"})
	cancel, errCh := startDispatcher(t, d)
	poster.wait(t)

	deadline := time.Now().Add(2 * time.Second)
	for rec.count(types.EventDeliveryDropped) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected drop event")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-errCh

	snap := store.Snapshot()
	if snap.DeliveryFailuresTotal != 3 || snap.DeliveryDroppedTotal != 1 || snap.DeliveredTotal != 0 {
		t.Fatalf("unexpected delivery metrics %+v", snap)
	}
}

func TestDispatcherDoesNotRetryPermanentErrors(t *testing.T) {
	poster := newRecordingPoster(2, &discord.StatusError{StatusCode: http.StatusNotFound})
	d := NewDispatcher(poster, fastOptions()...)

	target := Target{Device: "x1c", WebhookURL: "u"}
	_ = d.Send(context.Background(), target, types.Message{Content: "gone"})
	_ = d.Send(context.Background(), target, types.Message{Content: "next"})
	cancel, errCh := startDispatcher(t, d)
	poster.wait(t)
	cancel()
	<-errCh

	poster.mu.Lock()
	defer poster.mu.Unlock()
	if len(poster.posted) != 1 || poster.posted[0] != "next" {
		t.Fatalf("expected only the second message delivered, got %v", poster.posted)
	}
}

func TestDispatcherSendRequiresWebhook(t *testing.T) {
	d := NewDispatcher(newRecordingPoster(0))
	err := d.Send(context.Background(), Target{Device: "x1c"}, types.Message{})
	var derr *DeliveryError
	if !errors.As(err, &derr) || !errors.Is(err, ErrNoWebhook) {
		t.Fatalf("expected DeliveryError wrapping ErrNoWebhook, got %v", err)
	}
	if d.outbox.Len() != 0 {
		t.Fatalf("expected nothing queued")
	}
}

func TestDispatcherOutboxDropsOldest(t *testing.T) {
	store := metrics.NewStore()
	d := NewDispatcher(newRecordingPoster(0), WithOutboxCapacity(2), WithMetrics(store))
	target := Target{Device: "x1c", WebhookURL: "u"}
	for i := 0; i < 3; i++ {
		_ = d.Send(context.Background(), target, types.Message{})
	}
	if got := d.outbox.Len(); got != 2 {
		t.Fatalf("expected 2 pending, got %d", got)
	}
	if got := store.Snapshot().OutboxDroppedTotal; got != 1 {
		t.Fatalf("expected one outbox drop, got %d", got)
	}
}

func TestDispatcherDrainsOnShutdown(t *testing.T) {
	poster := newRecordingPoster(2)
	d := NewDispatcher(poster, WithRateLimit(rate.Limit(1000), 1), WithDrainGrace(time.Second))
	target := Target{Device: "x1c", WebhookURL: "u"}
	_ = d.Send(context.Background(), target, types.Message{Content: "a"})
	_ = d.Send(context.Background(), target, types.Message{Content: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	poster.wait(t)
	if got := d.outbox.Len(); got != 0 {
		t.Fatalf("expected outbox drained, %d pending", got)
	}
}

func TestDispatcherRetriesInterruptedMessageDuringDrain(t *testing.T) {
	poster := newRecordingPoster(2, &discord.StatusError{StatusCode: http.StatusBadGateway})
	events := &eventLog{}
	d := NewDispatcher(poster,
		WithRateLimit(0, 0),
		WithBackoff(backoff.Policy{Initial: 500 * time.Millisecond, Max: 500 * time.Millisecond}),
		WithDrainGrace(3*time.Second),
		WithEventRecorder(events),
	)
	target := Target{Device: "x1c", WebhookURL: "u"}
	if err := d.Send(context.Background(), target, types.Message{Content: "finished"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	cancel, errCh := startDispatcher(t, d)
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	poster.wait(t)

	poster.mu.Lock()
	posted := append([]string(nil), poster.posted...)
	poster.mu.Unlock()
	if len(posted) != 1 || posted[0] != "finished" {
		t.Fatalf("expected the interrupted message delivered during drain, got %v", posted)
	}
	if got := events.count(types.EventDeliveryDropped); got != 0 {
		t.Fatalf("expected no dropped deliveries, got %d", got)
	}
	if got := d.outbox.Len(); got != 0 {
		t.Fatalf("expected outbox empty, %d pending", got)
	}
}

func TestDispatcherRunRequiresPoster(t *testing.T) {
	d := NewDispatcher(nil)
	if err := d.Run(context.Background()); err == nil {
		t.Fatalf("expected error without poster")
	}
}
