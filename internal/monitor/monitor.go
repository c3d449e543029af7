// Package monitor runs the per-printer worker: it keeps a status feed open,
// folds payloads into reports and asks the policy whether to notify.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zorkian/chibichonk/internal/backoff"
	"github.com/zorkian/chibichonk/internal/events"
	"github.com/zorkian/chibichonk/internal/notify"
	"github.com/zorkian/chibichonk/internal/policy"
	"github.com/zorkian/chibichonk/internal/report"
	"github.com/zorkian/chibichonk/internal/transport"
	"github.com/zorkian/chibichonk/pkg/types"
)

const (
	// DefaultIdleCheck is how long a connected monitor waits for a payload
	// before re-evaluating the last report.
	DefaultIdleCheck = 30 * time.Second
	// DefaultStatusGrace bounds how long the first notification waits for the
	// printer to report its status.
	DefaultStatusGrace = 30 * time.Second
)

// Phase is the connection phase of a monitor.
type Phase string

const (
	PhaseStopped    Phase = "STOPPED"
	PhaseConnecting Phase = "CONNECTING"
	PhaseConnected  Phase = "CONNECTED"
)

// Device is the resolved configuration of one printer.
type Device struct {
	Name       string
	Endpoint   transport.Endpoint
	Cadence    types.Cadence
	PingTarget string
	WebhookURL string
}

// Notifier accepts formatted messages. Implementations must be safe for use
// by many monitors at once.
type Notifier interface {
	Send(ctx context.Context, target notify.Target, msg types.Message) error
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithBackoff sets the reconnect schedule.
func WithBackoff(p backoff.Policy) Option {
	return func(m *Monitor) {
		m.backoff = p
	}
}

// WithIdleCheck sets how long a connected monitor waits for a payload before
// re-evaluating the last report. Zero disables idle re-evaluation.
func WithIdleCheck(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.idleCheck = d
		}
	}
}

// WithStatusGrace sets how long the first notification is held back while
// payloads arrive without a status. Zero sends on the first payload.
func WithStatusGrace(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.statusGrace = d
		}
	}
}

// WithLogger sets the logger, usually one prefixed with the device name.
func WithLogger(logger *log.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventRecorder sets where lifecycle events are reported.
func WithEventRecorder(rec events.Recorder) Option {
	return func(m *Monitor) {
		if rec != nil {
			m.events = rec
		}
	}
}

// WithClock overrides the time source used for cadence decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// Monitor watches a single printer.
type Monitor struct {
	device    Device
	transport transport.Transport
	notifier  Notifier
	backoff   backoff.Policy
	idleCheck time.Duration
	logger    *log.Logger
	events    events.Recorder
	now       func() time.Time

	statusGrace time.Duration
	// firstReportAt is when the first status-less report was held back. Only
	// the worker goroutine touches it.
	firstReportAt time.Time

	phase   atomic.Value
	running atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu    sync.Mutex
	state policy.State
	conn  transport.Conn
}

// New constructs a Monitor for device.
func New(device Device, tr transport.Transport, notifier Notifier, opts ...Option) *Monitor {
	m := &Monitor{
		device:    device,
		transport: tr,
		notifier:  notifier,
		backoff:   backoff.Default(),
		idleCheck: DefaultIdleCheck,
		logger:    log.New(io.Discard, "", 0),
		events:    events.NoopRecorder{},
		now:       time.Now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),

		statusGrace: DefaultStatusGrace,
	}
	m.phase.Store(PhaseStopped)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the device name.
func (m *Monitor) Name() string {
	return m.device.Name
}

// Start launches the worker goroutine and returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		if err := m.Run(ctx); err != nil {
			m.logger.Printf("monitor exited: %v", err)
		}
	}()
}

// Run connects and processes payloads until ctx is cancelled or Stop is
// called. Connection failures are retried indefinitely.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("monitor already started")
	}
	defer close(m.done)
	if m.transport == nil {
		return errors.New("monitor transport is nil")
	}
	if m.notifier == nil {
		return errors.New("monitor notifier is nil")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		m.phase.Store(PhaseStopped)
		m.record(types.EventStopped, nil)
	}()

	retry := m.backoff.New(ctx)
	attempt := 0
	for {
		if m.stopping(ctx) {
			return nil
		}

		m.phase.Store(PhaseConnecting)
		m.record(types.EventConnecting, map[string]any{"attempt": attempt + 1})
		conn, err := m.transport.Open(ctx, m.device.Endpoint)
		if err != nil {
			if m.stopping(ctx) {
				return nil
			}
			delay := retry.NextBackOff()
			if delay == backoff.Stop {
				return nil
			}
			attempt++
			m.logger.Printf("connect failed (attempt %d), retrying in %s: %v", attempt, delay, err)
			m.record(types.EventConnectFailed, map[string]any{
				"error":    err.Error(),
				"retry_in": delay.String(),
			})
			if backoff.Sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}

		attempt = 0
		retry.Reset()
		if !m.attach(conn) {
			_ = conn.Close()
			return nil
		}
		m.phase.Store(PhaseConnected)
		m.logger.Printf("connected to %s", m.device.Endpoint.Host)
		m.record(types.EventConnected, nil)

		if err := conn.Resubscribe(ctx); err != nil && !m.stopping(ctx) {
			m.logger.Printf("request full status: %v", err)
		}

		err = m.consume(ctx, conn)
		m.detach()
		_ = conn.Close()
		if m.stopping(ctx) {
			return nil
		}

		delay := retry.NextBackOff()
		if delay == backoff.Stop {
			return nil
		}
		attempt++
		m.logger.Printf("connection lost, reconnecting in %s: %v", delay, err)
		m.record(types.EventDisconnected, map[string]any{"error": fmt.Sprint(err)})
		if backoff.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

// Stop asks the worker to exit. It is safe to call more than once and from
// any goroutine.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// Done is closed once Run has returned.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Phase returns the current connection phase.
func (m *Monitor) Phase() Phase {
	p, _ := m.phase.Load().(Phase)
	return p
}

// State returns a copy of the monitor's policy state.
func (m *Monitor) State() policy.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) stopping(ctx context.Context) bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return ctx.Err() != nil
	}
}

func (m *Monitor) attach(conn transport.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.stopCh:
		return false
	default:
	}
	m.conn = conn
	m.state.Connected = true
	return true
}

func (m *Monitor) detach() {
	m.mu.Lock()
	m.conn = nil
	m.state.Connected = false
	m.mu.Unlock()
}

func (m *Monitor) consume(ctx context.Context, conn transport.Conn) error {
	for {
		nextCtx, cancel := ctx, context.CancelFunc(func() {})
		if m.idleCheck > 0 {
			nextCtx, cancel = context.WithTimeout(ctx, m.idleCheck)
		}
		payload, err := conn.Next(nextCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				m.reevaluate(ctx)
				continue
			}
			return err
		}
		m.handlePayload(ctx, payload)
	}
}

func (m *Monitor) handlePayload(ctx context.Context, payload []byte) {
	m.record(types.EventPayload, map[string]any{"bytes": len(payload)})
	update, err := report.Parse(payload)
	if err != nil {
		m.logger.Printf("discarding payload: %v", err)
		m.record(types.EventMalformed, map[string]any{"error": err.Error()})
		return
	}
	if update.Empty() {
		return
	}
	prior := m.State()
	m.evaluate(ctx, prior, report.Merge(prior.LastReport, update))
}

func (m *Monitor) reevaluate(ctx context.Context) {
	prior := m.State()
	if !prior.HasReport {
		return
	}
	m.evaluate(ctx, prior, prior.LastReport)
}

func (m *Monitor) evaluate(ctx context.Context, prior policy.State, incoming types.StatusReport) {
	now := m.now()
	cadence := m.device.Cadence
	decision := policy.Decide(prior, incoming, now, cadence)
	if m.holdForStatus(prior, incoming, now) {
		decision = policy.Decision{}
	}

	if !prior.HasReport || prior.LastReport.CurrentStatus() != incoming.CurrentStatus() {
		m.logger.Printf("status: %s", incoming.Summary())
	}
	if decision.Fired() {
		m.notify(ctx, decision, incoming, now)
	}

	next := prior.Apply(incoming, decision, now, cadence)
	m.mu.Lock()
	next.Connected = m.state.Connected
	m.state = next
	m.mu.Unlock()
}

// holdForStatus reports whether the first notification should wait because
// the printer has not yet said what it is doing.
func (m *Monitor) holdForStatus(prior policy.State, incoming types.StatusReport, now time.Time) bool {
	if prior.HasNotifiedStatus || incoming.Has(types.FieldStatus) || m.statusGrace <= 0 {
		return false
	}
	if m.firstReportAt.IsZero() {
		m.firstReportAt = now
	}
	return now.Sub(m.firstReportAt) < m.statusGrace
}

func (m *Monitor) notify(ctx context.Context, decision policy.Decision, incoming types.StatusReport, now time.Time) {
	event := types.NotificationEvent{
		ID:         uuid.NewString(),
		DeviceName: m.device.Name,
		Reason:     decision.Primary(),
		Reasons:    decision.Reasons,
		Report:     incoming,
		PingTarget: m.device.PingTarget,
		At:         now,
	}
	msg, ok := notify.Format(event)
	if !ok {
		m.logger.Printf("skipping %s notification: report has no data", event.Reason)
		return
	}

	reasons := make([]string, len(decision.Reasons))
	for i, r := range decision.Reasons {
		reasons[i] = string(r)
	}
	target := notify.Target{Device: m.device.Name, WebhookURL: m.device.WebhookURL}
	if err := m.notifier.Send(ctx, target, msg); err != nil {
		m.logger.Printf("notification %s not accepted: %v", event.ID, err)
		m.record(types.EventNotifyFailed, map[string]any{
			"id":     event.ID,
			"reason": string(event.Reason),
			"error":  err.Error(),
		})
		return
	}
	m.record(types.EventNotified, map[string]any{
		"id":      event.ID,
		"reason":  string(event.Reason),
		"reasons": strings.Join(reasons, ","),
		"status":  string(incoming.CurrentStatus()),
	})
}

func (m *Monitor) record(eventType types.EventType, details map[string]any) {
	m.events.Record(types.Event{
		Type:      eventType,
		Timestamp: m.now().UTC(),
		Device:    m.device.Name,
		Details:   details,
	})
}
