package health

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zorkian/chibichonk/internal/metrics"
	"github.com/zorkian/chibichonk/pkg/types"
)

const (
	defaultDisconnectGrace = 2 * time.Minute
	defaultDeliveryWindow  = 10 * time.Minute
)

const (
	categoryOutboxPressure      = "OUTBOX_PRESSURE"
	categoryPrinterPending      = "PRINTER_PENDING"
	categoryPrinterDisconnected = "PRINTER_DISCONNECTED"
	categoryDeliveryFailing     = "DELIVERY_FAILING"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Options tunes the readiness thresholds.
type Options struct {
	OutboxCapacity  int
	DisconnectGrace time.Duration
	DeliveryWindow  time.Duration
}

// Checker evaluates readiness conditions for the watcher. It consumes monitor
// and dispatcher events through Record.
type Checker struct {
	metrics  *metrics.Store
	capacity int
	grace    time.Duration
	window   time.Duration

	mu                  sync.RWMutex
	printers            map[string]*printerHealth
	lastDeliveryOK      time.Time
	deliveryErr         string
	lastDeliveryFailure time.Time
}

type printerHealth struct {
	connected     bool
	everConnected bool
	since         time.Time
	lastErr       string
}

// NewChecker constructs a readiness checker bound to the provided metrics store.
func NewChecker(store *metrics.Store, opts Options) *Checker {
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = defaultDisconnectGrace
	}
	if opts.DeliveryWindow <= 0 {
		opts.DeliveryWindow = defaultDeliveryWindow
	}
	return &Checker{
		metrics:  store,
		capacity: opts.OutboxCapacity,
		grace:    opts.DisconnectGrace,
		window:   opts.DeliveryWindow,
		printers: make(map[string]*printerHealth),
	}
}

// RegisterPrinter starts tracking a printer that has not connected yet.
func (c *Checker) RegisterPrinter(name string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.printers[name]; !ok {
		c.printers[name] = &printerHealth{since: now}
	}
}

// Record implements events.Recorder.
func (c *Checker) Record(event types.Event) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Type {
	case types.EventDelivered:
		c.lastDeliveryOK = ts
		c.deliveryErr = ""
		c.lastDeliveryFailure = time.Time{}
		return
	case types.EventDeliveryFailed, types.EventDeliveryDropped:
		c.deliveryErr = event.Err()
		if c.deliveryErr == "" {
			c.deliveryErr = "unknown error"
		}
		c.lastDeliveryFailure = ts
		return
	}

	if event.Device == "" {
		return
	}
	p, ok := c.printers[event.Device]
	if !ok {
		p = &printerHealth{since: ts}
		c.printers[event.Device] = p
	}
	switch event.Type {
	case types.EventConnected:
		p.connected = true
		p.everConnected = true
		p.since = ts
		p.lastErr = ""
	case types.EventConnectFailed, types.EventDisconnected:
		if p.connected {
			p.connected = false
			p.since = ts
		}
		if msg := event.Err(); msg != "" {
			p.lastErr = msg
		}
	case types.EventStopped:
		delete(c.printers, event.Device)
	}
}

// Ready evaluates all readiness conditions and returns the overall status and reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 4)
	categories := make([]metrics.ReadinessCategory, 0, 4)
	appendCategory := func(name, severity string) {
		categories = append(categories, metrics.ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}

	if c.metrics != nil && c.capacity > 0 {
		snap := c.metrics.Snapshot()
		if snap.OutboxDepth >= int64(c.capacity) {
			reasons = append(reasons, "outbox capacity exceeded")
			appendCategory(categoryOutboxPressure, severityWarning)
		}
	}

	c.mu.RLock()
	names := make([]string, 0, len(c.printers))
	for name := range c.printers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := c.printers[name]
		if p.connected {
			continue
		}
		detail := ""
		if p.lastErr != "" {
			detail = ": " + p.lastErr
		}
		if !p.everConnected {
			reasons = append(reasons, fmt.Sprintf("printer %s not yet connected%s", name, detail))
			appendCategory(categoryPrinterPending, severityInfo)
			continue
		}
		if down := now.Sub(p.since); down > c.grace {
			reasons = append(reasons, fmt.Sprintf("printer %s disconnected for %s%s", name, down.Round(time.Second), detail))
			appendCategory(categoryPrinterDisconnected, severityWarning)
		}
	}
	deliveryErr := c.deliveryErr
	lastFailure := c.lastDeliveryFailure
	window := c.window
	c.mu.RUnlock()

	if deliveryErr != "" && now.Sub(lastFailure) <= window {
		reasons = append(reasons, fmt.Sprintf("webhook delivery failing: %s", deliveryErr))
		appendCategory(categoryDeliveryFailing, severityCritical)
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		reasonText := strings.Join(reasons, "; ")
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, reasonText, categories)
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
