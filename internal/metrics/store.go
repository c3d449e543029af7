package metrics

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zorkian/chibichonk/pkg/types"
)

// Store maintains in-memory gauges and counters for the watcher.
type Store struct {
	outboxDepth         atomic.Int64
	outboxDrops         atomic.Uint64
	delivered           atomic.Uint64
	deliveryFailures    atomic.Uint64
	deliveryDropped     atomic.Uint64
	readinessState      atomic.Int64
	readinessReason     atomic.Value
	readinessCategories atomic.Value
	readyTransitions    atomic.Uint64
	notReadyTransitions atomic.Uint64
	readyAlerts         atomic.Uint64
	categoryTotals      sync.Map // categoryKey -> *atomic.Uint64
	devices             sync.Map // device name -> *deviceCounters
}

type deviceCounters struct {
	connected       atomic.Bool
	connectAttempts atomic.Uint64
	connectFailures atomic.Uint64
	disconnects     atomic.Uint64
	payloads        atomic.Uint64
	malformed       atomic.Uint64
	notifyFailures  atomic.Uint64
	notifications   sync.Map // types.Reason -> *atomic.Uint64
}

// ReadinessCategory captures a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

type categoryKey struct {
	Name     string
	Severity string
}

// NewStore constructs a Store with zeroed metrics.
func NewStore() *Store {
	store := &Store{}
	store.readinessReason.Store("")
	store.readinessCategories.Store([]ReadinessCategory(nil))
	return store
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	OutboxDepth           int64
	OutboxDroppedTotal    uint64
	DeliveredTotal        uint64
	DeliveryFailuresTotal uint64
	DeliveryDroppedTotal  uint64
	Ready                 bool
	ReadyReason           string
	ReadyTransitions      uint64
	NotReadyTransitions   uint64
	ReadyAlerts           uint64
	ReadyCategories       []ReadinessCategory
	CategoryTransitions   []CategoryCount
	Devices               []DeviceSnapshot
}

// DeviceSnapshot holds the per-printer counters.
type DeviceSnapshot struct {
	Name            string
	Connected       bool
	ConnectAttempts uint64
	ConnectFailures uint64
	Disconnects     uint64
	Payloads        uint64
	Malformed       uint64
	NotifyFailures  uint64
	Notifications   map[types.Reason]uint64
}

// CategoryCount captures accumulated transition counts per category/severity.
type CategoryCount struct {
	Category string
	Severity string
	Count    uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	readyReason, _ := s.readinessReason.Load().(string)
	rawCategories, _ := s.readinessCategories.Load().([]ReadinessCategory)
	categories := make([]ReadinessCategory, len(rawCategories))
	copy(categories, rawCategories)
	categoryCounts := make([]CategoryCount, 0)
	s.categoryTotals.Range(func(key, value any) bool {
		ckey, ok := key.(categoryKey)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		categoryCounts = append(categoryCounts, CategoryCount{
			Category: ckey.Name,
			Severity: ckey.Severity,
			Count:    counter.Load(),
		})
		return true
	})
	devices := make([]DeviceSnapshot, 0)
	s.devices.Range(func(key, value any) bool {
		name, _ := key.(string)
		dc, ok := value.(*deviceCounters)
		if !ok || dc == nil {
			return true
		}
		devices = append(devices, dc.snapshot(name))
		return true
	})
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return Snapshot{
		OutboxDepth:           s.outboxDepth.Load(),
		OutboxDroppedTotal:    s.outboxDrops.Load(),
		DeliveredTotal:        s.delivered.Load(),
		DeliveryFailuresTotal: s.deliveryFailures.Load(),
		DeliveryDroppedTotal:  s.deliveryDropped.Load(),
		Ready:                 s.readinessState.Load() == 1,
		ReadyReason:           readyReason,
		ReadyTransitions:      s.readyTransitions.Load(),
		NotReadyTransitions:   s.notReadyTransitions.Load(),
		ReadyAlerts:           s.readyAlerts.Load(),
		ReadyCategories:       categories,
		CategoryTransitions:   categoryCounts,
		Devices:               devices,
	}
}

func (dc *deviceCounters) snapshot(name string) DeviceSnapshot {
	notifications := make(map[types.Reason]uint64)
	dc.notifications.Range(func(key, value any) bool {
		reason, _ := key.(types.Reason)
		if counter, ok := value.(*atomic.Uint64); ok && counter != nil {
			notifications[reason] = counter.Load()
		}
		return true
	})
	return DeviceSnapshot{
		Name:            name,
		Connected:       dc.connected.Load(),
		ConnectAttempts: dc.connectAttempts.Load(),
		ConnectFailures: dc.connectFailures.Load(),
		Disconnects:     dc.disconnects.Load(),
		Payloads:        dc.payloads.Load(),
		Malformed:       dc.malformed.Load(),
		NotifyFailures:  dc.notifyFailures.Load(),
		Notifications:   notifications,
	}
}

// OutboxRecorder returns an implementation of OutboxRecorder backed by the store.
func (s *Store) OutboxRecorder() OutboxRecorder {
	return outboxRecorder{store: s}
}

// DeliveryRecorder returns an implementation of DeliveryRecorder backed by the store.
func (s *Store) DeliveryRecorder() DeliveryRecorder {
	return deliveryRecorder{store: s}
}

type outboxRecorder struct {
	store *Store
}

func (r outboxRecorder) ObserveOutboxDepth(depth int) {
	r.store.outboxDepth.Store(int64(depth))
}

func (r outboxRecorder) IncOutboxDrops() {
	r.store.outboxDrops.Add(1)
}

type deliveryRecorder struct {
	store *Store
}

func (r deliveryRecorder) IncDelivered() {
	r.store.delivered.Add(1)
}

func (r deliveryRecorder) IncDeliveryFailures() {
	r.store.deliveryFailures.Add(1)
}

func (r deliveryRecorder) IncDeliveryDropped() {
	r.store.deliveryDropped.Add(1)
}

// RegisterDevice makes a device visible in the output before its first event.
func (s *Store) RegisterDevice(name string) {
	s.device(name)
}

func (s *Store) device(name string) *deviceCounters {
	if value, ok := s.devices.Load(name); ok {
		if dc, ok := value.(*deviceCounters); ok && dc != nil {
			return dc
		}
	}
	actual, _ := s.devices.LoadOrStore(name, &deviceCounters{})
	return actual.(*deviceCounters)
}

// Record implements events.Recorder, folding monitor events into per-device
// counters.
func (s *Store) Record(event types.Event) {
	if event.Device == "" {
		return
	}
	dc := s.device(event.Device)
	switch event.Type {
	case types.EventConnecting:
		dc.connectAttempts.Add(1)
	case types.EventConnected:
		dc.connected.Store(true)
	case types.EventConnectFailed:
		dc.connectFailures.Add(1)
		dc.connected.Store(false)
	case types.EventDisconnected:
		if dc.connected.Swap(false) {
			dc.disconnects.Add(1)
		}
	case types.EventStopped:
		dc.connected.Store(false)
	case types.EventPayload:
		dc.payloads.Add(1)
	case types.EventMalformed:
		dc.malformed.Add(1)
	case types.EventNotifyFailed:
		dc.notifyFailures.Add(1)
	case types.EventNotified:
		reason, _ := event.Details["reason"].(string)
		if reason == "" {
			return
		}
		key := types.Reason(reason)
		counter := &atomic.Uint64{}
		actual, _ := dc.notifications.LoadOrStore(key, counter)
		if existing, ok := actual.(*atomic.Uint64); ok {
			existing.Add(1)
		}
	}
}

func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	prev := s.readinessState.Load()
	if ready {
		if prev == 0 {
			s.readyTransitions.Add(1)
		}
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		s.readinessCategories.Store([]ReadinessCategory(nil))
		return
	}
	if prev == 1 {
		s.notReadyTransitions.Add(1)
		s.readyAlerts.Add(1)
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
	deduped := dedupeCategories(categories)
	s.readinessCategories.Store(deduped)
	if prev == 1 && len(deduped) > 0 {
		for _, cat := range deduped {
			counter := s.getCategoryCounter(cat)
			counter.Add(1)
		}
	}
}

func (s *Store) getCategoryCounter(category ReadinessCategory) *atomic.Uint64 {
	key := categoryKey{
		Name:     normalizeCategoryName(category.Name),
		Severity: normalizeSeverity(category.Severity),
	}
	if value, ok := s.categoryTotals.Load(key); ok {
		if counter, ok := value.(*atomic.Uint64); ok && counter != nil {
			return counter
		}
	}
	counter := &atomic.Uint64{}
	actual, _ := s.categoryTotals.LoadOrStore(key, counter)
	if existing, ok := actual.(*atomic.Uint64); ok && existing != nil {
		return existing
	}
	return counter
}

func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[categoryKey]struct{}, len(categories))
	result := make([]ReadinessCategory, 0, len(categories))
	for _, c := range categories {
		rawName := strings.TrimSpace(c.Name)
		if rawName == "" {
			continue
		}
		name := normalizeCategoryName(c.Name)
		severity := normalizeSeverity(c.Severity)
		key := categoryKey{Name: name, Severity: severity}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}
	return result
}

func normalizeCategoryName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	return name
}

func normalizeSeverity(severity string) string {
	severity = strings.TrimSpace(strings.ToLower(severity))
	if severity == "" {
		return "unknown"
	}
	switch severity {
	case "info", "informational":
		return "info"
	case "warn", "warning":
		return "warning"
	case "critical", "crit":
		return "critical"
	default:
		return severity
	}
}
