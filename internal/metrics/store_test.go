package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zorkian/chibichonk/pkg/types"
)

func TestStoreOutboxRecorder(t *testing.T) {
	store := NewStore()
	rec := store.OutboxRecorder()

	rec.ObserveOutboxDepth(5)
	rec.IncOutboxDrops()
	rec.IncOutboxDrops()

	snap := store.Snapshot()
	if snap.OutboxDepth != 5 {
		t.Fatalf("expected depth 5 got %d", snap.OutboxDepth)
	}
	if snap.OutboxDroppedTotal != 2 {
		t.Fatalf("expected drops 2 got %d", snap.OutboxDroppedTotal)
	}
}

func TestStoreDeliveryRecorder(t *testing.T) {
	store := NewStore()
	rec := store.DeliveryRecorder()

	rec.IncDelivered()
	rec.IncDelivered()
	rec.IncDeliveryFailures()
	rec.IncDeliveryDropped()

	snap := store.Snapshot()
	if snap.DeliveredTotal != 2 || snap.DeliveryFailuresTotal != 1 || snap.DeliveryDroppedTotal != 1 {
		t.Fatalf("unexpected delivery counters: %+v", snap)
	}
}

func TestStoreRecordDeviceEvents(t *testing.T) {
	store := NewStore()
	record := func(typ types.EventType, details map[string]any) {
		store.Record(types.Event{Type: typ, Device: "x1c", Details: details})
	}

	record(types.EventConnecting, nil)
	record(types.EventConnectFailed, map[string]any{"error": "refused"})
	record(types.EventConnecting, nil)
	record(types.EventConnected, nil)
	record(types.EventPayload, nil)
	record(types.EventPayload, nil)
	record(types.EventMalformed, nil)
	record(types.EventNotified, map[string]any{"reason": string(types.ReasonStatusChanged)})
	record(types.EventNotified, map[string]any{"reason": string(types.ReasonPercentMilestone)})
	record(types.EventNotified, map[string]any{"reason": string(types.ReasonPercentMilestone)})

	snap := store.Snapshot()
	if len(snap.Devices) != 1 {
		t.Fatalf("expected one device, got %+v", snap.Devices)
	}
	dev := snap.Devices[0]
	if dev.Name != "x1c" || !dev.Connected {
		t.Fatalf("unexpected device snapshot: %+v", dev)
	}
	if dev.ConnectAttempts != 2 || dev.ConnectFailures != 1 {
		t.Fatalf("unexpected connect counters: %+v", dev)
	}
	if dev.Payloads != 2 || dev.Malformed != 1 {
		t.Fatalf("unexpected payload counters: %+v", dev)
	}
	if dev.Notifications[types.ReasonStatusChanged] != 1 || dev.Notifications[types.ReasonPercentMilestone] != 2 {
		t.Fatalf("unexpected notifications: %+v", dev.Notifications)
	}

	record(types.EventDisconnected, nil)
	record(types.EventDisconnected, nil)
	dev = store.Snapshot().Devices[0]
	if dev.Connected || dev.Disconnects != 1 {
		t.Fatalf("expected a single disconnect, got %+v", dev)
	}
}

func TestStoreIgnoresEventsWithoutDevice(t *testing.T) {
	store := NewStore()
	store.Record(types.Event{Type: types.EventDelivered})
	if got := len(store.Snapshot().Devices); got != 0 {
		t.Fatalf("expected no devices, got %d", got)
	}
}

func scrape(t *testing.T, store *Store) string {
	t.Helper()
	w := httptest.NewRecorder()
	NewHTTPHandler(store).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	return w.Body.String()
}

func TestStoreCollect(t *testing.T) {
	store := NewStore()
	store.OutboxRecorder().ObserveOutboxDepth(7)
	store.OutboxRecorder().IncOutboxDrops()
	store.DeliveryRecorder().IncDelivered()
	store.RegisterDevice("p1s")
	store.Record(types.Event{Type: types.EventConnected, Device: "x1c"})
	store.Record(types.Event{Type: types.EventNotified, Device: "x1c", Details: map[string]any{"reason": "TIME_ELAPSED"}})
	store.ObserveReadiness(true, "", nil)

	output := scrape(t, store)
	expect := []string{
		"chibichonk_outbox_depth_number 7",
		"chibichonk_outbox_dropped_total 1",
		"chibichonk_deliveries_total{outcome=\"success\"} 1",
		"chibichonk_deliveries_total{outcome=\"failure\"} 0",
		"chibichonk_ready 1",
		"chibichonk_ready_info{reason=\"ready\"} 1",
		"chibichonk_ready_transitions_total{state=\"ready\"} 1",
		"chibichonk_ready_transitions_total{state=\"not_ready\"} 0",
		"chibichonk_ready_alerts_total 0",
		"chibichonk_ready_categories_info{category=\"none\",severity=\"none\"} 1",
		"chibichonk_ready_category_transitions_total{category=\"none\",severity=\"none\"} 0",
		"chibichonk_printer_connected{printer=\"x1c\"} 1",
		"chibichonk_printer_connected{printer=\"p1s\"} 0",
		"chibichonk_printer_notifications_total{printer=\"x1c\",reason=\"TIME_ELAPSED\"} 1",
		"chibichonk_printer_notifications_total{printer=\"p1s\",reason=\"STATUS_CHANGED\"} 0",
	}
	for _, fragment := range expect {
		if !strings.Contains(output, fragment) {
			t.Fatalf("expected output to contain %q, got:\n%s", fragment, output)
		}
	}
}

func TestStoreCollectReadinessCategories(t *testing.T) {
	store := NewStore()
	store.ObserveReadiness(true, "", nil)
	store.ObserveReadiness(false, "outbox capacity exceeded", []ReadinessCategory{
		{Name: "OUTBOX_PRESSURE", Severity: "warn"},
		{Name: "DELIVERY_FAILING", Severity: "critical"},
	})

	output := scrape(t, store)
	for _, fragment := range []string{
		"chibichonk_ready 0",
		"chibichonk_ready_info{reason=\"outbox capacity exceeded\"} 1",
		"chibichonk_ready_categories_info{category=\"OUTBOX_PRESSURE\",severity=\"warning\"} 1",
		"chibichonk_ready_categories_info{category=\"DELIVERY_FAILING\",severity=\"critical\"} 1",
		"chibichonk_ready_category_transitions_total{category=\"OUTBOX_PRESSURE\",severity=\"warning\"} 1",
		"chibichonk_ready_alerts_total 1",
	} {
		if !strings.Contains(output, fragment) {
			t.Fatalf("expected output to contain %q, got:\n%s", fragment, output)
		}
	}
	if strings.Contains(output, "category=\"none\"") {
		t.Fatalf("placeholder categories must not appear once categories exist:\n%s", output)
	}
}

func TestRegistryGathersStore(t *testing.T) {
	store := NewStore()
	store.RegisterDevice("x1c")
	families, err := NewRegistry(store).Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "chibichonk_printer_connected" {
			found = len(mf.GetMetric()) == 1
		}
	}
	if !found {
		t.Fatalf("expected one chibichonk_printer_connected series")
	}
}

func TestHTTPHandler(t *testing.T) {
	store := NewStore()
	h := NewHTTPHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("expected text/plain content-type got %s", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) == 0 {
		t.Fatalf("expected body content")
	}

	headReq := httptest.NewRequest(http.MethodHead, "/metrics", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, headReq)
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for HEAD got %d", w.Result().StatusCode)
	}

	postReq := httptest.NewRequest(http.MethodPost, "/metrics", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, postReq)
	if w.Result().StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", w.Result().StatusCode)
	}
}

func TestStoreObserveReadiness(t *testing.T) {
	store := NewStore()

	// Initial failure should not count as an alert transition because the watcher has not been ready yet.
	store.ObserveReadiness(false, "printers not yet connected", []ReadinessCategory{
		{Name: "PRINTER_PENDING", Severity: "info"},
	})
	snap := store.Snapshot()
	if snap.Ready {
		t.Fatalf("expected readiness false")
	}
	if snap.ReadyReason != "printers not yet connected" {
		t.Fatalf("unexpected reason: %q", snap.ReadyReason)
	}
	if snap.ReadyTransitions != 0 || snap.NotReadyTransitions != 0 || snap.ReadyAlerts != 0 {
		t.Fatalf("unexpected counters after initial failure: %+v", snap)
	}
	if len(snap.ReadyCategories) != 1 {
		t.Fatalf("expected one category, got %+v", snap.ReadyCategories)
	}
	if snap.ReadyCategories[0].Name != "PRINTER_PENDING" || snap.ReadyCategories[0].Severity != "info" {
		t.Fatalf("unexpected category snapshot: %+v", snap.ReadyCategories[0])
	}
	if count := getTransitionCount(snap.CategoryTransitions, "PRINTER_PENDING", "info"); count != 0 {
		t.Fatalf("expected zero PRINTER_PENDING transitions, got %d", count)
	}

	// Transition to ready should bump ready transitions without creating alerts.
	store.ObserveReadiness(true, "", nil)
	snap = store.Snapshot()
	if !snap.Ready {
		t.Fatalf("expected readiness true")
	}
	if snap.ReadyReason != "" {
		t.Fatalf("expected empty reason when ready, got %q", snap.ReadyReason)
	}
	if snap.ReadyTransitions != 1 || snap.NotReadyTransitions != 0 || snap.ReadyAlerts != 0 {
		t.Fatalf("unexpected counters after transition to ready: %+v", snap)
	}
	if len(snap.ReadyCategories) != 0 {
		t.Fatalf("expected no categories when ready, got %+v", snap.ReadyCategories)
	}

	// Transitioning back to not ready should increment alert counters.
	store.ObserveReadiness(false, "outbox capacity exceeded", []ReadinessCategory{
		{Name: "OUTBOX_PRESSURE", Severity: "warning"},
	})
	snap = store.Snapshot()
	if snap.Ready {
		t.Fatalf("expected readiness false after degradation")
	}
	if snap.ReadyReason != "outbox capacity exceeded" {
		t.Fatalf("unexpected reason after degradation: %q", snap.ReadyReason)
	}
	if snap.ReadyTransitions != 1 || snap.NotReadyTransitions != 1 || snap.ReadyAlerts != 1 {
		t.Fatalf("unexpected counters after degradation: %+v", snap)
	}
	if len(snap.ReadyCategories) != 1 {
		t.Fatalf("expected one category after degradation, got %+v", snap.ReadyCategories)
	}
	if snap.ReadyCategories[0].Name != "OUTBOX_PRESSURE" || snap.ReadyCategories[0].Severity != "warning" {
		t.Fatalf("unexpected category after degradation: %+v", snap.ReadyCategories[0])
	}
	if count := getTransitionCount(snap.CategoryTransitions, "OUTBOX_PRESSURE", "warning"); count != 1 {
		t.Fatalf("expected one OUTBOX_PRESSURE transition, got %d", count)
	}

	// Recovering to ready again increments ready transitions while keeping alert count stable.
	store.ObserveReadiness(true, "", nil)
	snap = store.Snapshot()
	if !snap.Ready {
		t.Fatalf("expected readiness true after recovery")
	}
	if snap.ReadyReason != "" {
		t.Fatalf("expected empty reason on recovery, got %q", snap.ReadyReason)
	}
	if snap.ReadyTransitions != 2 || snap.NotReadyTransitions != 1 || snap.ReadyAlerts != 1 {
		t.Fatalf("unexpected counters after recovery: %+v", snap)
	}
	if len(snap.ReadyCategories) != 0 {
		t.Fatalf("expected no categories after recovery, got %+v", snap.ReadyCategories)
	}
}

func TestStoreDedupesCategories(t *testing.T) {
	store := NewStore()

	cats := []ReadinessCategory{
		{Name: "OUTBOX_PRESSURE", Severity: "warning"},
		{Name: "DELIVERY_FAILING", Severity: "warning"},
		{Name: "OUTBOX_PRESSURE", Severity: "warning"},
		{Name: "", Severity: "info"},
		{Name: "  DELIVERY_FAILING  ", Severity: "Warning"},
	}
	store.ObserveReadiness(false, "multiple issues", cats)

	snap := store.Snapshot()
	if len(snap.ReadyCategories) != 2 {
		t.Fatalf("expected 2 categories, got %+v", snap.ReadyCategories)
	}
	expected := map[string]string{
		"OUTBOX_PRESSURE":  "warning",
		"DELIVERY_FAILING": "warning",
	}
	for _, c := range snap.ReadyCategories {
		sev, ok := expected[c.Name]
		if !ok {
			t.Fatalf("unexpected category %+v", c)
		}
		if c.Severity != sev {
			t.Fatalf("unexpected severity for %s: %s", c.Name, c.Severity)
		}
		delete(expected, c.Name)
	}
	// No transitions yet since we never flipped from ready.
	if len(snap.CategoryTransitions) != 0 {
		t.Fatalf("expected zero transition counters, got %+v", snap.CategoryTransitions)
	}
}

func getTransitionCount(counts []CategoryCount, category, severity string) uint64 {
	for _, cc := range counts {
		if cc.Category == category && cc.Severity == severity {
			return cc.Count
		}
	}
	return 0
}
