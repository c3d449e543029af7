package metrics

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zorkian/chibichonk/pkg/types"
)

const namespace = "chibichonk"

var (
	outboxDepthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "outbox", "depth_number"),
		"Number of notifications waiting for delivery.", nil, nil)
	outboxDroppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "outbox", "dropped_total"),
		"Total notifications dropped due to outbox pressure.", nil, nil)
	deliveriesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "deliveries_total"),
		"Webhook delivery attempts by outcome.", []string{"outcome"}, nil)
	readyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "ready"),
		"Whether the watcher considers itself ready (1=ready).", nil, nil)
	readyInfoDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "ready", "info"),
		"Reason associated with the most recent readiness evaluation.", []string{"reason"}, nil)
	readyTransitionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "ready", "transitions_total"),
		"Count of readiness state transitions by resulting state.", []string{"state"}, nil)
	readyAlertsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "ready", "alerts_total"),
		"Total number of readiness alert transitions.", nil, nil)
	readyCategoriesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "ready", "categories_info"),
		"Categories associated with the most recent readiness evaluation.", []string{"category", "severity"}, nil)
	readyCategoryTransitionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "ready", "category_transitions_total"),
		"Count of readiness degradations annotated by category.", []string{"category", "severity"}, nil)
	printerConnectedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "printer", "connected"),
		"Whether the printer status feed is connected (1=connected).", []string{"printer"}, nil)
	printerConnectAttemptsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "printer", "connect_attempts_total"),
		"Connection attempts per printer.", []string{"printer"}, nil)
	printerConnectFailuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "printer", "connect_failures_total"),
		"Failed connection attempts per printer.", []string{"printer"}, nil)
	printerDisconnectsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "printer", "disconnects_total"),
		"Connections lost after being established.", []string{"printer"}, nil)
	printerPayloadsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "printer", "payloads_total"),
		"Status payloads received per printer by result.", []string{"printer", "result"}, nil)
	printerNotificationsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "printer", "notifications_total"),
		"Notifications handed to the notifier per printer and reason.", []string{"printer", "reason"}, nil)
)

var reasonOrder = []types.Reason{
	types.ReasonStatusChanged,
	types.ReasonTimeElapsed,
	types.ReasonPercentMilestone,
}

// Describe implements prometheus.Collector.
func (s *Store) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		outboxDepthDesc, outboxDroppedDesc, deliveriesDesc,
		readyDesc, readyInfoDesc, readyTransitionsDesc, readyAlertsDesc,
		readyCategoriesDesc, readyCategoryTransitionsDesc,
		printerConnectedDesc, printerConnectAttemptsDesc, printerConnectFailuresDesc,
		printerDisconnectsDesc, printerPayloadsDesc, printerNotificationsDesc,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector from a single Snapshot so every
// series in one scrape is consistent.
func (s *Store) Collect(ch chan<- prometheus.Metric) {
	snap := s.Snapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(outboxDepthDesc, float64(snap.OutboxDepth))
	counter(outboxDroppedDesc, snap.OutboxDroppedTotal)
	counter(deliveriesDesc, snap.DeliveredTotal, "success")
	counter(deliveriesDesc, snap.DeliveryFailuresTotal, "failure")
	counter(deliveriesDesc, snap.DeliveryDroppedTotal, "dropped")

	reason := snap.ReadyReason
	switch {
	case snap.Ready && reason == "":
		reason = "ready"
	case reason == "":
		reason = "unknown"
	}
	gauge(readyDesc, boolValue(snap.Ready))
	gauge(readyInfoDesc, 1, reason)
	counter(readyTransitionsDesc, snap.ReadyTransitions, "ready")
	counter(readyTransitionsDesc, snap.NotReadyTransitions, "not_ready")
	counter(readyAlertsDesc, snap.ReadyAlerts)

	if len(snap.ReadyCategories) == 0 {
		gauge(readyCategoriesDesc, 1, "none", "none")
	}
	for _, cat := range snap.ReadyCategories {
		gauge(readyCategoriesDesc, 1, cat.Name, cat.Severity)
	}
	if len(snap.CategoryTransitions) == 0 {
		counter(readyCategoryTransitionsDesc, 0, "none", "none")
	}
	counts := append([]CategoryCount(nil), snap.CategoryTransitions...)
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Category == counts[j].Category {
			return counts[i].Severity < counts[j].Severity
		}
		return counts[i].Category < counts[j].Category
	})
	for _, cc := range counts {
		counter(readyCategoryTransitionsDesc, cc.Count, cc.Category, cc.Severity)
	}

	for _, dev := range snap.Devices {
		gauge(printerConnectedDesc, boolValue(dev.Connected), dev.Name)
		counter(printerConnectAttemptsDesc, dev.ConnectAttempts, dev.Name)
		counter(printerConnectFailuresDesc, dev.ConnectFailures, dev.Name)
		counter(printerDisconnectsDesc, dev.Disconnects, dev.Name)
		counter(printerPayloadsDesc, dev.Payloads, dev.Name, "ok")
		counter(printerPayloadsDesc, dev.Malformed, dev.Name, "malformed")
		for _, r := range reasonOrder {
			counter(printerNotificationsDesc, dev.Notifications[r], dev.Name, string(r))
		}
		counter(printerNotificationsDesc, dev.NotifyFailures, dev.Name, "rejected")
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewRegistry returns a registry exposing store.
func NewRegistry(store *Store) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(store)
	return reg
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	metrics := promhttp.HandlerFor(NewRegistry(store), promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		metrics.ServeHTTP(w, r)
	})
}
