// Package metrics exposes server counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dkeye/Stage/internal/domain"
)

const namespace = "stage"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	messages          *prometheus.CounterVec
	handlerErrors     *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	transitions       *prometheus.CounterVec
	reconnectTimeouts prometheus.Counter
}

// New registers collectors on a private registry. rooms is polled at scrape
// time for the room, participant and track gauges; it may be nil.
func New(rooms func() []domain.RoomInfo) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signal_messages_total",
			Help:      "Inbound signaling messages by route.",
		}, []string{"route"}),
		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Failed signaling handlers by route and error kind.",
		}, []string{"route", "kind"}),
		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Signaling handler latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"route"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_transitions_total",
			Help:      "Room lifecycle transitions.",
		}, []string{"from", "to"}),
		reconnectTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_timeouts_total",
			Help:      "Rooms removed because the primary publisher did not come back.",
		}),
	}
	if rooms != nil {
		reg.MustRegister(newRoomCollector(rooms))
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry; a nil Metrics answers 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Message(route string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(route).Inc()
}

func (m *Metrics) HandlerError(route, kind string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(route, kind).Inc()
}

func (m *Metrics) ObserveHandler(route string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) RoomTransition(from, to domain.RoomState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) ReconnectTimeout() {
	if m == nil {
		return
	}
	m.reconnectTimeouts.Inc()
}

type roomCollector struct {
	rooms      func() []domain.RoomInfo
	roomsDesc  *prometheus.Desc
	partDesc   *prometheus.Desc
	tracksDesc *prometheus.Desc
}

func newRoomCollector(rooms func() []domain.RoomInfo) *roomCollector {
	return &roomCollector{
		rooms:      rooms,
		roomsDesc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "rooms"), "Live rooms by lifecycle state.", []string{"state"}, nil),
		partDesc:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "participants"), "Participants across live rooms.", nil, nil),
		tracksDesc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "tracks_published"), "Published tracks across live rooms.", nil, nil),
	}
}

func (c *roomCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.roomsDesc
	ch <- c.partDesc
	ch <- c.tracksDesc
}

func (c *roomCollector) Collect(ch chan<- prometheus.Metric) {
	byState := map[domain.RoomState]int{domain.RoomActive: 0, domain.RoomSleeping: 0}
	participants, tracks := 0, 0
	for _, info := range c.rooms() {
		if info.State == domain.RoomRemoved {
			continue
		}
		byState[info.State]++
		participants += info.Participants
		tracks += info.Tracks
	}
	for state, n := range byState {
		ch <- prometheus.MustNewConstMetric(c.roomsDesc, prometheus.GaugeValue, float64(n), string(state))
	}
	ch <- prometheus.MustNewConstMetric(c.partDesc, prometheus.GaugeValue, float64(participants))
	ch <- prometheus.MustNewConstMetric(c.tracksDesc, prometheus.GaugeValue, float64(tracks))
}
