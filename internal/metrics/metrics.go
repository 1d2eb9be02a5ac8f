// Package metrics exposes voxbridge state as a prometheus collector that
// queries its providers at scrape time.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CallCounter exposes live call counts.
type CallCounter interface {
	Count() int
	ConnectedCount() int
}

// BindingCounter exposes the number of current registration bindings.
type BindingCounter interface {
	Count() int
}

// MediaSessionCounter exposes the number of live relay sessions.
type MediaSessionCounter interface {
	Count() int
}

// BlockedSourceCounter exposes the number of sources currently blocked by
// the auth guard.
type BlockedSourceCounter interface {
	BlockedCount() int
}

// EventDropCounter exposes how many events have been dropped on slow
// subscribers.
type EventDropCounter interface {
	Dropped() uint64
}

// RelayFailureCounter exposes how many relay control commands have failed.
type RelayFailureCounter interface {
	FailedCommands() uint64
}

// Collector gathers voxbridge metrics at scrape time. Any provider may be
// nil if unavailable.
type Collector struct {
	calls    CallCounter
	bindings BindingCounter
	media    MediaSessionCounter
	blocked  BlockedSourceCounter
	events   EventDropCounter
	relay    RelayFailureCounter

	startTime time.Time

	activeCallsDesc    *prometheus.Desc
	connectedCallsDesc *prometheus.Desc
	bindingsDesc       *prometheus.Desc
	mediaSessionsDesc  *prometheus.Desc
	blockedDesc        *prometheus.Desc
	eventsDroppedDesc  *prometheus.Desc
	relayFailuresDesc  *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a metrics collector over the given providers.
func NewCollector(
	calls CallCounter,
	bindings BindingCounter,
	media MediaSessionCounter,
	blocked BlockedSourceCounter,
	events EventDropCounter,
	relay RelayFailureCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:     calls,
		bindings:  bindings,
		media:     media,
		blocked:   blocked,
		events:    events,
		relay:     relay,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voxbridge_calls_active",
			"Number of calls currently tracked in any state",
			nil, nil,
		),
		connectedCallsDesc: prometheus.NewDesc(
			"voxbridge_calls_connected",
			"Number of calls currently connected",
			nil, nil,
		),
		bindingsDesc: prometheus.NewDesc(
			"voxbridge_registrations",
			"Number of current registration bindings",
			nil, nil,
		),
		mediaSessionsDesc: prometheus.NewDesc(
			"voxbridge_media_sessions",
			"Number of live media relay sessions",
			nil, nil,
		),
		blockedDesc: prometheus.NewDesc(
			"voxbridge_blocked_sources",
			"Number of source IPs currently blocked by the auth guard",
			nil, nil,
		),
		eventsDroppedDesc: prometheus.NewDesc(
			"voxbridge_events_dropped_total",
			"Events dropped because a subscriber could not keep up",
			nil, nil,
		),
		relayFailuresDesc: prometheus.NewDesc(
			"voxbridge_rtpp_failures_total",
			"RTPProxy control commands that timed out or returned an error",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voxbridge_uptime_seconds",
			"Seconds since the voxbridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.connectedCallsDesc
	ch <- c.bindingsDesc
	ch <- c.mediaSessionsDesc
	ch <- c.blockedDesc
	ch <- c.eventsDroppedDesc
	ch <- c.relayFailuresDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.Count()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.connectedCallsDesc, prometheus.GaugeValue,
			float64(c.calls.ConnectedCount()),
		)
	}

	if c.bindings != nil {
		ch <- prometheus.MustNewConstMetric(
			c.bindingsDesc, prometheus.GaugeValue,
			float64(c.bindings.Count()),
		)
	}

	if c.media != nil {
		ch <- prometheus.MustNewConstMetric(
			c.mediaSessionsDesc, prometheus.GaugeValue,
			float64(c.media.Count()),
		)
	}

	if c.blocked != nil {
		ch <- prometheus.MustNewConstMetric(
			c.blockedDesc, prometheus.GaugeValue,
			float64(c.blocked.BlockedCount()),
		)
	}

	if c.events != nil {
		ch <- prometheus.MustNewConstMetric(
			c.eventsDroppedDesc, prometheus.CounterValue,
			float64(c.events.Dropped()),
		)
	}

	if c.relay != nil {
		ch <- prometheus.MustNewConstMetric(
			c.relayFailuresDesc, prometheus.CounterValue,
			float64(c.relay.FailedCommands()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Handler returns an http.Handler serving the collector on a fresh registry.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
