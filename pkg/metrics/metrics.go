// Package metrics holds the prometheus collectors for the chat transport.
// A nil *Collectors is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

type Collectors struct {
	FramesReceived      prometheus.Counter
	FramesDropped       *prometheus.CounterVec
	DuplicatesDiscarded prometheus.Counter
	StaleDiscarded      *prometheus.CounterVec
	ReconnectAttempts   prometheus.Counter
	Sends               *prometheus.CounterVec
	HistoryFetch        *prometheus.HistogramVec
	Connected           prometheus.Gauge
}

// New creates the collectors and registers them on reg when reg is not nil.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "frames_received_total",
			Help: "Inbound frames read from the live channel.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "frames_dropped_total",
			Help: "Inbound frames dropped before delivery.",
		}, []string{"reason"}),
		DuplicatesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "duplicates_discarded_total",
			Help: "Deliveries discarded because their id was already buffered.",
		}),
		StaleDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconcile", Name: "stale_discarded_total",
			Help: "Results discarded because their conversation is no longer active.",
		}, []string{"source"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "reconnect_attempts_total",
			Help: "Automatic reconnection attempts.",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "sends_total",
			Help: "Outbound sends by result.",
		}, []string{"result"}),
		HistoryFetch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "history", Name: "fetch_seconds",
			Help:    "History fetch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "connected",
			Help: "1 while a live channel is open.",
		}),
	}
	if reg != nil {
		for _, col := range []prometheus.Collector{
			c.FramesReceived, c.FramesDropped, c.DuplicatesDiscarded, c.StaleDiscarded,
			c.ReconnectAttempts, c.Sends, c.HistoryFetch, c.Connected,
		} {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Collectors) FrameReceived() {
	if c == nil {
		return
	}
	c.FramesReceived.Inc()
}

func (c *Collectors) FrameDropped(reason string) {
	if c == nil {
		return
	}
	c.FramesDropped.WithLabelValues(reason).Inc()
}

func (c *Collectors) Duplicate() {
	if c == nil {
		return
	}
	c.DuplicatesDiscarded.Inc()
}

func (c *Collectors) Stale(source string) {
	if c == nil {
		return
	}
	c.StaleDiscarded.WithLabelValues(source).Inc()
}

func (c *Collectors) Reconnect() {
	if c == nil {
		return
	}
	c.ReconnectAttempts.Inc()
}

func (c *Collectors) Send(result string) {
	if c == nil {
		return
	}
	c.Sends.WithLabelValues(result).Inc()
}

func (c *Collectors) ObserveFetch(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.HistoryFetch.WithLabelValues(result).Observe(d.Seconds())
}

func (c *Collectors) SetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.Connected.Set(1)
		return
	}
	c.Connected.Set(0)
}
