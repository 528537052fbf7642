// Package metrics exposes the chat core's counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatsync"

// Collectors implements the Recorder interfaces of the chat, directory and
// feed packages.
type Collectors struct {
	mutations   *prometheus.CounterVec
	lookups     *prometheus.CounterVec
	feedsActive prometheus.Gauge
	feedsOpened prometheus.Counter
	feedErrors  prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Message and conversation mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sender_lookups_total",
			Help:      "Sender directory resolutions by outcome.",
		}, []string{"outcome"}),
		feedsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feeds_active",
			Help:      "Conversation feeds with a live upstream query.",
		}),
		feedsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_subscriptions_total",
			Help:      "Upstream message queries opened.",
		}),
		feedErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_errors_total",
			Help:      "Feeds terminated by an upstream error.",
		}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{c.mutations, c.lookups, c.feedsActive, c.feedsOpened, c.feedErrors} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) ObserveMutation(op, outcome string) {
	c.mutations.WithLabelValues(op, outcome).Inc()
}

func (c *Collectors) ObserveLookup(outcome string) {
	c.lookups.WithLabelValues(outcome).Inc()
}

func (c *Collectors) FeedOpened() {
	c.feedsOpened.Inc()
	c.feedsActive.Inc()
}

func (c *Collectors) FeedClosed() {
	c.feedsActive.Dec()
}

func (c *Collectors) FeedFailed() {
	c.feedErrors.Inc()
}
