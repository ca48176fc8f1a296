package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ActiveStreams     prometheus.Gauge
	TokensReceived    prometheus.Counter
	StreamsCompleted  prometheus.Counter
	StreamsCancelled  prometheus.Counter
	StreamsFailed     prometheus.Counter
	SavesDeferred     prometheus.Counter
	SavesRetried      prometheus.Counter
	SaveRetriesFailed prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.ActiveStreams,
			global.TokensReceived,
			global.StreamsCompleted,
			global.StreamsCancelled,
			global.StreamsFailed,
			global.SavesDeferred,
			global.SavesRetried,
			global.SaveRetriesFailed,
		)
	})
	return global
}

// New returns an unregistered instance. Tests use this so they do not
// collide on the default prometheus registry.
func New() *Metrics {
	return &Metrics{
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vidchat",
			Name:      "streams_active",
			Help:      "Streams currently registered as in flight",
		}),
		TokensReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vidchat",
			Name:      "stream_tokens_total",
			Help:      "Total token events received across all streams",
		}),
		StreamsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vidchat",
			Name:      "streams_completed_total",
			Help:      "Streams that ended cleanly with content",
		}),
		StreamsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vidchat",
			Name:      "streams_cancelled_total",
			Help:      "Streams cancelled before completion",
		}),
		StreamsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vidchat",
			Name:      "streams_failed_total",
			Help:      "Streams that ended in a transport or auth error",
		}),
		SavesDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vidchat",
			Name:      "saves_deferred_total",
			Help:      "Durable saves that failed and were parked for retry",
		}),
		SavesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vidchat",
			Name:      "saves_retried_total",
			Help:      "Deferred saves completed by the retry worker",
		}),
		SaveRetriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vidchat",
			Name:      "save_retries_failed_total",
			Help:      "Deferred save attempts that failed",
		}),
	}
}
