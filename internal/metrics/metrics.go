package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine collectors.
	Registry = prometheus.NewRegistry()

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wagerbot",
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Inbound messages by routing outcome.",
		},
		[]string{"outcome"},
	)

	offers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wagerbot",
			Subsystem: "offer",
			Name:      "offers_total",
			Help:      "Matched offers by outcome.",
		},
		[]string{"outcome"},
	)

	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wagerbot",
			Subsystem: "wallet",
			Name:      "transfers_total",
			Help:      "Value transfer attempts by outcome.",
		},
		[]string{"outcome"},
	)

	sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wagerbot",
			Subsystem: "outbound",
			Name:      "sends_total",
			Help:      "Outbound sends by result.",
		},
		[]string{"result"},
	)

	sessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "wagerbot",
			Subsystem: "session",
			Name:      "active",
			Help:      "Live sessions by state.",
		},
		[]string{"state"},
	)
)

func init() {
	Registry.MustRegister(
		messages,
		offers,
		transfers,
		sends,
		sessions,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func Message(outcome string)  { messages.WithLabelValues(outcome).Inc() }
func Offer(outcome string)    { offers.WithLabelValues(outcome).Inc() }
func Transfer(outcome string) { transfers.WithLabelValues(outcome).Inc() }

func Send(err error) {
	if err != nil {
		sends.WithLabelValues("error").Inc()
		return
	}
	sends.WithLabelValues("ok").Inc()
}

// SessionStates replaces the per-state gauge values.
func SessionStates(counts map[string]int) {
	sessions.Reset()
	for state, n := range counts {
		sessions.WithLabelValues(state).Set(float64(n))
	}
}
