package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_presence_online_users",
		Help: "Users with an attached connection.",
	})

	InboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_inbound_events_total",
		Help: "Client events dispatched, by event name.",
	}, []string{"event"})

	EventErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_event_errors_total",
		Help: "Client events answered with an error, by event name and error class.",
	}, []string{"event", "class"})

	MessageTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_message_transitions_total",
		Help: "Successful message lifecycle transitions.",
	}, []string{"transition"})

	TypingSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_typing_signals_total",
		Help: "Typing indicator signals emitted, by state.",
	}, []string{"state"})

	CallEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_call_events_total",
		Help: "Call relay outcomes.",
	}, []string{"outcome"})

	SignalPayloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_webrtc_signals_total",
		Help: "Relayed WebRTC negotiation payloads, by detected kind.",
	}, []string{"kind"})

	DroppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_dropped_outbound_events_total",
		Help: "Outbound events dropped because a connection queue was full or closed.",
	})

	StoreDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parley_store_duration_seconds",
		Help:    "Latency of persistence calls made by the messaging core.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		OnlineUsers,
		InboundEvents,
		EventErrors,
		MessageTransitions,
		TypingSignals,
		CallEvents,
		SignalPayloads,
		DroppedEvents,
		StoreDuration,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
