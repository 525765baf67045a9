// Package metrics holds the bridge's Prometheus counters, registered on a
// private registry (no HTTP exposition server is started: spec.md's
// non-goals exclude an observability surface, but the instrumentation
// itself is carried per the reference pipeline's use of
// prometheus/client_golang throughout its engine package).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the counters the bridge increments while translating.
// CorrelationsExpired is registered with the others, but no component
// increments it.
type Registry struct {
	SerialLinesRead       prometheus.Counter
	SerialLinesWritten    prometheus.Counter
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesReceived  prometheus.Counter
	CorrelationsExpired   prometheus.Counter
	RulesMatched          *prometheus.CounterVec
}

// New constructs a Registry bound to a fresh, private prometheus.Registry so
// that multiple bridges (e.g. in tests) never collide on metric names.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	r := &Registry{
		SerialLinesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ja2mqtt_serial_lines_read_total",
			Help: "Number of lines read from the serial interface.",
		}),
		SerialLinesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ja2mqtt_serial_lines_written_total",
			Help: "Number of lines written to the serial interface.",
		}),
		MQTTMessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ja2mqtt_mqtt_messages_published_total",
			Help: "Number of messages published to the MQTT broker.",
		}),
		MQTTMessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ja2mqtt_mqtt_messages_received_total",
			Help: "Number of messages received from the MQTT broker.",
		}),
		CorrelationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ja2mqtt_correlations_expired_total",
			Help: "Number of pending requests discarded due to TTL or timeout.",
		}),
		RulesMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ja2mqtt_rules_matched_total",
			Help: "Number of rule matches, labeled by direction and topic.",
		}, []string{"direction", "topic"}),
	}
	reg.MustRegister(
		r.SerialLinesRead,
		r.SerialLinesWritten,
		r.MQTTMessagesPublished,
		r.MQTTMessagesReceived,
		r.CorrelationsExpired,
		r.RulesMatched,
	)
	return r, reg
}
