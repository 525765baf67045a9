// Package bridge implements the core serial<->MQTT translation loop.
// Grounded on original_source/ja2mqtt/components/bridge.py's
// SerialMQTTBridge: on_mqtt_connect, on_mqtt_message, on_serial_data and
// update_correlation.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jablotron/ja2mqtt/internal/correlation"
	"github.com/jablotron/ja2mqtt/internal/definition"
	"github.com/jablotron/ja2mqtt/internal/expr"
	"github.com/jablotron/ja2mqtt/internal/logging"
	"github.com/jablotron/ja2mqtt/internal/metrics"
	"github.com/jablotron/ja2mqtt/internal/mqttclient"
	"github.com/jablotron/ja2mqtt/internal/prfstate"
	"github.com/jablotron/ja2mqtt/internal/tree"
)

// SerialWriter is the subset of *serialport.Port the bridge depends on,
// narrowed for testability without a real device.
type SerialWriter interface {
	WriteLine(line string) error
}

// MQTTPublisher is the subset of *mqttclient.Client the bridge depends on
// to publish and subscribe, narrowed for testability without a broker.
type MQTTPublisher interface {
	Subscribe(topic string, qos byte) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	OnConnect(fn func())
	OnMessage(fn func(topic string, payload []byte))
	State() mqttclient.State
}

// Bridge owns the compiled definition, the matcher/format expression scope,
// the PRFSTATE history, and the correlation queue, and wires the serial
// port and MQTT client together.
type Bridge struct {
	def     *definition.Definition
	mqtt    MQTTPublisher
	serial  SerialWriter
	corr    *correlation.Manager
	log     logging.Logger
	metrics *metrics.Registry
	env     *expr.Env

	mu         sync.Mutex
	prfHistory [2]prfstate.Map // [0] previous, [1] current
}

// New constructs a Bridge and wires its MQTT callbacks. The caller is still
// responsible for calling serial.Open/ReadLoop and mqtt.Connect.
func New(def *definition.Definition, mqttClient MQTTPublisher, serial SerialWriter, corr *correlation.Manager, log logging.Logger, reg *metrics.Registry) *Bridge {
	env := NewMatcherEnv()
	env.Set("topology", def.Topology)

	b := &Bridge{
		def:     def,
		mqtt:    mqttClient,
		serial:  serial,
		corr:    corr,
		log:     log.Named("bridge"),
		metrics: reg,
		env:     env,
	}
	b.prfHistory[0] = prfstate.Zero(def.PrfstateBits)
	b.prfHistory[1] = prfstate.Zero(def.PrfstateBits)

	mqttClient.OnConnect(b.onMQTTConnect)
	mqttClient.OnMessage(b.onMQTTMessage)
	return b
}

// onMQTTConnect subscribes every non-disabled mqtt2serial topic, called on
// every (re)connection since paho does not remember subscriptions across a
// clean-session reconnect.
func (b *Bridge) onMQTTConnect() {
	for _, topic := range b.def.TopicsMQTT2Serial {
		if topic.Disabled {
			continue
		}
		if err := b.mqtt.Subscribe(topic.Name, 0); err != nil {
			b.log.Error("cannot subscribe", "topic", topic.Name, "error", err)
		}
	}
}

// onMQTTMessage handles one inbound MQTT publish: find the matching topic
// by filter, walk its rules in order, and on the first match render and
// write the serial command.
func (b *Bridge) onMQTTMessage(topicName string, payload []byte) {
	if b.metrics != nil {
		b.metrics.MQTTMessagesReceived.Inc()
	}
	topic, ok := b.findMQTT2SerialTopic(topicName)
	if !ok {
		b.log.Warn("message on unrecognized topic", "topic", topicName)
		return
	}
	if topic.Disabled {
		return
	}

	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		data = string(payload)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rule := range topic.Rules {
		b.env.Set("data", data)
		matched, capture, err := evalReadMatch(rule.Read, b.env, true)
		if err != nil {
			b.log.Error("read evaluation failed", "topic", topicName, "error", err)
			b.env.Delete("data")
			continue
		}
		if !matched {
			b.env.Delete("data")
			continue
		}
		if capture != nil {
			b.env.Set("data", capture)
		}

		lineVal := tree.DeepEvalLenient(rule.Write, b.env, func(exprText string, err error) {
			b.log.Warn("write expression failed", "expr", exprText, "error", err)
		})
		b.env.Delete("data")

		line, ok := lineVal.(string)
		if !ok {
			b.log.Error("mqtt2serial rule's write did not produce a string command", "topic", topicName)
			continue
		}

		corrID := extractCorrID(data, b.def.CorrelationIDField)
		if corrID == nil && b.def.CorrelationIDField != "" {
			generated := uuid.NewString()
			corrID = &generated
		}
		b.corr.Push(corrID, requestTTLOrDefault(rule.RequestTTL))
		if err := b.serial.WriteLine(line); err != nil {
			b.log.Error("serial write failed", "line", line, "error", err)
			continue
		}
		if b.metrics != nil {
			b.metrics.SerialLinesWritten.Inc()
			b.metrics.RulesMatched.WithLabelValues("mqtt2serial", topicName).Inc()
		}
		return
	}
}

// onSerialData handles one inbound serial line: PRFSTATE decode and history
// update happen unconditionally and first, then (only while MQTT is
// connected) the correlation queue is consulted exactly once and the
// serial2mqtt topic/rule set is walked.
func (b *Bridge) onSerialData(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if b.metrics != nil {
		b.metrics.SerialLinesRead.Inc()
	}

	transitions, snapshot := b.updatePrfHistory(line)

	if b.mqtt.State() != mqttclient.StateConnected {
		b.log.Warn("dropping serial line, mqtt not connected", "line", line)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	corrID, hadPending := b.corr.Next()
	corrPatch := correlation.Patch(b.def.CorrelationIDField, corrID)

	positions := transitions
	if snapshot != nil {
		if armed, _ := b.env.Get(prfArmedKey); armed == true {
			positions = prfstate.Positions(snapshot)
			b.env.Delete(prfArmedKey)
		}
	}

	if len(positions) > 0 {
		for _, pos := range positions {
			b.env.Set("transition_pos", pos)
			b.env.Set("transition_state", snapshot[pos])
			b.walkSerialTopics(line, corrPatch, hadPending)
		}
		b.env.Delete("transition_pos")
		b.env.Delete("transition_state")
		return
	}

	b.walkSerialTopics(line, corrPatch, hadPending)
}

func (b *Bridge) updatePrfHistory(line string) ([]int, prfstate.Map) {
	if !strings.HasPrefix(line, "PRFSTATE ") {
		return nil, nil
	}
	hex := strings.TrimSpace(strings.TrimPrefix(line, "PRFSTATE "))
	decoded, err := prfstate.Decode(hex)
	if err != nil {
		b.log.Error("cannot decode PRFSTATE", "line", line, "error", err)
		return nil, nil
	}
	b.mu.Lock()
	prev := b.prfHistory[1]
	b.prfHistory[0] = prev
	b.prfHistory[1] = decoded
	b.mu.Unlock()
	return prfstate.Transitions(prev, decoded), decoded
}

// walkSerialTopics walks every enabled topic's rules, in order, for one
// serial line. Per spec.md §4.5 step 5 and Invariant (i), the *entire*
// walk — not just the current topic's remaining rules — stops as soon as a
// rule matches and does not set `process_next_rule`: a single walk
// publishes at most once unless `process_next_rule` explicitly opts a rule
// into letting the walk continue. onSerialData runs one walk per reported
// PRFSTATE position, so a PRFSTATE line can publish once per position.
func (b *Bridge) walkSerialTopics(line string, corrPatch map[string]any, hadPending bool) {
	b.env.Set("line", line)
	defer b.env.Delete("line")

	for _, topic := range b.def.TopicsSerial2MQTT {
		if topic.Disabled {
			continue
		}
		for _, rule := range topic.Rules {
			matched, capture, err := evalReadMatch(rule.Read, b.env, false)
			if err != nil {
				b.log.Error("read evaluation failed", "topic", topic.Name, "error", err)
				continue
			}
			if !matched {
				continue
			}

			// Matching happens first, independent of require_request
			// (spec.md §4.5 step 4): require_request only gates whether
			// this matched rule's write is published, not whether it is
			// the walk's matched rule for short-circuiting purposes.
			if capture != nil {
				b.env.Set("data", capture)
			}
			if rule.RequireRequest && !hadPending {
				b.env.Delete("data")
				if !rule.ProcessNextRule {
					return
				}
				continue
			}

			writeVal := tree.DeepEvalLenient(rule.Write, b.env, func(exprText string, err error) {
				b.log.Warn("write expression failed", "expr", exprText, "error", err)
			})
			b.env.Delete("data")

			payload := writeVal
			if m, ok := writeVal.(map[string]any); ok && !rule.NoCorrelation && corrPatch != nil {
				dest := make(map[string]any, len(corrPatch))
				for k, v := range corrPatch {
					dest[k] = v
				}
				payload = tree.Merge(m, dest)
			}

			raw, err := json.Marshal(payload)
			if err != nil {
				b.log.Error("cannot marshal mqtt payload", "topic", topic.Name, "error", err)
				if !rule.ProcessNextRule {
					return
				}
				continue
			}
			if err := b.mqtt.Publish(topic.Name, 0, false, raw); err != nil {
				b.log.Error("publish failed", "topic", topic.Name, "error", err)
				if !rule.ProcessNextRule {
					return
				}
				continue
			}
			if b.metrics != nil {
				b.metrics.MQTTMessagesPublished.Inc()
				b.metrics.RulesMatched.WithLabelValues("serial2mqtt", topic.Name).Inc()
			}
			if !rule.ProcessNextRule {
				return
			}
		}
	}
}

// SerialReader is the subset of *serialport.Port (or a simulator.Port
// standing in for one) that Run depends on to drive onSerialData.
type SerialReader interface {
	ReadLoop(ctx context.Context, onLine func(line string)) error
}

// Run wires a live serial ReadLoop into onSerialData and blocks until ctx
// is cancelled, the construction/startup order from spec.md's Design
// Notes: definition, then serial port, then MQTT client, then bridge.
func (b *Bridge) Run(ctx context.Context, reader SerialReader) error {
	return reader.ReadLoop(ctx, b.onSerialData)
}

func (b *Bridge) findMQTT2SerialTopic(topicName string) (definition.Topic, bool) {
	for _, t := range b.def.TopicsMQTT2Serial {
		if matchTopicFilter(t.Name, topicName) {
			return t, true
		}
	}
	return definition.Topic{}, false
}

// matchTopicFilter implements MQTT topic-filter matching for the `+` and
// `#` wildcards ("ja2mqtt/set/+" matches "ja2mqtt/set/1").
func matchTopicFilter(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")
	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp != "+" && fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}

// evalReadMatch evaluates a compiled rule.Read tree. A nil Read on an
// mqtt2serial rule accepts any payload (Open Question decision, see
// DESIGN.md); a nil Read anywhere else never matches, since a serial2mqtt
// rule without a read condition would publish unconditionally on every
// line.
func evalReadMatch(readTree any, env *expr.Env, isMQTT2Serial bool) (matched bool, data any, err error) {
	if readTree == nil {
		return isMQTT2Serial, nil, nil
	}
	switch t := readTree.(type) {
	case *expr.Expr:
		v, err := t.Eval(env)
		if err != nil {
			return false, nil, err
		}
		return expr.Truthy(v), v, nil
	default:
		v, err := tree.DeepEval(t, env)
		if err != nil {
			return false, nil, err
		}
		return expr.Truthy(v), v, nil
	}
}

func extractCorrID(data any, field string) *string {
	if field == "" {
		return nil
	}
	m, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	v, ok := m[field]
	if !ok {
		return nil
	}
	s := fmt.Sprintf("%v", v)
	return &s
}

func requestTTLOrDefault(ttl int) int {
	if ttl <= 0 {
		return 1
	}
	return ttl
}
