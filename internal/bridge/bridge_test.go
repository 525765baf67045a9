package bridge

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/jablotron/ja2mqtt/internal/correlation"
	"github.com/jablotron/ja2mqtt/internal/definition"
	"github.com/jablotron/ja2mqtt/internal/logging"
	"github.com/jablotron/ja2mqtt/internal/metrics"
	"github.com/jablotron/ja2mqtt/internal/mqttclient"
	"github.com/jablotron/ja2mqtt/internal/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSerial struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeSerial) WriteLine(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	return nil
}

type fakeMQTT struct {
	mu         sync.Mutex
	state      mqttclient.State
	subscribed []string
	published  []publishedMsg
	onConnect  func()
	onMessage  func(topic string, payload []byte)
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func (f *fakeMQTT) Subscribe(topic string, qos byte) error {
	f.subscribed = append(f.subscribed, topic)
	return nil
}
func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic, payload})
	return nil
}
func (f *fakeMQTT) OnConnect(fn func())                             { f.onConnect = fn }
func (f *fakeMQTT) OnMessage(fn func(topic string, payload []byte)) { f.onMessage = fn }
func (f *fakeMQTT) State() mqttclient.State                         { return f.state }

func compileRule(t *testing.T, readRaw, writeRaw any) definition.Rule {
	t.Helper()
	var rule definition.Rule
	if readRaw != nil {
		compiled, err := tree.Compile(readRaw)
		require.NoError(t, err)
		rule.Read = compiled
	}
	compiled, err := tree.Compile(writeRaw)
	require.NoError(t, err)
	rule.Write = compiled
	rule.RequestTTL = 1
	return rule
}

func newTestBridge(t *testing.T, def *definition.Definition) (*Bridge, *fakeSerial, *fakeMQTT) {
	t.Helper()
	serial := &fakeSerial{}
	m := &fakeMQTT{state: mqttclient.StateConnected}
	reg, _ := metrics.New()
	corr := correlation.NewManager(0)
	b := New(def, m, serial, corr, logging.Nop(), reg)
	return b, serial, m
}

func TestOnMQTTMessageWritesSerialLine(t *testing.T) {
	def := &definition.Definition{
		TopicsMQTT2Serial: []definition.Topic{
			{
				Name: "ja2mqtt/set",
				Rules: []definition.Rule{
					compileRule(t, nil, "=format('{pin} SET {code}', pin=data.pin, code=data.code)"),
				},
			},
		},
	}
	b, serial, _ := newTestBridge(t, def)
	payload, _ := json.Marshal(map[string]any{"pin": "1234", "code": "1"})
	b.onMQTTMessage("ja2mqtt/set", payload)

	require.Len(t, serial.lines, 1)
	assert.Equal(t, "1234 SET 1", serial.lines[0])
}

func TestOnMQTTConnectSubscribesEnabledTopics(t *testing.T) {
	def := &definition.Definition{
		TopicsMQTT2Serial: []definition.Topic{
			{Name: "ja2mqtt/set", Rules: []definition.Rule{compileRule(t, nil, "x")}},
			{Name: "ja2mqtt/disabled", Disabled: true, Rules: []definition.Rule{compileRule(t, nil, "x")}},
		},
	}
	b, _, m := newTestBridge(t, def)
	b.onMQTTConnect()
	assert.Equal(t, []string{"ja2mqtt/set"}, m.subscribed)
}

func TestOnSerialDataPublishesMatchedRule(t *testing.T) {
	def := &definition.Definition{
		CorrelationIDField: "corrid",
		TopicsSerial2MQTT: []definition.Topic{
			{
				Name: "ja2mqtt/state",
				Rules: []definition.Rule{
					compileRule(t,
						"=pattern('^STATE (\\\\d+) (\\\\w+)$')",
						map[string]any{
							"section": "=data.group(1)",
							"status":  "=data.group(2)",
						},
					),
				},
			},
		},
	}
	b, _, m := newTestBridge(t, def)
	b.onSerialData("STATE 1 SET")

	require.Len(t, m.published, 1)
	assert.Equal(t, "ja2mqtt/state", m.published[0].topic)

	var got map[string]any
	require.NoError(t, json.Unmarshal(m.published[0].payload, &got))
	assert.Equal(t, "1", got["section"])
	assert.Equal(t, "SET", got["status"])
}

func TestOnSerialDataSkippedWhenDisconnected(t *testing.T) {
	def := &definition.Definition{
		TopicsSerial2MQTT: []definition.Topic{
			{Name: "ja2mqtt/state", Rules: []definition.Rule{compileRule(t, "=pattern('.*')", "x")}},
		},
	}
	b, _, m := newTestBridge(t, def)
	m.state = mqttclient.StateDisconnected
	b.onSerialData("STATE 1 SET")
	assert.Empty(t, m.published)
}

func TestOnSerialDataPrfstateTransitionTriggersRule(t *testing.T) {
	def := &definition.Definition{
		PrfstateBits: 16,
		TopicsSerial2MQTT: []definition.Topic{
			{
				Name: "ja2mqtt/peripheral",
				Rules: []definition.Rule{
					compileRule(t, "=prf_state(0)", map[string]any{"pos": "=transition_pos", "state": "=transition_state"}),
				},
			},
		},
	}
	b, _, m := newTestBridge(t, def)
	b.onSerialData("PRFSTATE 0100")

	require.Len(t, m.published, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(m.published[0].payload, &got))
	assert.Equal(t, float64(0), got["pos"])
}

func TestWalkSerialTopicsStopsAtFirstMatchAcrossTopics(t *testing.T) {
	def := &definition.Definition{
		TopicsSerial2MQTT: []definition.Topic{
			{
				Name:  "ja2mqtt/first",
				Rules: []definition.Rule{compileRule(t, "=pattern('.*')", "first")},
			},
			{
				Name:  "ja2mqtt/second",
				Rules: []definition.Rule{compileRule(t, "=pattern('.*')", "second")},
			},
		},
	}
	b, _, m := newTestBridge(t, def)
	b.onSerialData("STATE 1 SET")

	require.Len(t, m.published, 1, "a match without process_next_rule must stop the walk before the next topic")
	assert.Equal(t, "ja2mqtt/first", m.published[0].topic)
}

func TestWalkSerialTopicsProcessNextRuleContinuesAcrossTopics(t *testing.T) {
	firstRule := compileRule(t, "=pattern('.*')", "first")
	firstRule.ProcessNextRule = true
	def := &definition.Definition{
		TopicsSerial2MQTT: []definition.Topic{
			{Name: "ja2mqtt/first", Rules: []definition.Rule{firstRule}},
			{Name: "ja2mqtt/second", Rules: []definition.Rule{compileRule(t, "=pattern('.*')", "second")}},
		},
	}
	b, _, m := newTestBridge(t, def)
	b.onSerialData("STATE 1 SET")

	require.Len(t, m.published, 2, "process_next_rule must let the walk continue into the next topic")
	assert.Equal(t, "ja2mqtt/first", m.published[0].topic)
	assert.Equal(t, "ja2mqtt/second", m.published[1].topic)
}

func TestWalkSerialTopicsRequireRequestGatesPublishNotMatch(t *testing.T) {
	gated := compileRule(t, "=pattern('.*')", "gated")
	gated.RequireRequest = true
	def := &definition.Definition{
		TopicsSerial2MQTT: []definition.Topic{
			{Name: "ja2mqtt/gated", Rules: []definition.Rule{gated}},
			{Name: "ja2mqtt/second", Rules: []definition.Rule{compileRule(t, "=pattern('.*')", "second")}},
		},
	}
	b, _, m := newTestBridge(t, def)
	b.onSerialData("STATE 1 SET")

	assert.Empty(t, m.published, "a matched require_request rule with no pending request must still stop the walk, without publishing")
}

func TestWritePrfStateArmsFullDumpOnNextDecode(t *testing.T) {
	def := &definition.Definition{
		PrfstateBits: 16,
		TopicsMQTT2Serial: []definition.Topic{
			{
				Name:  "ja2mqtt/poll",
				Rules: []definition.Rule{compileRule(t, nil, "=write_prf_state()")},
			},
		},
		TopicsSerial2MQTT: []definition.Topic{
			{
				Name: "ja2mqtt/peripheral",
				Rules: []definition.Rule{
					compileRule(t, "=prf_state(1)", map[string]any{"pos": "=transition_pos", "state": "=transition_state"}),
				},
			},
		},
	}
	b, serial, m := newTestBridge(t, def)

	b.onMQTTMessage("ja2mqtt/poll", []byte(`{}`))
	require.Len(t, serial.lines, 1)
	assert.Equal(t, "PRFSTATE", serial.lines[0])

	// Bit 1 never flips (0000 -> 0000 at byte 0, binary 00000000), but the
	// arm set by write_prf_state() must still force a report for position 1.
	b.onSerialData("PRFSTATE 0000")

	require.Len(t, m.published, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(m.published[0].payload, &got))
	assert.Equal(t, float64(1), got["pos"])
	assert.Equal(t, "OFF", got["state"])
}

func TestOnMQTTMessageGeneratesCorrIDWhenMissing(t *testing.T) {
	def := &definition.Definition{
		CorrelationIDField: "corrid",
		TopicsMQTT2Serial: []definition.Topic{
			{
				Name:  "ja2mqtt/set",
				Rules: []definition.Rule{compileRule(t, nil, "=format('{pin} SET {code}', pin=data.pin, code=data.code)")},
			},
		},
	}
	b, serial, _ := newTestBridge(t, def)
	payload, _ := json.Marshal(map[string]any{"pin": "1234", "code": "1"})
	b.onMQTTMessage("ja2mqtt/set", payload)

	require.Len(t, serial.lines, 1)
	assert.Equal(t, 1, b.corr.Len(), "a generated correlation id must still be queued even when the payload carried none")
}

func TestMatchTopicFilter(t *testing.T) {
	assert.True(t, matchTopicFilter("ja2mqtt/set/+", "ja2mqtt/set/1"))
	assert.True(t, matchTopicFilter("ja2mqtt/#", "ja2mqtt/set/1/extra"))
	assert.False(t, matchTopicFilter("ja2mqtt/set/+", "ja2mqtt/other/1"))
	assert.True(t, matchTopicFilter("ja2mqtt/set", "ja2mqtt/set"))
}
