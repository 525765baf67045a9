package definition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinition = `
system:
  topic_prefix: ja2mqtt
  correlation_id: corrid
  correlation_timeout: 5
  prfstate_bits: 16

topology:
  section:
    - name: Garage
      code: "1"
    - name: House
      code: "2"

serial2mqtt:
  - name: state
    rules:
      - read: "=pattern('^STATE ([0-9]+) ([A-Z]+)$')"
        write:
          section_code: "=data.group(1)"
          state: "=data.group(2)"

mqtt2serial:
  - name: set/+pin
    rules:
      - write: "=format('{pin} SET {code}', pin=data.pin, code=1)"
`

func writeTempDefinition(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "definition.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidDefinition(t *testing.T) {
	path := writeTempDefinition(t, sampleDefinition)
	def, err := Load(path, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "ja2mqtt", def.TopicPrefix)
	assert.Equal(t, 16, def.PrfstateBits)
	require.Len(t, def.TopicsSerial2MQTT, 1)
	assert.Equal(t, "ja2mqtt/state", def.TopicsSerial2MQTT[0].Name)
	require.Len(t, def.TopicsMQTT2Serial, 1)
	assert.Equal(t, "ja2mqtt/set/+pin", def.TopicsMQTT2Serial[0].Name)
}

func TestLoadRejectsMissingRequiredSection(t *testing.T) {
	path := writeTempDefinition(t, "system:\n  topic_prefix: ja2mqtt\n")
	_, err := Load(path, nil, nil)
	assert.Error(t, err)
}

func TestLoadRejectsDuplicateSectionCodes(t *testing.T) {
	def := `
topology:
  section:
    - name: A
      code: "1"
    - name: B
      code: "1"
serial2mqtt: []
mqtt2serial: []
`
	path := writeTempDefinition(t, def)
	_, err := Load(path, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topology.section.code")
}

func TestLoadRejectsDuplicateSimulatorSectionCodes(t *testing.T) {
	def := `
simulator:
  sections:
    - name: A
      code: "1"
    - name: B
      code: "1"
serial2mqtt: []
mqtt2serial: []
`
	path := writeTempDefinition(t, def)
	_, err := Load(path, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulator.sections.code")
}

func TestLoadEnvInterpolation(t *testing.T) {
	def := `
system:
  topic_prefix: "${PREFIX}"
serial2mqtt: []
mqtt2serial: []
`
	path := writeTempDefinition(t, def)
	loaded, err := Load(path, nil, map[string]string{"PREFIX": "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", loaded.TopicPrefix)
}

func TestLoadEnvInterpolationMissingVariable(t *testing.T) {
	def := `
system:
  topic_prefix: "${MISSING}"
serial2mqtt: []
mqtt2serial: []
`
	path := writeTempDefinition(t, def)
	_, err := Load(path, nil, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING")
}

func TestResolveTopicName(t *testing.T) {
	assert.Equal(t, "ja2mqtt/state", resolveTopicName("state", "ja2mqtt"))
	assert.Equal(t, "ja2mqtt/state", resolveTopicName("ja2mqtt/state", "ja2mqtt"))
}
