package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"munet/api"
)

func testLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader(nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	return l
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

const basicYAML = `
version: 1
topology:
  networks-autonumber: true
  networks:
    - name: net0
  nodes:
    - name: r1
      connections: ["net0"]
    - name: r2
      connections:
        - to: net0
          name: eth9
`

func TestLoadYAMLAndNormalize(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "munet.yaml", basicYAML)

	cfg, err := testLoader(t).Load(p, nil)
	require.NoError(t, err)
	assert.Equal(t, p, cfg.Pathname)
	require.Len(t, cfg.Topology.Nodes, 2)
	require.Len(t, cfg.Topology.Nodes[0].Connections, 1)
	assert.Equal(t, "net0", cfg.Topology.Nodes[0].Connections[0].To)
	assert.Equal(t, "eth9", cfg.Topology.Nodes[1].Connections[0].Name)
}

func TestStemProbeOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "munet.yaml", basicYAML)
	writeFile(t, dir, "munet.json", `{"version": 1, "topology": {"nodes": [{"name": "only"}]}}`)

	cfg, err := testLoader(t).Load("", []string{dir})
	require.NoError(t, err)
	// json outranks yaml in the probe order
	require.Len(t, cfg.Topology.Nodes, 1)
	assert.Equal(t, "only", cfg.Topology.Nodes[0].Name)
}

func TestStringConnectionWithIfname(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "munet.yaml", `
version: 1
topology:
  networks: [{name: net0}]
  nodes:
    - name: r1
      connections: ["net0:eth3"]
`)
	cfg, err := testLoader(t).Load(p, nil)
	require.NoError(t, err)
	c := cfg.Topology.Nodes[0].Connections[0]
	assert.Equal(t, "net0", c.To)
	assert.Equal(t, "eth3", c.Name)
}

func TestConfigNotFound(t *testing.T) {
	_, err := testLoader(t).Load("", []string{t.TempDir()})
	assert.Equal(t, api.ErrConfigNotFound, api.KindOf(err))
}

func TestJitterRequiresDelay(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "munet.yaml", `
version: 1
topology:
  networks: [{name: net0}]
  nodes:
    - name: r1
      connections:
        - to: net0
          jitter: 1000
`)
	_, err := testLoader(t).Load(p, nil)
	require.Error(t, err)
	assert.Equal(t, api.ErrConfigInvalid, api.KindOf(err))
	var e *api.Error
	require.ErrorAs(t, err, &e)
	assert.NotEmpty(t, e.Details)
}

func TestRateBurstRequiresRate(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "munet.yaml", `
version: 1
topology:
  networks: [{name: net0}]
  nodes:
    - name: r1
      connections:
        - to: net0
          rate: {burst: 1000}
`)
	_, err := testLoader(t).Load(p, nil)
	assert.Equal(t, api.ErrConfigInvalid, api.KindOf(err))
}

func TestImageAndQemuConflict(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "munet.yaml", `
version: 1
topology:
  nodes:
    - name: r1
      image: alpine
      qemu:
        kernel: /boot/vmlinuz
`)
	_, err := testLoader(t).Load(p, nil)
	assert.Equal(t, api.ErrConfigInvalid, api.KindOf(err))
}

func TestNameRules(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "munet.yaml", `
version: 1
topology:
  nodes:
    - name: far-toolong-name
`)
	_, err := testLoader(t).Load(p, nil)
	assert.Equal(t, api.ErrConfigInvalid, api.KindOf(err))
}

func TestNodeNetworkNameCollision(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "munet.yaml", `
version: 1
topology:
  networks: [{name: dup}]
  nodes: [{name: dup}]
`)
	_, err := testLoader(t).Load(p, nil)
	assert.Equal(t, api.ErrNameCollision, api.KindOf(err))
}

func TestTOMLEquivalent(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "munet.toml", `
version = 1

[topology]

[[topology.networks]]
name = "net0"

[[topology.nodes]]
name = "r1"
connections = ["net0"]
`)
	cfg, err := testLoader(t).Load(p, nil)
	require.NoError(t, err)
	assert.Equal(t, "net0", cfg.Topology.Nodes[0].Connections[0].To)
}

func TestShellToggleForms(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "munet.yaml", `
version: 1
topology:
  nodes:
    - name: r1
      shell: false
    - name: r2
      shell: /bin/dash
`)
	cfg, err := testLoader(t).Load(p, nil)
	require.NoError(t, err)
	require.NotNil(t, cfg.Topology.Nodes[0].Shell)
	assert.False(t, cfg.Topology.Nodes[0].Shell.Bool)
	require.NotNil(t, cfg.Topology.Nodes[1].Shell)
	assert.Equal(t, "/bin/dash", cfg.Topology.Nodes[1].Shell.Path)
}
