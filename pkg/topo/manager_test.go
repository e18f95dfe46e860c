package topo

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"munet/api"
	"munet/pkg/node"
)

// fakeWiring records kernel mutations and can fail on the nth wire
// call.
type fakeWiring struct {
	mu        sync.Mutex
	calls     []string
	bridges   map[string]bool
	veths     map[int]bool
	wireCalls int
	failAt    int // fail the nth WireBridgeLink/WireP2PLink (1-based)
}

func newFakeWiring() *fakeWiring {
	return &fakeWiring{bridges: map[string]bool{}, veths: map[int]bool{}}
}

func (f *fakeWiring) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeWiring) CreateBridge(name string, addr netip.Prefix, mtu int) error {
	f.record("bridge+" + name)
	f.bridges[name] = true
	return nil
}

func (f *fakeWiring) DeleteBridge(name string) error {
	f.record("bridge-" + name)
	delete(f.bridges, name)
	return nil
}

func (f *fakeWiring) wireAttempt() error {
	f.wireCalls++
	if f.failAt > 0 && f.wireCalls == f.failAt {
		return api.Errorf(api.ErrLinkExists, "injected failure")
	}
	return nil
}

func (f *fakeWiring) WireBridgeLink(ctx context.Context, l *api.Link, b node.Backend) error {
	if err := f.wireAttempt(); err != nil {
		return err
	}
	f.record("wire-bridge")
	f.veths[l.ID] = true
	return nil
}

func (f *fakeWiring) WireP2PLink(ctx context.Context, l *api.Link, a, b node.Backend) error {
	if err := f.wireAttempt(); err != nil {
		return err
	}
	f.record("wire-p2p")
	return nil
}

func (f *fakeWiring) WireHostBind(ctx context.Context, l *api.Link, b node.Backend) error {
	f.record("wire-hostbind")
	return nil
}

func (f *fakeWiring) ApplyConstraints(nsPath, ifname string, c api.Constraints) error {
	f.record("tc:" + ifname)
	return nil
}

func (f *fakeWiring) DeleteHostVeth(l *api.Link) error {
	f.record("veth-")
	delete(f.veths, l.ID)
	return nil
}

// fakeBackend counts lifecycle calls.
type fakeBackend struct {
	node     *api.Node
	mu       sync.Mutex
	prepared bool
	started  bool
	cleanups int
	waitCh   chan node.ExitStatus
}

func newFakeBackend(n *api.Node, _ node.Options) (node.Backend, error) {
	return &fakeBackend{node: n, waitCh: make(chan node.ExitStatus, 1)}, nil
}

func (f *fakeBackend) Node() *api.Node { return f.node }
func (f *fakeBackend) Prepare(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = true
	return nil
}
func (f *fakeBackend) NetnsPath() string { return "/proc/0/ns/net" }
func (f *fakeBackend) AttachLink(ctx context.Context, tmp string, ep api.LinkEndpoint) error {
	return nil
}
func (f *fakeBackend) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}
func (f *fakeBackend) Wait() <-chan node.ExitStatus { return f.waitCh }
func (f *fakeBackend) Exec(ctx context.Context, argv []string, tty bool) (*node.ExecResult, error) {
	return &node.ExecResult{}, nil
}
func (f *fakeBackend) Signal(sig os.Signal) error { return nil }
func (f *fakeBackend) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return nil
}

func testConfig() *api.Config {
	return &api.Config{
		Version: 1,
		Topology: api.Topology{
			NetworksAutonumber: true,
			Networks:           []api.NetworkConfig{{Name: "net0"}},
			Nodes: []api.NodeConfig{
				{Name: "a", Connections: []api.Connection{{To: "net0"}}},
				{Name: "b", Connections: []api.Connection{{To: "net0"}, {To: "a", Name: "p0"}}},
			},
		},
	}
}

// node a needs a p2p peer entry for b's second connection
func testConfigWithPeer() *api.Config {
	cfg := testConfig()
	cfg.Topology.Nodes[0].Connections = append(cfg.Topology.Nodes[0].Connections,
		api.Connection{To: "b", Name: "p0"})
	return cfg
}

func newTestManager(t *testing.T, cfg *api.Config, fw *fakeWiring) *Manager {
	t.Helper()
	m, err := New(cfg, Options{
		RunID:      "test",
		Rundir:     t.TempDir(),
		Log:        zap.NewNop().Sugar(),
		Wiring:     fw,
		NewBackend: newFakeBackend,
	})
	require.NoError(t, err)
	return m
}

func TestBringUpPhases(t *testing.T) {
	fw := newFakeWiring()
	m := newTestManager(t, testConfigWithPeer(), fw)
	require.NoError(t, m.Up(context.Background()))
	assert.Equal(t, PhaseNodesRunning, m.Phase())

	// bridges precede link wiring
	require.NotEmpty(t, fw.calls)
	assert.Equal(t, "bridge+net0", fw.calls[0])
	assert.True(t, fw.bridges["net0"])

	for _, b := range m.backends {
		fb := b.(*fakeBackend)
		assert.True(t, fb.prepared)
		assert.True(t, fb.started)
	}
	errs := m.Teardown(context.Background())
	assert.Empty(t, errs)
	assert.Equal(t, PhaseDone, m.Phase())
}

func TestRollbackOnLinkFailure(t *testing.T) {
	fw := newFakeWiring()
	fw.failAt = 3 // two bridge attachments succeed, the p2p link fails
	m := newTestManager(t, testConfigWithPeer(), fw)

	err := m.Up(context.Background())
	require.Error(t, err)
	assert.Equal(t, api.ErrLinkExists, api.KindOf(err))

	// everything built before the failure is gone again
	assert.Empty(t, fw.bridges)
	assert.Empty(t, fw.veths)
	for _, b := range m.backends {
		assert.Equal(t, 1, b.(*fakeBackend).cleanups)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	fw := newFakeWiring()
	m := newTestManager(t, testConfigWithPeer(), fw)
	require.NoError(t, m.Up(context.Background()))

	require.Empty(t, m.Teardown(context.Background()))
	callsAfterFirst := len(fw.calls)
	cleanupsAfterFirst := map[string]int{}
	for name, b := range m.backends {
		cleanupsAfterFirst[name] = b.(*fakeBackend).cleanups
	}

	require.Empty(t, m.Teardown(context.Background()))
	assert.Equal(t, callsAfterFirst, len(fw.calls))
	for name, b := range m.backends {
		assert.Equal(t, cleanupsAfterFirst[name], b.(*fakeBackend).cleanups)
	}
}

func TestConstraintsAppliedToNodeSide(t *testing.T) {
	cfg := testConfigWithPeer()
	cfg.Topology.Nodes[0].Connections[0].Constraints = api.Constraints{
		Delay: api.Num("10000"),
	}
	fw := newFakeWiring()
	m := newTestManager(t, cfg, fw)
	require.NoError(t, m.Up(context.Background()))
	assert.Contains(t, fw.calls, "tc:eth0")
}

func TestPersistedArtifacts(t *testing.T) {
	fw := newFakeWiring()
	m := newTestManager(t, testConfigWithPeer(), fw)
	require.NoError(t, m.Up(context.Background()))

	for _, f := range []string{"config.json", "allocation.json"} {
		_, err := os.Stat(filepath.Join(m.opts.Rundir, f))
		assert.NoError(t, err, f)
	}
}

func TestResolveCommand(t *testing.T) {
	cfg := testConfigWithPeer()
	cfg.CLI = &api.CLIConfig{Commands: []api.CommandConfig{
		{Name: "sh", Exec: "nsenter --net={host.netns} {user_input}"},
		{Name: "vtysh", Exec: "vtysh", Kinds: []string{"frr"}},
	}}
	fw := newFakeWiring()
	m := newTestManager(t, cfg, fw)
	require.NoError(t, m.Up(context.Background()))

	got, err := m.ResolveCommand("sh", "a", "ip addr")
	require.NoError(t, err)
	assert.Equal(t, "nsenter --net=/proc/0/ns/net ip addr", got)

	// kind filter: node a has no kind
	_, err = m.ResolveCommand("vtysh", "a", "")
	assert.Error(t, err)
}

func TestHostsFilesWritten(t *testing.T) {
	cfg := testConfigWithPeer()
	cfg.Topology.DNSNetwork = "net0"
	fw := newFakeWiring()
	m := newTestManager(t, cfg, fw)
	require.NoError(t, m.Up(context.Background()))

	data, err := os.ReadFile(filepath.Join(m.opts.Rundir, "a", "hosts.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.2\ta")
	assert.Contains(t, string(data), "10.0.0.3\tb")
}

func TestRunCancellation(t *testing.T) {
	fw := newFakeWiring()
	cfg := testConfigWithPeer()
	cfg.Topology.Nodes[0].Cmd = "sleep infinity"
	m := newTestManager(t, cfg, fw)
	require.NoError(t, m.Up(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, api.ErrCancelled, api.KindOf(err))
}

func TestRunExitsWhenAllCmdsDone(t *testing.T) {
	cfg := testConfigWithPeer()
	cfg.Topology.Nodes[0].Cmd = "true"
	fw := newFakeWiring()
	m := newTestManager(t, cfg, fw)
	require.NoError(t, m.Up(context.Background()))

	for _, b := range m.backends {
		fb := b.(*fakeBackend)
		if fb.node.Cmd != "" {
			fb.waitCh <- node.ExitStatus{Code: 0}
		}
	}
	require.NoError(t, m.Run(context.Background()))
}

func TestRunFailOnExit(t *testing.T) {
	cfg := testConfigWithPeer()
	cfg.Topology.Nodes[0].Cmd = "false"
	fw := newFakeWiring()
	m, err := New(cfg, Options{
		RunID:      "test",
		Rundir:     t.TempDir(),
		FailOnExit: true,
		Log:        zap.NewNop().Sugar(),
		Wiring:     fw,
		NewBackend: newFakeBackend,
	})
	require.NoError(t, err)
	require.NoError(t, m.Up(context.Background()))

	for _, b := range m.backends {
		fb := b.(*fakeBackend)
		if fb.node.Cmd != "" {
			fb.waitCh <- node.ExitStatus{Code: 1}
		}
	}
	err = m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.As(err, new(*api.Error)))
}
