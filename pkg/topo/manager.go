// Package topo drives a topology through its phases:
//
//	PLANNED -> NETWORKS_UP -> NODES_PREPARED -> LINKS_UP ->
//	NODES_RUNNING -> (steady) -> TEARDOWN -> DONE
//
// Planning is pure; the first kernel mutation happens in Up. Failure
// anywhere during bring-up unwinds exactly what was built, in reverse
// creation order, and teardown always runs regardless of exit path.
package topo

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"munet/api"
	"munet/pkg/alloc"
	"munet/pkg/cli"
	"munet/pkg/kind"
	"munet/pkg/link"
	"munet/pkg/node"
	"munet/pkg/plan"
)

// Phase is the orchestrator's lifecycle position.
type Phase int

const (
	PhasePlanned Phase = iota
	PhaseNetworksUp
	PhaseNodesPrepared
	PhaseLinksUp
	PhaseNodesRunning
	PhaseTeardown
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseNetworksUp:
		return "NETWORKS_UP"
	case PhaseNodesPrepared:
		return "NODES_PREPARED"
	case PhaseLinksUp:
		return "LINKS_UP"
	case PhaseNodesRunning:
		return "NODES_RUNNING"
	case PhaseTeardown:
		return "TEARDOWN"
	case PhaseDone:
		return "DONE"
	default:
		return "PLANNED"
	}
}

// Wiring is the kernel mutation surface, satisfied by link.Manager and
// faked in tests.
type Wiring interface {
	CreateBridge(name string, addr netip.Prefix, mtu int) error
	DeleteBridge(name string) error
	WireBridgeLink(ctx context.Context, l *api.Link, b node.Backend) error
	WireP2PLink(ctx context.Context, l *api.Link, a, b node.Backend) error
	WireHostBind(ctx context.Context, l *api.Link, b node.Backend) error
	ApplyConstraints(nsPath, ifname string, c api.Constraints) error
	DeleteHostVeth(l *api.Link) error
}

// Options configures a run.
type Options struct {
	RunID      string
	Rundir     string // per-run directory
	StateDir   string // where <run-id>.state lives
	EngineHost string
	FailOnExit bool // tear down when the first node cmd exits non-zero
	CLIHook    bool // an external REPL is attached
	Log        *zap.SugaredLogger

	// test seams; nil selects the real implementations
	Wiring     Wiring
	NewBackend func(n *api.Node, opts node.Options) (node.Backend, error)
}

// Manager owns one topology's state. Instantiate as many as needed
// in-process; nothing here is global.
type Manager struct {
	cfg   *api.Config
	opts  Options
	log   *zap.SugaredLogger
	wire  Wiring
	alloc *alloc.Allocator

	Nodes    []api.Node
	Table    *api.Allocation
	Links    []api.Link
	Registry *cli.Registry

	backends map[string]node.Backend

	mu       sync.Mutex
	phase    Phase
	undo     []func(context.Context) error
	tornDown bool
}

// New validates, resolves, allocates and plans. No kernel mutation.
func New(cfg *api.Config, opts Options) (*Manager, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	m := &Manager{
		cfg:      cfg,
		opts:     opts,
		log:      opts.Log,
		wire:     opts.Wiring,
		backends: map[string]node.Backend{},
	}
	if m.wire == nil {
		m.wire = link.NewManager(opts.Log)
	}
	if m.opts.NewBackend == nil {
		m.opts.NewBackend = node.New
	}

	nodes, err := kind.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	m.Nodes = nodes

	m.alloc = alloc.New(&cfg.Topology)
	table, err := m.alloc.Allocate(&cfg.Topology, m.Nodes)
	if err != nil {
		return nil, err
	}
	m.Table = table

	links, err := plan.Plan(&cfg.Topology, m.Nodes)
	if err != nil {
		return nil, err
	}
	if err := m.alloc.FinishP2P(table, links); err != nil {
		return nil, err
	}
	m.Links = links
	m.Registry = cli.NewRegistry(cfg.CLI)
	return m, nil
}

// Phase reports the current lifecycle position.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *Manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
	m.log.Infof("phase %s", p)
}

func (m *Manager) pushUndo(f func(context.Context) error) {
	m.mu.Lock()
	m.undo = append(m.undo, f)
	m.mu.Unlock()
}

// Up brings the topology to NODES_RUNNING. On failure the partial work
// is rolled back before the error is returned.
func (m *Manager) Up(ctx context.Context) error {
	steps := []func(context.Context) error{
		m.networksUp,
		m.nodesPrepared,
		m.linksUp,
		m.nodesRunning,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			m.log.Errorf("bring-up failed: %v", err)
			m.rollback()
			if ctx.Err() != nil {
				return api.WrapErr(api.ErrCancelled, err, "interrupted during bring-up")
			}
			return err
		}
	}
	if err := m.persist(); err != nil {
		m.log.Warnf("persisting run state: %v", err)
	}
	return nil
}

// networksUp creates every bridge with its address and the widest MTU
// any attachment asks for. Globally-named objects are created on this
// single path, serially.
func (m *Manager) networksUp(ctx context.Context) error {
	m.setPhase(PhaseNetworksUp)
	for _, nw := range m.Table.Networks {
		mtu := 0
		for i := range m.Links {
			l := &m.Links[i]
			if l.Class == api.LinkBridge && l.Network == nw.Name && l.A.MTU > mtu {
				mtu = l.A.MTU
			}
		}
		pfx, _ := m.alloc.BridgePrefix(nw.Name)
		if err := m.wire.CreateBridge(nw.Name, pfx, mtu); err != nil {
			return err
		}
		name := nw.Name
		m.pushUndo(func(context.Context) error { return m.wire.DeleteBridge(name) })
	}
	return nil
}

// nodesPrepared creates every node's namespaces and mounts in parallel;
// the phase is a barrier.
func (m *Manager) nodesPrepared(ctx context.Context) error {
	m.setPhase(PhaseNodesPrepared)
	if err := m.writeHostsFiles(); err != nil {
		return err
	}

	m.mu.Lock()
	for i := range m.Nodes {
		n := &m.Nodes[i]
		b, err := m.opts.NewBackend(n, node.Options{
			Rundir:     m.opts.Rundir,
			ConfigDir:  filepath.Dir(m.cfg.Pathname),
			EngineHost: m.opts.EngineHost,
			Log:        m.log,
		})
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.backends[n.Name] = b
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range m.backends {
		b := b
		g.Go(func() error {
			if err := b.Prepare(gctx); err != nil {
				return err
			}
			m.pushUndo(func(tctx context.Context) error { return b.Cleanup(tctx) })
			return nil
		})
	}
	return g.Wait()
}

// linksUp places, names, addresses and raises every endpoint, then
// applies traffic control. Link order is the planner's.
func (m *Manager) linksUp(ctx context.Context) error {
	m.setPhase(PhaseLinksUp)
	for i := range m.Links {
		l := &m.Links[i]
		if err := m.wireLink(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) wireLink(ctx context.Context, l *api.Link) error {
	ba := m.backends[l.A.Node]
	switch l.Class {
	case api.LinkBridge:
		if err := m.wire.WireBridgeLink(ctx, l, ba); err != nil {
			return err
		}
		m.pushUndo(func(context.Context) error { return m.wire.DeleteHostVeth(l) })
	case api.LinkP2P:
		bb := m.backends[l.B.Node]
		if err := m.wire.WireP2PLink(ctx, l, ba, bb); err != nil {
			return err
		}
		// both ends die with their namespaces
	case api.LinkHostBind:
		if err := m.wire.WireHostBind(ctx, l, ba); err != nil {
			return err
		}
		// the kernel returns the interface to the host netns on exit
	case api.LinkPhysical:
		q, ok := ba.(*node.QemuNode)
		if !ok {
			return api.Errorf(api.ErrConfigInvalid,
				"node %q: physical device without qemu backend", l.A.Node)
		}
		q.AttachPhysical(l.Physical)
		return nil
	}

	if !l.A.Constraints.Empty() {
		if err := m.wire.ApplyConstraints(ba.NetnsPath(), l.A.Ifname, l.A.Constraints); err != nil {
			return err
		}
	}
	if l.Class == api.LinkP2P && !l.B.Constraints.Empty() {
		bb := m.backends[l.B.Node]
		if err := m.wire.ApplyConstraints(bb.NetnsPath(), l.B.Ifname, l.B.Constraints); err != nil {
			return err
		}
	}
	return nil
}

// nodesRunning starts every node cmd in parallel; nodes without cmd
// stay on their placeholder.
func (m *Manager) nodesRunning(ctx context.Context) error {
	m.setPhase(PhaseNodesRunning)
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range m.backends {
		b := b
		g.Go(func() error { return b.Start(gctx) })
	}
	return g.Wait()
}

// Run supervises the steady state until cancellation, or until every
// node cmd has exited with no REPL attached. Per-node failures are
// logged, not fatal, unless fail-on-exit was selected.
func (m *Manager) Run(ctx context.Context) error {
	type nodeExit struct {
		name string
		st   node.ExitStatus
	}
	exits := make(chan nodeExit)
	running := 0
	for name, b := range m.backends {
		if b.Node().Cmd == "" {
			continue
		}
		running++
		name, b := name, b
		go func() {
			st := <-b.Wait()
			select {
			case exits <- nodeExit{name, st}:
			case <-ctx.Done():
			}
		}()
	}

	if running == 0 && !m.opts.CLIHook {
		m.log.Infof("no node commands to supervise")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return api.Errorf(api.ErrCancelled, "signal received")
		case e := <-exits:
			if e.st.Code != 0 {
				m.log.Warnf("node %s cmd exited with status %d", e.name, e.st.Code)
			} else {
				m.log.Infof("node %s cmd completed", e.name)
			}
			if m.opts.FailOnExit && e.st.Code != 0 {
				return api.Errorf(api.ErrStartFailed,
					"node %s exited with status %d", e.name, e.st.Code)
			}
			running--
			if running == 0 && !m.opts.CLIHook {
				m.log.Infof("all node commands finished")
				return nil
			}
		}
	}
}

// rollback unwinds the undo stack after a bring-up failure. It uses a
// fresh context: teardown is uncancellable.
func (m *Manager) rollback() {
	m.log.Warnf("rolling back partial bring-up")
	for _, err := range m.Teardown(context.Background()) {
		m.log.Warnf("rollback: %v", err)
	}
}

// Teardown releases everything in reverse creation order. It always
// completes, collects rather than aborts on errors, and is idempotent.
func (m *Manager) Teardown(ctx context.Context) []error {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return nil
	}
	m.tornDown = true
	undo := m.undo
	m.undo = nil
	m.mu.Unlock()

	m.setPhase(PhaseTeardown)
	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.opts.StateDir != "" && m.opts.RunID != "" {
		_ = os.Remove(filepath.Join(m.opts.StateDir, m.opts.RunID+".state"))
	}
	m.setPhase(PhaseDone)
	return errs
}

// Exec runs a transient command inside the named node.
func (m *Manager) Exec(ctx context.Context, nodeName string, argv []string, tty bool) (*node.ExecResult, error) {
	b := m.backends[nodeName]
	if b == nil {
		return nil, api.Errorf(api.ErrNotRunning, "no such node %q", nodeName)
	}
	return b.Exec(ctx, argv, tty)
}

// writeHostsFiles renders per-node hosts files when the topology names
// a dns network, so nodes resolve each other by name on it.
func (m *Manager) writeHostsFiles() error {
	netname := m.cfg.Topology.DNSNetwork
	if netname == "" {
		return nil
	}
	type entry struct{ name, addr string }
	var entries []entry
	for i := range m.Nodes {
		n := &m.Nodes[i]
		for _, c := range n.Connections {
			if c.To != netname {
				continue
			}
			if a := m.Table.Addr(n.Name, c.Name); a != "" {
				pfx, err := netip.ParsePrefix(a)
				if err == nil {
					entries = append(entries, entry{n.Name, pfx.Addr().String()})
				}
			}
			break
		}
	}
	const header = "127.0.0.1\tlocalhost\n::1\tip6-localhost ip6-loopback\n"
	for i := range m.Nodes {
		dir := filepath.Join(m.opts.Rundir, m.Nodes[i].Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		content := header
		for _, e := range entries {
			content += e.addr + "\t" + e.name + "\n"
		}
		if err := os.WriteFile(filepath.Join(dir, "hosts.txt"), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// HostAttrs is the whitelisted substitution set for a node.
func (m *Manager) HostAttrs(nodeName string) (cli.Attrs, error) {
	na := m.Table.Node(nodeName)
	if na == nil {
		return nil, api.Errorf(api.ErrNotRunning, "no such node %q", nodeName)
	}
	kindName := ""
	for i := range m.Nodes {
		if m.Nodes[i].Name == nodeName {
			kindName = m.Nodes[i].Kind
		}
	}
	attrs := cli.Attrs{
		"":       nodeName,
		"name":   nodeName,
		"id":     strconv.Itoa(na.ID),
		"kind":   kindName,
		"rundir": filepath.Join(m.opts.Rundir, nodeName),
	}
	if b := m.backends[nodeName]; b != nil {
		attrs["netns"] = b.NetnsPath()
	}
	return attrs, nil
}

// UnetAttrs is the whitelisted substitution set for the topology.
func (m *Manager) UnetAttrs() cli.Attrs {
	return cli.Attrs{
		"":            m.opts.RunID,
		"rundir":      m.opts.Rundir,
		"config_path": m.cfg.Pathname,
	}
}

// ResolveCommand resolves a registered command for a node, honouring
// kind filters and per-kind exec overrides.
func (m *Manager) ResolveCommand(cmdName, nodeName, userInput string) (string, error) {
	c := m.Registry.Lookup(cmdName)
	if c == nil {
		return "", api.Errorf(api.ErrConfigInvalid, "unknown command %q", cmdName)
	}
	host, err := m.HostAttrs(nodeName)
	if err != nil {
		return "", err
	}
	if !cli.Offered(c, host["kind"]) {
		return "", api.Errorf(api.ErrConfigInvalid,
			"command %q is not offered for nodes of kind %q", cmdName, host["kind"])
	}
	return cli.Resolve(cli.ExecTemplate(c, host["kind"]), host, m.UnetAttrs(), userInput)
}

// persist writes the resolved config and allocation table into the run
// directory and the state file into the runtime dir.
func (m *Manager) persist() error {
	if m.opts.Rundir == "" {
		return nil
	}
	if err := writeJSON(filepath.Join(m.opts.Rundir, "config.json"), m.cfg); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(m.opts.Rundir, "allocation.json"), m.Table); err != nil {
		return err
	}
	if m.opts.StateDir == "" || m.opts.RunID == "" {
		return nil
	}
	return m.saveState()
}

func (m *Manager) saveState() error {
	st := RunState{
		RunID:  m.opts.RunID,
		Rundir: m.opts.Rundir,
		Config: m.cfg.Pathname,
	}
	for _, nw := range m.Table.Networks {
		st.Bridges = append(st.Bridges, nw.Name)
	}
	for i := range m.Links {
		if m.Links[i].Class == api.LinkBridge {
			st.HostVeths = append(st.HostVeths, link.HostSideName(&m.Links[i]))
		}
	}
	for _, b := range m.backends {
		switch t := b.(type) {
		case interface{ PlaceholderPid() int }:
			if pid := t.PlaceholderPid(); pid > 0 {
				st.Pids = append(st.Pids, pid)
			}
		case interface{ ContainerID() string }:
			if id := t.ContainerID(); id != "" {
				st.Containers = append(st.Containers, id)
			}
		}
	}
	return st.Save(m.opts.StateDir)
}
