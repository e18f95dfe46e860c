package node

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"munet/api"
)

// defaultShell is used when the shell policy is simply "true".
func defaultShell() string {
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}

// ShellNode runs its command directly inside a private namespace group.
type ShellNode struct {
	node *api.Node
	opts Options
	log  *zap.SugaredLogger

	nsp     *nsProc
	rundir  string
	cmd     *exec.Cmd
	waitCh  chan ExitStatus
	stopped bool
}

// NewShellNode builds the namespace-backed backend.
func NewShellNode(n *api.Node, opts Options) *ShellNode {
	return &ShellNode{
		node:   n,
		opts:   opts,
		log:    opts.Log.Named(n.Name),
		rundir: filepath.Join(opts.Rundir, n.Name),
		waitCh: make(chan ExitStatus, 1),
	}
}

func (s *ShellNode) Node() *api.Node { return s.node }

// PlaceholderPid exposes the namespace holder for run-state files.
func (s *ShellNode) PlaceholderPid() int {
	if s.nsp == nil {
		return 0
	}
	return s.nsp.pid
}

func (s *ShellNode) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(s.rundir, 0o755); err != nil {
		return api.WrapErr(api.ErrInternal, err, "node %q rundir", s.node.Name)
	}
	nsp, err := newNamespaces(s.node.Name, s.log)
	if err != nil {
		return err
	}
	s.nsp = nsp

	if err := s.realizeMounts(); err != nil {
		s.nsp.kill()
		return err
	}
	if err := addLoopback(s.NetnsPath(), s.loopbackAddrs()); err != nil {
		s.nsp.kill()
		return api.WrapErr(api.ErrInternal, err, "node %q loopback", s.node.Name)
	}
	return nil
}

// loopbackAddrs resolves the "auto" marker via the node id.
func (s *ShellNode) loopbackAddrs() []string {
	var out []string
	for _, a := range s.node.LoopbackIPs {
		if a == "auto" {
			a = fmt.Sprintf("10.255.0.%d/32", s.node.ID)
		}
		out = append(out, a)
	}
	return out
}

// realizeMounts applies volumes and structured mounts inside the mount
// namespace via nsenter, host paths resolved first.
func (s *ShellNode) realizeMounts() error {
	type m struct{ typ, src, dst string }
	var mounts []m
	for _, v := range s.node.Volumes {
		src, dst := splitVolume(v, s.opts.ConfigDir)
		if src == "" {
			mounts = append(mounts, m{"tmpfs", "", dst})
		} else {
			mounts = append(mounts, m{"bind", src, dst})
		}
	}
	for _, mt := range s.node.Mounts {
		typ := mt.Type
		if typ == "" {
			typ = "bind"
		}
		src := mt.Source
		if src != "" && !filepath.IsAbs(src) {
			src = filepath.Join(s.opts.ConfigDir, src)
		}
		mounts = append(mounts, m{typ, src, mt.Destination})
	}
	// hosts file written by the orchestrator, if the topology asked
	hosts := filepath.Join(s.rundir, "hosts.txt")
	if _, err := os.Stat(hosts); err == nil {
		mounts = append(mounts, m{"bind", hosts, "/etc/hosts"})
	}

	for _, mt := range mounts {
		var out string
		var err error
		switch mt.typ {
		case "tmpfs":
			out, err = nsenter(s.nsp.pid, "-m", "--", "mount", "-t", "tmpfs", "tmpfs", mt.dst)
		default:
			out, err = nsenter(s.nsp.pid, "-m", "--", "mount", "--bind", mt.src, mt.dst)
		}
		if err != nil {
			return api.WrapErr(api.ErrInternal, err,
				"node %q: mounting %s on %s: %s", s.node.Name, mt.src, mt.dst, out)
		}
	}
	return nil
}

func (s *ShellNode) NetnsPath() string { return s.nsp.netnsPath() }

func (s *ShellNode) AttachLink(ctx context.Context, tmpName string, ep api.LinkEndpoint) error {
	return configureIface(s.NetnsPath(), tmpName, ep)
}

// commandArgv applies the shell policy: a truthy shell writes the
// shebang script, shell=false word-splits cmd.
func (s *ShellNode) commandArgv(cmd string) ([]string, error) {
	shell := s.node.ShellPath(defaultShell())
	if shell == "" {
		return strings.Fields(cmd), nil
	}
	p, err := writeShebang(s.rundir, shell, cmd)
	if err != nil {
		return nil, err
	}
	return []string{p}, nil
}

func (s *ShellNode) Start(ctx context.Context) error {
	cmd := strings.TrimSpace(s.node.Cmd)
	if cmd == "" {
		return nil // the placeholder keeps the namespaces open
	}
	argv, err := s.commandArgv(cmd)
	if err != nil {
		return api.WrapErr(api.ErrStartFailed, err, "node %q", s.node.Name)
	}
	outf, err := os.Create(filepath.Join(s.opts.Rundir, s.node.Name+".out"))
	if err != nil {
		return api.WrapErr(api.ErrStartFailed, err, "node %q", s.node.Name)
	}
	errf, err := os.Create(filepath.Join(s.opts.Rundir, s.node.Name+".err"))
	if err != nil {
		outf.Close()
		return api.WrapErr(api.ErrStartFailed, err, "node %q", s.node.Name)
	}

	c := nsenterCmd(ctx, s.nsp.pid, argv)
	c.Dir = s.rundir
	c.Stdout = outf
	c.Stderr = errf
	c.Env = append(os.Environ(), envStrings(s.node.Env)...)
	if err := c.Start(); err != nil {
		outf.Close()
		errf.Close()
		return api.WrapErr(api.ErrStartFailed, err, "node %q: %v", s.node.Name, argv)
	}
	s.cmd = c
	s.log.Debugf("started cmd pid %d", c.Process.Pid)

	go func() {
		err := c.Wait()
		outf.Close()
		errf.Close()
		s.waitCh <- ExitStatus{Code: c.ProcessState.ExitCode(), Err: err}
	}()
	return nil
}

func (s *ShellNode) Wait() <-chan ExitStatus { return s.waitCh }

func (s *ShellNode) Exec(ctx context.Context, argv []string, tty bool) (*ExecResult, error) {
	if s.nsp == nil {
		return nil, api.Errorf(api.ErrNotRunning, "node %q is not prepared", s.node.Name)
	}
	c := nsenterCmd(ctx, s.nsp.pid, argv)
	c.Dir = s.rundir
	var stdout, stderr bytes.Buffer
	if tty {
		// Interactive execs surrender the calling terminal.
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
	} else {
		c.Stdout = &stdout
		c.Stderr = &stderr
	}
	err := c.Run()
	res := &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if c.ProcessState != nil {
		res.RC = c.ProcessState.ExitCode()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return res, nil
		}
		return nil, api.WrapErr(api.ErrExecFailed, err, "node %q: %v", s.node.Name, argv)
	}
	return res, nil
}

func (s *ShellNode) Signal(sig os.Signal) error {
	if s.cmd == nil || s.cmd.Process == nil {
		return api.Errorf(api.ErrNotRunning, "node %q has no running cmd", s.node.Name)
	}
	return s.cmd.Process.Signal(sig)
}

func (s *ShellNode) Cleanup(ctx context.Context) error {
	if s.stopped {
		return nil
	}
	s.stopped = true

	// cleanup-cmd runs while everything is still alive
	if c := strings.TrimSpace(s.node.CleanupCmd); c != "" && s.nsp != nil {
		shell := s.node.ShellPath(defaultShell())
		if shell == "" {
			shell = defaultShell()
		}
		if _, err := s.Exec(ctx, []string{shell, "-c", c}, false); err != nil {
			s.log.Warnf("cleanup-cmd: %v", err)
		}
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
	if s.nsp != nil {
		s.nsp.kill()
		s.nsp = nil
	}
	return nil
}

func envStrings(env []api.EnvVar) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		out = append(out, e.Name+"="+e.Value)
	}
	return out
}
