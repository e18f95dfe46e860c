package node

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"munet/api"
)

// ContainerNode realises a node as an engine-managed container. The
// container's own init is the namespace placeholder: it is created and
// started during Prepare with a parked entrypoint, links attach into
// its netns, and the configured cmd runs as an exec at Start.
type ContainerNode struct {
	node *api.Node
	opts Options
	log  *zap.SugaredLogger

	client      *client.Client
	containerID string
	pid         int
	rundir      string
	execID      string
	waitCh      chan ExitStatus
	stopped     bool
}

// NewContainerNode connects to the engine; an unreachable engine is a
// BackendUnavailable at prepare time, not here.
func NewContainerNode(n *api.Node, opts Options) (*ContainerNode, error) {
	copts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.EngineHost != "" {
		copts = append(copts, client.WithHost(opts.EngineHost))
	}
	c, err := client.NewClientWithOpts(copts...)
	if err != nil {
		return nil, api.WrapErr(api.ErrBackendUnavailable, err, "container engine client")
	}
	return &ContainerNode{
		node:   n,
		opts:   opts,
		log:    opts.Log.Named(n.Name),
		client: c,
		rundir: filepath.Join(opts.Rundir, n.Name),
		waitCh: make(chan ExitStatus, 1),
	}, nil
}

func (c *ContainerNode) Node() *api.Node { return c.node }

// ContainerID exposes the engine container for run-state files.
func (c *ContainerNode) ContainerID() string { return c.containerID }

func (c *ContainerNode) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(c.rundir, 0o755); err != nil {
		return api.WrapErr(api.ErrInternal, err, "node %q rundir", c.node.Name)
	}
	if _, err := c.client.Ping(ctx); err != nil {
		return api.WrapErr(api.ErrBackendUnavailable, err,
			"node %q: container engine", c.node.Name)
	}

	if c.node.Podman != nil && len(c.node.Podman.ExtraArgs) > 0 {
		c.log.Warnf("podman extra-args not expressible over the engine API, ignoring: %v",
			c.node.Podman.ExtraArgs)
	}
	name := fmt.Sprintf("%s-%d", c.node.Name, os.Getpid())
	hostCfg := c.hostConfig()
	cfg := &container.Config{
		Image:           c.node.Image,
		Hostname:        c.node.Name,
		NetworkDisabled: true,
		Entrypoint:      strslice.StrSlice{"sleep"},
		Cmd:             strslice.StrSlice{"infinity"},
		Env:             envStrings(c.node.Env),
	}

	resp, err := c.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return api.WrapErr(api.ErrBackendUnavailable, err,
			"node %q: creating container", c.node.Name)
	}
	c.containerID = resp.ID
	if err := c.client.ContainerStart(ctx, c.containerID, container.StartOptions{}); err != nil {
		return api.WrapErr(api.ErrStartFailed, err,
			"node %q: starting container", c.node.Name)
	}
	info, err := c.client.ContainerInspect(ctx, c.containerID)
	if err != nil {
		return api.WrapErr(api.ErrBackendUnavailable, err,
			"node %q: inspecting container", c.node.Name)
	}
	c.pid = info.State.Pid
	c.log.Debugf("container %s up, pid %d", c.containerID[:12], c.pid)
	return nil
}

// hostConfig maps the node's privilege, capability, init and mount
// settings onto the engine.
func (c *ContainerNode) hostConfig() *container.HostConfig {
	h := &container.HostConfig{
		Privileged: c.node.Privileged,
		Sysctls: map[string]string{
			"net.ipv4.ip_forward":          "1",
			"net.ipv6.conf.all.forwarding": "1",
		},
		Tmpfs: map[string]string{},
	}
	init := c.node.Init.Enabled(true)
	h.Init = &init

	if !c.node.Privileged {
		h.CapAdd = strslice.StrSlice{"NET_ADMIN", "NET_RAW"}
	}
	h.CapAdd = append(h.CapAdd, c.node.CapAdd...)
	h.CapDrop = append(h.CapDrop, c.node.CapRemove...)

	// the rundir rides along so shebang scripts resolve inside too
	h.Binds = append(h.Binds, c.rundir+":"+c.rundir)
	for _, v := range c.node.Volumes {
		src, dst := splitVolume(v, c.opts.ConfigDir)
		if src == "" {
			h.Tmpfs[dst] = ""
		} else {
			h.Binds = append(h.Binds, src+":"+dst)
		}
	}
	for _, m := range c.node.Mounts {
		switch m.Type {
		case "tmpfs":
			h.Tmpfs[m.Destination] = m.Options
		default:
			src := m.Source
			if src != "" && !filepath.IsAbs(src) {
				src = filepath.Join(c.opts.ConfigDir, src)
			}
			h.Binds = append(h.Binds, src+":"+m.Destination)
		}
	}
	hosts := filepath.Join(c.rundir, "hosts.txt")
	if _, err := os.Stat(hosts); err == nil {
		h.Binds = append(h.Binds, hosts+":/etc/hosts")
	}
	return h
}

func (c *ContainerNode) NetnsPath() string {
	return fmt.Sprintf("/proc/%d/ns/net", c.pid)
}

func (c *ContainerNode) AttachLink(ctx context.Context, tmpName string, ep api.LinkEndpoint) error {
	return configureIface(c.NetnsPath(), tmpName, ep)
}

// startArgv applies the shell policy for the exec'd cmd.
func (c *ContainerNode) startArgv(cmd string) ([]string, error) {
	shell := c.node.ShellPath("/bin/bash")
	if shell == "" {
		return strings.Fields(cmd), nil
	}
	p, err := writeShebang(c.rundir, shell, cmd)
	if err != nil {
		return nil, err
	}
	return []string{p}, nil
}

func (c *ContainerNode) Start(ctx context.Context) error {
	cmd := strings.TrimSpace(c.node.Cmd)
	if cmd == "" {
		return nil // parked entrypoint keeps the container alive
	}
	argv, err := c.startArgv(cmd)
	if err != nil {
		return api.WrapErr(api.ErrStartFailed, err, "node %q", c.node.Name)
	}
	resp, err := c.client.ContainerExecCreate(ctx, c.containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return api.WrapErr(api.ErrStartFailed, err, "node %q: exec create", c.node.Name)
	}
	c.execID = resp.ID

	att, err := c.client.ContainerExecAttach(ctx, c.execID, container.ExecAttachOptions{})
	if err != nil {
		return api.WrapErr(api.ErrStartFailed, err, "node %q: exec attach", c.node.Name)
	}

	outf, err := os.Create(filepath.Join(c.opts.Rundir, c.node.Name+".out"))
	if err != nil {
		att.Close()
		return api.WrapErr(api.ErrStartFailed, err, "node %q", c.node.Name)
	}
	errf, err := os.Create(filepath.Join(c.opts.Rundir, c.node.Name+".err"))
	if err != nil {
		att.Close()
		outf.Close()
		return api.WrapErr(api.ErrStartFailed, err, "node %q", c.node.Name)
	}

	go func() {
		defer att.Close()
		defer outf.Close()
		defer errf.Close()
		_, copyErr := stdcopy.StdCopy(outf, errf, att.Reader)
		code := 0
		if insp, err := c.client.ContainerExecInspect(context.Background(), c.execID); err == nil {
			code = insp.ExitCode
		}
		c.waitCh <- ExitStatus{Code: code, Err: copyErr}
	}()
	return nil
}

func (c *ContainerNode) Wait() <-chan ExitStatus { return c.waitCh }

func (c *ContainerNode) Exec(ctx context.Context, argv []string, tty bool) (*ExecResult, error) {
	if c.containerID == "" {
		return nil, api.Errorf(api.ErrNotRunning, "node %q has no container", c.node.Name)
	}
	resp, err := c.client.ContainerExecCreate(ctx, c.containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          tty,
	})
	if err != nil {
		return nil, api.WrapErr(api.ErrExecFailed, err, "node %q: %v", c.node.Name, argv)
	}
	att, err := c.client.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{Tty: tty})
	if err != nil {
		return nil, api.WrapErr(api.ErrExecFailed, err, "node %q: attach", c.node.Name)
	}
	defer att.Close()

	var stdout, stderr bytes.Buffer
	if tty {
		_, err = stdout.ReadFrom(att.Reader)
	} else {
		_, err = stdcopy.StdCopy(&stdout, &stderr, att.Reader)
	}
	if err != nil {
		return nil, api.WrapErr(api.ErrExecFailed, err, "node %q: reading exec", c.node.Name)
	}
	insp, err := c.client.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, api.WrapErr(api.ErrExecFailed, err, "node %q: exec inspect", c.node.Name)
	}
	return &ExecResult{RC: insp.ExitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

func (c *ContainerNode) Signal(sig os.Signal) error {
	if c.containerID == "" {
		return api.Errorf(api.ErrNotRunning, "node %q has no container", c.node.Name)
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		s = syscall.SIGTERM
	}
	return c.client.ContainerKill(context.Background(), c.containerID,
		fmt.Sprintf("%d", int(s)))
}

func (c *ContainerNode) Cleanup(ctx context.Context) error {
	if c.stopped || c.containerID == "" {
		return nil
	}
	c.stopped = true

	if cc := strings.TrimSpace(c.node.CleanupCmd); cc != "" {
		shell := c.node.ShellPath("/bin/bash")
		if shell == "" {
			shell = "/bin/sh"
		}
		if _, err := c.Exec(ctx, []string{shell, "-c", cc}, false); err != nil {
			c.log.Warnf("cleanup-cmd: %v", err)
		}
	}
	timeout := 10
	if err := c.client.ContainerStop(ctx, c.containerID,
		container.StopOptions{Timeout: &timeout}); err != nil {
		c.log.Warnf("stopping container: %v", err)
	}
	if err := c.client.ContainerRemove(ctx, c.containerID,
		container.RemoveOptions{Force: true}); err != nil {
		c.log.Warnf("removing container: %v", err)
		return err
	}
	c.containerID = ""
	return nil
}
