package node

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	ns "github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"munet/api"
)

// QemuNode boots an emulated machine inside a private namespace group.
// Attached veth endpoints are stitched to the VM through per-interface
// taps bridged inside the node's netns; physical connections become
// vfio passthrough devices.
type QemuNode struct {
	node *api.Node
	opts Options
	log  *zap.SugaredLogger

	nsp      *nsProc
	rundir   string
	cmd      *exec.Cmd
	ifaces   []string // attach order decides virtio slot order
	physical []string
	waitCh   chan ExitStatus
	stopped  bool
}

// NewQemuNode verifies the emulator exists up front.
func NewQemuNode(n *api.Node, opts Options) (*QemuNode, error) {
	if _, err := exec.LookPath(qemuBinary(n.Qemu)); err != nil {
		return nil, api.WrapErr(api.ErrBackendUnavailable, err, "node %q", n.Name)
	}
	return &QemuNode{
		node:   n,
		opts:   opts,
		log:    opts.Log.Named(n.Name),
		rundir: filepath.Join(opts.Rundir, n.Name),
		waitCh: make(chan ExitStatus, 1),
	}, nil
}

func qemuBinary(q *api.Qemu) string {
	arch := "x86_64"
	if q != nil && q.Arch != "" {
		arch = q.Arch
	}
	return "qemu-system-" + arch
}

func (q *QemuNode) Node() *api.Node { return q.node }

// PlaceholderPid exposes the namespace holder for run-state files.
func (q *QemuNode) PlaceholderPid() int {
	if q.nsp == nil {
		return 0
	}
	return q.nsp.pid
}

func (q *QemuNode) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(q.rundir, 0o755); err != nil {
		return api.WrapErr(api.ErrInternal, err, "node %q rundir", q.node.Name)
	}
	nsp, err := newNamespaces(q.node.Name, q.log)
	if err != nil {
		return err
	}
	q.nsp = nsp
	return nil
}

func (q *QemuNode) NetnsPath() string { return q.nsp.netnsPath() }

// AttachLink places the endpoint like the other backends, then records
// it so Start can plumb a tap next to it.
func (q *QemuNode) AttachLink(ctx context.Context, tmpName string, ep api.LinkEndpoint) error {
	if err := configureIface(q.NetnsPath(), tmpName, ep); err != nil {
		return err
	}
	q.ifaces = append(q.ifaces, ep.Ifname)
	return nil
}

// AttachPhysical records a PCI device for vfio passthrough.
func (q *QemuNode) AttachPhysical(pciAddr string) {
	q.physical = append(q.physical, pciAddr)
}

// plumbTaps builds, per attached interface i, an in-namespace bridge
// mbr<i> enslaving the veth end and a tap<i> for the VM.
func (q *QemuNode) plumbTaps() error {
	netNs, err := ns.GetNS(q.NetnsPath())
	if err != nil {
		return err
	}
	defer netNs.Close()

	return netNs.Do(func(_ ns.NetNS) error {
		for i, ifname := range q.ifaces {
			brName := fmt.Sprintf("mbr%d", i)
			tapName := fmt.Sprintf("tap%d", i)

			la := netlink.NewLinkAttrs()
			la.Name = brName
			br := &netlink.Bridge{LinkAttrs: la}
			if err := netlink.LinkAdd(br); err != nil {
				return fmt.Errorf("bridge %s: %w", brName, err)
			}
			ta := netlink.NewLinkAttrs()
			ta.Name = tapName
			tap := &netlink.Tuntap{LinkAttrs: ta, Mode: netlink.TUNTAP_MODE_TAP}
			if err := netlink.LinkAdd(tap); err != nil {
				return fmt.Errorf("tap %s: %w", tapName, err)
			}
			veth, err := netlink.LinkByName(ifname)
			if err != nil {
				return fmt.Errorf("veth %s: %w", ifname, err)
			}
			for _, l := range []netlink.Link{veth, tap} {
				if err := netlink.LinkSetMaster(l, br); err != nil {
					return fmt.Errorf("enslaving %s to %s: %w", l.Attrs().Name, brName, err)
				}
			}
			for _, l := range []netlink.Link{br, tap} {
				if err := netlink.LinkSetUp(l); err != nil {
					return fmt.Errorf("raising %s: %w", l.Attrs().Name, err)
				}
			}
		}
		return nil
	})
}

// qemuArgs assembles the emulator invocation.
func (q *QemuNode) qemuArgs() []string {
	qc := q.node.Qemu
	args := []string{"-nographic", "-kernel", qc.Kernel}
	if qc.Initrd != "" {
		args = append(args, "-initrd", qc.Initrd)
	}
	if qc.Append != "" {
		args = append(args, "-append", qc.Append)
	}
	if qc.Disk != "" {
		args = append(args, "-drive", "file="+qc.Disk+",format=qcow2")
	}
	mem := qc.Memory
	if mem == "" {
		mem = "512M"
	}
	args = append(args, "-m", mem)
	if qc.SMP > 0 {
		args = append(args, "-smp", fmt.Sprintf("%d", qc.SMP))
	}
	if qc.Machine != "" {
		args = append(args, "-machine", qc.Machine)
	}
	for i := range q.ifaces {
		args = append(args,
			"-netdev", fmt.Sprintf("tap,id=n%d,ifname=tap%d,script=no,downscript=no", i, i),
			"-device", fmt.Sprintf("virtio-net-pci,netdev=n%d", i))
	}
	for _, pci := range q.physical {
		args = append(args, "-device", "vfio-pci,host="+pci)
	}
	return args
}

// Start boots the VM. The node's cmd and shell policy are not used by
// this backend, and the VM's exit is delivered on Wait even when the
// node declares no cmd.
func (q *QemuNode) Start(ctx context.Context) error {
	if err := q.plumbTaps(); err != nil {
		return api.WrapErr(api.ErrStartFailed, err, "node %q: tap plumbing", q.node.Name)
	}
	outf, err := os.Create(filepath.Join(q.opts.Rundir, q.node.Name+".out"))
	if err != nil {
		return api.WrapErr(api.ErrStartFailed, err, "node %q", q.node.Name)
	}
	errf, err := os.Create(filepath.Join(q.opts.Rundir, q.node.Name+".err"))
	if err != nil {
		outf.Close()
		return api.WrapErr(api.ErrStartFailed, err, "node %q", q.node.Name)
	}

	argv := append([]string{qemuBinary(q.node.Qemu)}, q.qemuArgs()...)
	c := nsenterCmd(ctx, q.nsp.pid, argv)
	c.Dir = q.rundir
	c.Stdout = outf
	c.Stderr = errf
	if err := c.Start(); err != nil {
		outf.Close()
		errf.Close()
		return api.WrapErr(api.ErrStartFailed, err, "node %q: %v", q.node.Name, argv)
	}
	q.cmd = c
	q.log.Debugf("qemu pid %d", c.Process.Pid)

	go func() {
		err := c.Wait()
		outf.Close()
		errf.Close()
		q.waitCh <- ExitStatus{Code: c.ProcessState.ExitCode(), Err: err}
	}()
	return nil
}

func (q *QemuNode) Wait() <-chan ExitStatus { return q.waitCh }

// Exec has no channel into the guest; the VM backend does not offer
// one.
func (q *QemuNode) Exec(ctx context.Context, argv []string, tty bool) (*ExecResult, error) {
	return nil, api.Errorf(api.ErrExecFailed,
		"node %q: the qemu backend has no guest exec channel", q.node.Name)
}

func (q *QemuNode) Signal(sig os.Signal) error {
	if q.cmd == nil || q.cmd.Process == nil {
		return api.Errorf(api.ErrNotRunning, "node %q has no running VM", q.node.Name)
	}
	return q.cmd.Process.Signal(sig)
}

// Cleanup stops the VM and releases the namespaces. cleanup-cmd is not
// run: there is no guest exec channel.
func (q *QemuNode) Cleanup(ctx context.Context) error {
	if q.stopped {
		return nil
	}
	q.stopped = true
	if q.cmd != nil && q.cmd.Process != nil {
		_ = q.cmd.Process.Signal(syscall.SIGTERM)
	}
	if q.nsp != nil {
		q.nsp.kill()
		q.nsp = nil
	}
	return nil
}
