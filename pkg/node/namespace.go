package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	ns "github.com/containernetworking/plugins/pkg/ns"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"munet/api"
)

// nsProc is a placeholder process holding a fresh set of namespaces
// open. Shell and qemu nodes build on it; it is also what keeps a
// cmd-less node alive.
type nsProc struct {
	cmd *exec.Cmd
	pid int
}

// newNamespaces clones a placeholder into new net, mount, uts and pid
// namespaces and privatises its mount propagation.
func newNamespaces(name string, log *zap.SugaredLogger) (*nsProc, error) {
	if os.Geteuid() != 0 {
		return nil, api.Errorf(api.ErrPermissionDenied,
			"node %q: namespace creation needs CAP_SYS_ADMIN", name)
	}
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		return nil, api.WrapErr(api.ErrBackendUnavailable, err, "node %q", name)
	}
	cmd := exec.Command(sleep, "infinity")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWNET | unix.CLONE_NEWNS |
			unix.CLONE_NEWUTS | unix.CLONE_NEWPID,
	}
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return nil, api.WrapErr(api.ErrBackendUnavailable, err,
			"node %q: starting namespace placeholder", name)
	}
	p := &nsProc{cmd: cmd, pid: cmd.Process.Pid}
	log.Debugf("%s: namespaces held by pid %d", name, p.pid)

	// Reap the placeholder whenever it dies so it cannot linger as a
	// zombie across teardown paths.
	go func() { _ = cmd.Wait() }()

	if out, err := nsenter(p.pid, "-m", "--", "mount", "--make-rprivate", "/"); err != nil {
		p.kill()
		return nil, api.WrapErr(api.ErrBackendUnavailable, err,
			"node %q: privatising mounts: %s", name, out)
	}
	if out, err := nsenter(p.pid, "-u", "--", "hostname", name); err != nil {
		log.Warnf("%s: setting hostname: %v: %s", name, err, out)
	}
	return p, nil
}

func (p *nsProc) netnsPath() string {
	return fmt.Sprintf("/proc/%d/ns/net", p.pid)
}

func (p *nsProc) kill() {
	if p == nil || p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Kill()
}

// nsenter runs a command inside the placeholder's namespaces, selected
// by flags like "-n", "-m". Returns combined output.
func nsenter(pid int, args ...string) (string, error) {
	full := append([]string{"-t", strconv.Itoa(pid)}, args...)
	out, err := exec.Command("nsenter", full...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// nsenterCmd builds an exec.Cmd entering all of the placeholder's
// namespaces, for long-running node commands.
func nsenterCmd(ctx context.Context, pid int, argv []string) *exec.Cmd {
	args := []string{"-t", strconv.Itoa(pid), "-n", "-m", "-u", "-p", "--"}
	args = append(args, argv...)
	return exec.CommandContext(ctx, "nsenter", args...)
}

// configureIface finishes a link endpoint inside nsPath: the interface
// arrives under tmpName and leaves named, addressed, MTU-set and up.
func configureIface(nsPath, tmpName string, ep api.LinkEndpoint) error {
	netNs, err := ns.GetNS(nsPath)
	if err != nil {
		return api.WrapErr(api.ErrBackendUnavailable, err, "namespace %s", nsPath)
	}
	defer netNs.Close()

	return netNs.Do(func(_ ns.NetNS) error {
		if _, err := netlink.LinkByName(ep.Ifname); err == nil && tmpName != ep.Ifname {
			return api.Errorf(api.ErrLinkExists,
				"node %q already has interface %q", ep.Node, ep.Ifname)
		}
		link, err := netlink.LinkByName(tmpName)
		if err != nil {
			return api.WrapErr(api.ErrIfaceNotFound, err,
				"node %q: interface %q", ep.Node, tmpName)
		}
		if tmpName != ep.Ifname {
			if err := netlink.LinkSetName(link, ep.Ifname); err != nil {
				return fmt.Errorf("renaming %s to %s: %w", tmpName, ep.Ifname, err)
			}
			if link, err = netlink.LinkByName(ep.Ifname); err != nil {
				return api.WrapErr(api.ErrIfaceNotFound, err, "after rename")
			}
		}
		if ep.Addr != "" {
			ip, ipNet, err := net.ParseCIDR(ep.Addr)
			if err != nil {
				return fmt.Errorf("parsing %q: %w", ep.Addr, err)
			}
			addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: ipNet.Mask}}
			if err := netlink.AddrAdd(link, addr); err != nil {
				return fmt.Errorf("adding %s to %s: %w", ep.Addr, ep.Ifname, err)
			}
		}
		if ep.MTU > 0 {
			if err := netlink.LinkSetMTU(link, ep.MTU); err != nil {
				return fmt.Errorf("setting mtu %d on %s: %w", ep.MTU, ep.Ifname, err)
			}
		}
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("raising %s: %w", ep.Ifname, err)
		}
		return nil
	})
}

// addLoopback assigns the node's loopback addresses and raises lo.
func addLoopback(nsPath string, addrs []string) error {
	if len(addrs) == 0 {
		return nil
	}
	netNs, err := ns.GetNS(nsPath)
	if err != nil {
		return err
	}
	defer netNs.Close()
	return netNs.Do(func(_ ns.NetNS) error {
		lo, err := netlink.LinkByName("lo")
		if err != nil {
			return err
		}
		for _, a := range addrs {
			ip, ipNet, err := net.ParseCIDR(a)
			if err != nil {
				return fmt.Errorf("loopback %q: %w", a, err)
			}
			addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: ipNet.Mask}}
			if err := netlink.AddrAdd(lo, addr); err != nil {
				return err
			}
		}
		return netlink.LinkSetUp(lo)
	})
}

// writeShebang materialises cmd as an executable script with the given
// interpreter, the way multi-line cmds are run.
func writeShebang(dir, shell, cmd string) (string, error) {
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	p := filepath.Join(dir, "cmd.shebang")
	content := "#!" + shell + "\n" + cmd
	if err := os.WriteFile(p, []byte(content), 0o755); err != nil {
		return "", err
	}
	return p, nil
}

// splitVolume parses the string volume forms: "dst" is a tmpfs,
// "src:dst" a bind mount. Relative sources resolve against the config
// directory.
func splitVolume(v, configDir string) (src, dst string) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) == 1 {
		return "", parts[0]
	}
	src = parts[0]
	if !filepath.IsAbs(src) {
		src = filepath.Join(configDir, src)
	}
	return src, parts[1]
}
