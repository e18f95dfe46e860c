// Package link realises planned links in the kernel: bridges for
// networks, veth pairs into node namespaces, host interface binds, and
// the traffic-control chains declared on endpoints.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"go.uber.org/zap"

	"munet/api"
	"munet/pkg/node"
)

// Manager owns the host-side kernel mutations. All calls happen on the
// orchestrator's single wiring path, so globally-named objects (bridges,
// transient veth names) are created race-free.
type Manager struct {
	log *zap.SugaredLogger
}

func NewManager(log *zap.SugaredLogger) *Manager {
	return &Manager{log: log}
}

// CreateBridge realises a network: a bridge named after it, addressed,
// MTU-set and up.
func (m *Manager) CreateBridge(name string, addr netip.Prefix, mtu int) error {
	la := netlink.NewLinkAttrs()
	la.Name = name
	if mtu > 0 {
		la.MTU = mtu
	}
	br := &netlink.Bridge{LinkAttrs: la}
	if err := netlink.LinkAdd(br); err != nil {
		if errors.Is(err, os.ErrExist) {
			return api.Errorf(api.ErrLinkExists, "bridge %q", name)
		}
		return api.WrapErr(api.ErrInternal, err, "creating bridge %q", name)
	}
	if addr.IsValid() {
		ip, ipNet, err := net.ParseCIDR(addr.String())
		if err != nil {
			return err
		}
		a := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: ipNet.Mask}}
		if err := netlink.AddrAdd(br, a); err != nil {
			return api.WrapErr(api.ErrInternal, err, "addressing bridge %q", name)
		}
	}
	if err := netlink.LinkSetUp(br); err != nil {
		return api.WrapErr(api.ErrInternal, err, "raising bridge %q", name)
	}
	m.log.Debugf("bridge %s up (%s)", name, addr)
	return nil
}

// DeleteBridge removes a network bridge; a bridge already gone is
// success.
func (m *Manager) DeleteBridge(name string) error {
	br, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	return netlink.LinkDel(br)
}

// Transient names: the host side of a bridge attachment stays on the
// host, the rest are renamed once inside the node. 15 bytes is the
// kernel budget.
func hostSideName(id int) string { return fmt.Sprintf("mu%dh", id) }
func tmpSideName(id int, side byte) string {
	return fmt.Sprintf("mu%dt%c", id, side)
}

// HostSideName exposes the persistent host-side veth name of a bridge
// link, for teardown bookkeeping.
func HostSideName(l *api.Link) string { return hostSideName(l.ID) }

// WireBridgeLink attaches a node to its network: veth pair, host end
// enslaved to the bridge, node end configured inside the namespace.
func (m *Manager) WireBridgeLink(ctx context.Context, l *api.Link, b node.Backend) error {
	hn := hostSideName(l.ID)
	tn := tmpSideName(l.ID, 'a')

	la := netlink.NewLinkAttrs()
	la.Name = hn
	if l.A.MTU > 0 {
		la.MTU = l.A.MTU
	}
	veth := &netlink.Veth{LinkAttrs: la, PeerName: tn}
	if err := netlink.LinkAdd(veth); err != nil {
		if errors.Is(err, os.ErrExist) {
			return api.Errorf(api.ErrLinkExists, "veth %q", hn)
		}
		return api.WrapErr(api.ErrInternal, err, "creating veth %q", hn)
	}

	if err := m.moveIntoNode(tn, b); err != nil {
		_ = netlink.LinkDel(veth)
		return err
	}
	if err := b.AttachLink(ctx, tn, l.A); err != nil {
		_ = netlink.LinkDel(veth)
		return err
	}

	host, err := netlink.LinkByName(hn)
	if err != nil {
		return api.WrapErr(api.ErrIfaceNotFound, err, "host side %q", hn)
	}
	br, err := netlink.LinkByName(l.Network)
	if err != nil {
		return api.WrapErr(api.ErrIfaceNotFound, err, "bridge %q", l.Network)
	}
	if err := netlink.LinkSetMaster(host, br); err != nil {
		return api.WrapErr(api.ErrInternal, err, "enslaving %q to %q", hn, l.Network)
	}
	if err := netlink.LinkSetUp(host); err != nil {
		return api.WrapErr(api.ErrInternal, err, "raising %q", hn)
	}
	m.log.Debugf("link %d: %s/%s on %s", l.ID, l.A.Node, l.A.Ifname, l.Network)
	return nil
}

// WireP2PLink realises a veth pair with one end in each node.
func (m *Manager) WireP2PLink(ctx context.Context, l *api.Link, ba, bb node.Backend) error {
	ta := tmpSideName(l.ID, 'a')
	tb := tmpSideName(l.ID, 'b')

	la := netlink.NewLinkAttrs()
	la.Name = ta
	veth := &netlink.Veth{LinkAttrs: la, PeerName: tb}
	if err := netlink.LinkAdd(veth); err != nil {
		if errors.Is(err, os.ErrExist) {
			return api.Errorf(api.ErrLinkExists, "veth %q", ta)
		}
		return api.WrapErr(api.ErrInternal, err, "creating p2p veth %q", ta)
	}

	if err := m.moveIntoNode(ta, ba); err != nil {
		_ = netlink.LinkDel(veth)
		return err
	}
	if err := ba.AttachLink(ctx, ta, l.A); err != nil {
		return err
	}
	if err := m.moveIntoNode(tb, bb); err != nil {
		return err
	}
	if err := bb.AttachLink(ctx, tb, l.B); err != nil {
		return err
	}
	m.log.Debugf("link %d: %s/%s <-> %s/%s",
		l.ID, l.A.Node, l.A.Ifname, l.B.Node, l.B.Ifname)
	return nil
}

// WireHostBind moves an existing host interface into the node.
func (m *Manager) WireHostBind(ctx context.Context, l *api.Link, b node.Backend) error {
	host, err := netlink.LinkByName(l.HostIntf)
	if err != nil {
		return api.WrapErr(api.ErrIfaceNotFound, err, "host interface %q", l.HostIntf)
	}
	if err := m.moveLink(host, b); err != nil {
		return err
	}
	return b.AttachLink(ctx, l.HostIntf, l.A)
}

func (m *Manager) moveIntoNode(name string, b node.Backend) error {
	lk, err := netlink.LinkByName(name)
	if err != nil {
		return api.WrapErr(api.ErrIfaceNotFound, err, "%q", name)
	}
	return m.moveLink(lk, b)
}

func (m *Manager) moveLink(lk netlink.Link, b node.Backend) error {
	nsh, err := netns.GetFromPath(b.NetnsPath())
	if err != nil {
		return api.WrapErr(api.ErrBackendUnavailable, err,
			"namespace of %q", b.Node().Name)
	}
	defer nsh.Close()
	if err := netlink.LinkSetNsFd(lk, int(nsh)); err != nil {
		return api.WrapErr(api.ErrInternal, err,
			"moving %q into %q", lk.Attrs().Name, b.Node().Name)
	}
	return nil
}

// DeleteHostVeth removes the host side of a bridge link if it still
// exists; deleting either end tears down the pair.
func (m *Manager) DeleteHostVeth(l *api.Link) error {
	lk, err := netlink.LinkByName(hostSideName(l.ID))
	if err != nil {
		return nil
	}
	return netlink.LinkDel(lk)
}
