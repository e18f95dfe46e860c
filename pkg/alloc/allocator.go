// Package alloc assigns network CIDRs, bridge addresses, per-node IPs,
// interface names and node ids. Allocation is deterministic: walking
// the config in declared order twice yields byte-identical tables.
package alloc

import (
	"fmt"
	"net/netip"

	"munet/api"
)

// Allocator carries the per-run pools.
type Allocator struct {
	autonumber bool
	ipv6       bool

	networks map[string]*netState
}

type netState struct {
	prefix  netip.Prefix
	bridge  netip.Addr
	used    map[netip.Addr]bool
	counter uint64
}

// New builds an allocator honouring the topology's autonumber and IPv6
// switches.
func New(topo *api.Topology) *Allocator {
	return &Allocator{
		autonumber: topo.NetworksAutonumber,
		ipv6:       topo.IPv6Enable,
		networks:   map[string]*netState{},
	}
}

// Allocate runs both allocation phases: networks first, then node ids,
// interface names and bridge-attach addresses. Nodes are updated in
// place (id, generated connection names). p2p addresses are filled in
// by FinishP2P once the planner has paired the endpoints.
func (a *Allocator) Allocate(topo *api.Topology, nodes []api.Node) (*api.Allocation, error) {
	table := &api.Allocation{
		Networks: []api.NetworkAlloc{},
		Nodes:    []api.NodeAlloc{},
	}

	for k, nw := range topo.Networks {
		st, err := a.allocNetwork(k, &nw)
		if err != nil {
			return nil, err
		}
		a.networks[nw.Name] = st
		table.Networks = append(table.Networks, api.NetworkAlloc{
			Name:     nw.Name,
			CIDR:     st.prefix.String(),
			BridgeIP: netip.PrefixFrom(st.bridge, st.prefix.Bits()).String(),
		})
	}

	if err := assignIDs(nodes); err != nil {
		return nil, err
	}

	// Reserve every explicit address before the counter walk so a later
	// explicit assignment is never handed out automatically.
	for i := range nodes {
		for _, c := range nodes[i].Connections {
			st := a.networks[c.To]
			if st == nil || c.IP == "" {
				continue
			}
			pfx, err := netip.ParsePrefix(c.IP)
			if err != nil {
				return nil, api.Errorf(api.ErrConfigInvalid,
					"node %q connection to %q: bad ip %q", nodes[i].Name, c.To, c.IP)
			}
			if st.used[pfx.Addr()] {
				return nil, api.Errorf(api.ErrNameCollision,
					"address %s assigned twice in network %q", pfx.Addr(), c.To)
			}
			st.used[pfx.Addr()] = true
		}
	}

	for i := range nodes {
		na, err := a.allocNode(&nodes[i])
		if err != nil {
			return nil, err
		}
		table.Nodes = append(table.Nodes, *na)
	}
	return table, nil
}

// allocNetwork resolves one network's CIDR and bridge address.
func (a *Allocator) allocNetwork(k int, nw *api.NetworkConfig) (*netState, error) {
	var pfx netip.Prefix
	var bridge netip.Addr

	if nw.IP != "" {
		p, err := netip.ParsePrefix(nw.IP)
		if err != nil {
			return nil, api.Errorf(api.ErrConfigInvalid, "network %q: bad ip %q", nw.Name, nw.IP)
		}
		pfx = p.Masked()
		if p.Addr() != pfx.Addr() {
			// User CIDR with host bits: the bridge takes them.
			bridge = p.Addr()
		} else {
			bridge = firstUsable(pfx)
		}
	} else {
		if !a.autonumber {
			return nil, api.Errorf(api.ErrConfigInvalid,
				"network %q has no ip and networks-autonumber is off", nw.Name)
		}
		var err error
		if pfx, err = autoPrefix(k, a.ipv6); err != nil {
			return nil, err
		}
		bridge = firstUsable(pfx)
	}

	st := &netState{
		prefix: pfx,
		bridge: bridge,
		used:   map[netip.Addr]bool{bridge: true},
	}
	// The counter hands out host offsets; it starts past the bridge
	// when the bridge sits on the first usable address.
	if bridge == firstUsable(pfx) {
		st.counter = 2
	} else {
		st.counter = 1
	}
	return st, nil
}

// autoPrefix is the autonumber pool: 10.0.<k>.0/24, or the IPv6
// equivalent 2001:db8:<k>::/64.
func autoPrefix(k int, ipv6 bool) (netip.Prefix, error) {
	if ipv6 {
		if k > 0xffff {
			return netip.Prefix{}, api.Errorf(api.ErrAddressExhausted,
				"network pool exhausted at index %d", k)
		}
		return netip.ParsePrefix(fmt.Sprintf("2001:db8:%x::/64", k))
	}
	if k > 255 {
		return netip.Prefix{}, api.Errorf(api.ErrAddressExhausted,
			"network pool exhausted at index %d", k)
	}
	return netip.ParsePrefix(fmt.Sprintf("10.0.%d.0/24", k))
}

// assignIDs gives every node a unique stable id: explicit ids win,
// the rest are filled monotonically from 1 in topology order.
func assignIDs(nodes []api.Node) error {
	used := map[int]string{}
	for i := range nodes {
		if nodes[i].ID == 0 {
			continue
		}
		if prev, ok := used[nodes[i].ID]; ok {
			return api.Errorf(api.ErrNameCollision,
				"id %d used by %q and %q", nodes[i].ID, prev, nodes[i].Name)
		}
		used[nodes[i].ID] = nodes[i].Name
	}
	next := 1
	for i := range nodes {
		if nodes[i].ID != 0 {
			continue
		}
		for used[next] != "" {
			next++
		}
		nodes[i].ID = next
		used[next] = nodes[i].Name
	}
	return nil
}

// allocNode names the node's interfaces and addresses its bridge
// attachments.
func (a *Allocator) allocNode(n *api.Node) (*api.NodeAlloc, error) {
	na := &api.NodeAlloc{Name: n.Name, ID: n.ID, Interfaces: []api.IfaceAlloc{}}

	reserved := map[string]bool{}
	for _, c := range n.Connections {
		if c.Name == "" {
			continue
		}
		if reserved[c.Name] {
			return nil, api.Errorf(api.ErrNameCollision,
				"node %q: interface %q declared twice", n.Name, c.Name)
		}
		reserved[c.Name] = true
	}

	for i := range n.Connections {
		c := &n.Connections[i]
		if c.Name == "" {
			j := i
			for reserved[fmt.Sprintf("eth%d", j)] {
				j++
			}
			c.Name = fmt.Sprintf("eth%d", j)
			reserved[c.Name] = true
		}

		ifa := api.IfaceAlloc{Name: c.Name}
		switch {
		case c.IP != "":
			ifa.Addr = c.IP
		case a.networks[c.To] != nil && a.autonumber:
			addr, err := a.nextHost(c.To)
			if err != nil {
				return nil, api.WrapErr(api.KindOf(err), err,
					"node %q connection %q", n.Name, c.Name)
			}
			ifa.Addr = addr
			c.IP = addr
		}
		na.Interfaces = append(na.Interfaces, ifa)
	}

	for _, lo := range n.LoopbackIPs {
		addr := lo
		if lo == "auto" {
			base := netip.MustParseAddr("10.255.0.0")
			addr = netip.PrefixFrom(addAddr(base, uint64(n.ID)), 32).String()
		}
		na.Interfaces = append(na.Interfaces, api.IfaceAlloc{Name: "lo", Addr: addr})
	}
	return na, nil
}

// nextHost hands out the next free host address in a network.
func (a *Allocator) nextHost(network string) (string, error) {
	st := a.networks[network]
	base := st.prefix.Masked().Addr()
	for {
		addr := addAddr(base, st.counter)
		st.counter++
		if !st.prefix.Contains(addr) || addr == lastAddr(st.prefix) && addr.Is4() {
			return "", api.Errorf(api.ErrAddressExhausted,
				"network %q (%s) is out of host addresses", network, st.prefix)
		}
		if st.used[addr] {
			continue
		}
		st.used[addr] = true
		return netip.PrefixFrom(addr, st.prefix.Bits()).String(), nil
	}
}

// NextP2PPrefix returns node's next autonumbered /31, counting pairs
// from 10.254.<id>.0.
func NextP2PPrefix(nodeID, pair int) (netip.Prefix, error) {
	if nodeID > 255 || pair > 127 {
		return netip.Prefix{}, api.Errorf(api.ErrAddressExhausted,
			"p2p pool exhausted for node id %d", nodeID)
	}
	return netip.ParsePrefix(fmt.Sprintf("10.254.%d.%d/31", nodeID, pair*2))
}

// FinishP2P assigns addresses to paired p2p endpoints: explicit ips are
// used as declared; with autonumbering on, unnumbered pairs draw /31s
// from the declaring node's pool, declaring side low. The allocation
// table is extended to match.
func (a *Allocator) FinishP2P(table *api.Allocation, links []api.Link) error {
	pairCount := map[string]int{}
	for i := range links {
		l := &links[i]
		if l.Class != api.LinkP2P {
			continue
		}
		if l.A.Addr != "" || l.B.Addr != "" {
			a.recordAddr(table, l.A)
			a.recordAddr(table, l.B)
			continue
		}
		if !a.autonumber {
			continue // L2 link unless the user numbers both sides
		}
		na := table.Node(l.A.Node)
		pfx, err := NextP2PPrefix(na.ID, pairCount[l.A.Node])
		if err != nil {
			return err
		}
		pairCount[l.A.Node]++
		l.A.Addr = netip.PrefixFrom(pfx.Addr(), 31).String()
		l.B.Addr = netip.PrefixFrom(pfx.Addr().Next(), 31).String()
		a.recordAddr(table, l.A)
		a.recordAddr(table, l.B)
	}
	return nil
}

func (a *Allocator) recordAddr(table *api.Allocation, ep api.LinkEndpoint) {
	if ep.Addr == "" {
		return
	}
	na := table.Node(ep.Node)
	if na == nil {
		return
	}
	for i := range na.Interfaces {
		if na.Interfaces[i].Name == ep.Ifname {
			na.Interfaces[i].Addr = ep.Addr
			return
		}
	}
	na.Interfaces = append(na.Interfaces, api.IfaceAlloc{Name: ep.Ifname, Addr: ep.Addr})
}

// BridgePrefix exposes a network's bridge address with its prefix
// length, for the orchestrator.
func (a *Allocator) BridgePrefix(network string) (netip.Prefix, bool) {
	st := a.networks[network]
	if st == nil {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(st.bridge, st.prefix.Bits()), true
}

func firstUsable(pfx netip.Prefix) netip.Addr {
	return addAddr(pfx.Masked().Addr(), 1)
}

func lastAddr(pfx netip.Prefix) netip.Addr {
	if !pfx.Addr().Is4() {
		return netip.Addr{}
	}
	b := pfx.Masked().Addr().As4()
	bits := pfx.Bits()
	for i := 0; i < 4; i++ {
		hostBits := 8*(i+1) - bits
		if hostBits <= 0 {
			continue
		}
		if hostBits > 8 {
			hostBits = 8
		}
		b[i] |= byte(0xff >> (8 - hostBits))
	}
	return netip.AddrFrom4(b)
}

// addAddr adds a small offset to an address.
func addAddr(a netip.Addr, inc uint64) netip.Addr {
	b := a.As16()
	for i := 15; i >= 0 && inc > 0; i-- {
		sum := uint64(b[i]) + (inc & 0xff)
		b[i] = byte(sum)
		inc >>= 8
		if sum > 0xff {
			inc++
		}
	}
	out := netip.AddrFrom16(b)
	if a.Is4() {
		return out.Unmap()
	}
	return out
}
