// Package plan materialises declared connections into an ordered list
// of link records. The order is the bring-up order: bridge attachments
// before p2p veths before host binds before physical passthrough.
package plan

import (
	"munet/api"
)

type connRef struct {
	node int // index into nodes
	conn int // index into node.Connections
}

// Plan pairs and orders every connection of the resolved topology.
func Plan(topo *api.Topology, nodes []api.Node) ([]api.Link, error) {
	networks := map[string]bool{}
	for _, nw := range topo.Networks {
		networks[nw.Name] = true
	}
	nodeIdx := map[string]int{}
	for i := range nodes {
		nodeIdx[nodes[i].Name] = i
	}

	var bridge, p2p, hostBind, physical []api.Link
	matched := map[connRef]bool{}

	for i := range nodes {
		n := &nodes[i]
		for j := range n.Connections {
			c := &n.Connections[j]
			ref := connRef{i, j}
			if matched[ref] {
				continue
			}
			ep := api.LinkEndpoint{
				Node:        n.Name,
				Ifname:      c.Name,
				Addr:        c.IP,
				MTU:         c.MTU,
				Constraints: c.Constraints,
			}
			switch {
			case c.HostIntf != "":
				hostBind = append(hostBind, api.Link{
					Class: api.LinkHostBind, HostIntf: c.HostIntf, A: ep,
				})
			case c.Physical != "":
				if n.Backend != api.BackendQemu {
					return nil, api.Errorf(api.ErrConfigInvalid,
						"node %q: physical connection needs a VM backend", n.Name)
				}
				physical = append(physical, api.Link{
					Class: api.LinkPhysical, Physical: c.Physical, A: ep,
				})
			case networks[c.To]:
				ep.Peer = c.To
				bridge = append(bridge, api.Link{
					Class: api.LinkBridge, Network: c.To, A: ep,
				})
			default:
				oi, ok := nodeIdx[c.To]
				if !ok {
					return nil, api.Errorf(api.ErrConfigInvalid,
						"node %q connection %q: %q is neither network nor node",
						n.Name, c.Name, c.To)
				}
				l, peer, err := pairP2P(nodes, matched, ref, oi)
				if err != nil {
					return nil, err
				}
				matched[ref] = true
				matched[peer] = true
				p2p = append(p2p, *l)
			}
		}
	}

	links := make([]api.Link, 0, len(bridge)+len(p2p)+len(hostBind)+len(physical))
	links = append(links, bridge...)
	links = append(links, p2p...)
	links = append(links, hostBind...)
	links = append(links, physical...)
	for i := range links {
		links[i].ID = i + 1
	}
	return links, nil
}

// pairP2P finds the peer connection entry on the other node: by
// (`to`==us, `remote-name`==our local name) when remote-name is given,
// else the first unmatched candidate by position. Duplicate or
// unresolvable matches are P2PAmbiguous.
func pairP2P(nodes []api.Node, matched map[connRef]bool, ref connRef, oi int) (*api.Link, connRef, error) {
	n := &nodes[ref.node]
	c := &n.Connections[ref.conn]
	other := &nodes[oi]

	var candidates []connRef
	for j := range other.Connections {
		oc := &other.Connections[j]
		oref := connRef{oi, j}
		if matched[oref] || oc.To != n.Name || oc.HostIntf != "" || oc.Physical != "" {
			continue
		}
		if c.RemoteName != "" && oc.Name != c.RemoteName {
			continue
		}
		if oc.RemoteName != "" && oc.RemoteName != c.Name {
			continue
		}
		candidates = append(candidates, oref)
	}
	if len(candidates) == 0 {
		return nil, connRef{}, api.Errorf(api.ErrP2PAmbiguous,
			"node %q connection %q: no matching connection on %q",
			n.Name, c.Name, other.Name)
	}
	if len(candidates) > 1 && c.RemoteName == "" {
		// More than one possible peer and nothing to tell them apart.
		unnamed := 0
		for _, cand := range candidates {
			if other.Connections[cand.conn].RemoteName == "" {
				unnamed++
			}
		}
		if unnamed > 1 {
			return nil, connRef{}, api.Errorf(api.ErrP2PAmbiguous,
				"nodes %q and %q have multiple indistinguishable p2p links; set remote-name",
				n.Name, other.Name)
		}
	}
	peer := candidates[0]
	oc := &other.Connections[peer.conn]

	mtu := c.MTU
	if oc.MTU > mtu {
		mtu = oc.MTU
	}
	l := &api.Link{
		Class: api.LinkP2P,
		A: api.LinkEndpoint{
			Node:        n.Name,
			Ifname:      c.Name,
			Peer:        other.Name,
			PeerIfname:  oc.Name,
			Addr:        c.IP,
			MTU:         mtu,
			Constraints: c.Constraints,
		},
		B: api.LinkEndpoint{
			Node:        other.Name,
			Ifname:      oc.Name,
			Peer:        n.Name,
			PeerIfname:  c.Name,
			Addr:        oc.IP,
			MTU:         mtu,
			Constraints: oc.Constraints,
		},
	}
	return l, peer, nil
}
