package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"munet/api"
)

func TestClassOrdering(t *testing.T) {
	topo := &api.Topology{Networks: []api.NetworkConfig{{Name: "net0"}}}
	nodes := []api.Node{
		{Name: "r1", Backend: api.BackendQemu, Connections: []api.Connection{
			{To: "r2", Name: "p0"},
			{To: "net0", Name: "eth0"},
			{HostIntf: "enp5s0", Name: "wan"},
			{Physical: "0000:01:00.0", Name: "pci0"},
		}},
		{Name: "r2", Connections: []api.Connection{{To: "r1", Name: "p0"}}},
	}
	links, err := Plan(topo, nodes)
	require.NoError(t, err)
	require.Len(t, links, 4)
	assert.Equal(t, api.LinkBridge, links[0].Class)
	assert.Equal(t, api.LinkP2P, links[1].Class)
	assert.Equal(t, api.LinkHostBind, links[2].Class)
	assert.Equal(t, api.LinkPhysical, links[3].Class)
	for i, l := range links {
		assert.Equal(t, i+1, l.ID)
	}
}

// Mirrors the double p2p of the basic example topology: r2 and r3 carry
// two parallel links told apart by remote-name; one leg sets MTU 9000.
func TestP2PRemoteNameDisambiguation(t *testing.T) {
	topo := &api.Topology{}
	nodes := []api.Node{
		{Name: "r2", Connections: []api.Connection{
			{To: "r3", Name: "p2p1", RemoteName: "eth1"},
			{To: "r3", Name: "p2p2", RemoteName: "eth2", IP: "192.168.202.0/31", MTU: 9000},
		}},
		{Name: "r3", Connections: []api.Connection{
			{To: "r2", Name: "eth1"},
			{To: "r2", Name: "eth2", IP: "192.168.202.1/31"},
		}},
	}
	links, err := Plan(topo, nodes)
	require.NoError(t, err)
	require.Len(t, links, 2)

	assert.Equal(t, "p2p1", links[0].A.Ifname)
	assert.Equal(t, "eth1", links[0].B.Ifname)
	assert.Zero(t, links[0].A.MTU)

	assert.Equal(t, "p2p2", links[1].A.Ifname)
	assert.Equal(t, "eth2", links[1].B.Ifname)
	assert.Equal(t, "192.168.202.0/31", links[1].A.Addr)
	assert.Equal(t, "192.168.202.1/31", links[1].B.Addr)
	// mtu declared on one leg applies to the pair
	assert.Equal(t, 9000, links[1].A.MTU)
	assert.Equal(t, 9000, links[1].B.MTU)
}

func TestP2PPositionalMatch(t *testing.T) {
	topo := &api.Topology{}
	nodes := []api.Node{
		{Name: "a", Connections: []api.Connection{{To: "b", Name: "eth0"}}},
		{Name: "b", Connections: []api.Connection{{To: "a", Name: "eth0"}}},
	}
	links, err := Plan(topo, nodes)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "a", links[0].A.Node)
	assert.Equal(t, "b", links[0].B.Node)
}

func TestP2PAmbiguous(t *testing.T) {
	topo := &api.Topology{}
	nodes := []api.Node{
		{Name: "a", Connections: []api.Connection{
			{To: "b", Name: "eth0"},
			{To: "b", Name: "eth1"},
		}},
		{Name: "b", Connections: []api.Connection{
			{To: "a", Name: "eth0"},
			{To: "a", Name: "eth1"},
		}},
	}
	_, err := Plan(topo, nodes)
	assert.Equal(t, api.ErrP2PAmbiguous, api.KindOf(err))
}

func TestP2PNoPeer(t *testing.T) {
	topo := &api.Topology{}
	nodes := []api.Node{
		{Name: "a", Connections: []api.Connection{{To: "b", Name: "eth0"}}},
		{Name: "b"},
	}
	_, err := Plan(topo, nodes)
	assert.Equal(t, api.ErrP2PAmbiguous, api.KindOf(err))
}

func TestUnresolvableTo(t *testing.T) {
	topo := &api.Topology{}
	nodes := []api.Node{
		{Name: "a", Connections: []api.Connection{{To: "ghost", Name: "eth0"}}},
	}
	_, err := Plan(topo, nodes)
	assert.Equal(t, api.ErrConfigInvalid, api.KindOf(err))
}

func TestPhysicalRequiresQemu(t *testing.T) {
	topo := &api.Topology{}
	nodes := []api.Node{
		{Name: "a", Backend: api.BackendShell, Connections: []api.Connection{
			{Physical: "0000:01:00.0", Name: "pci0"},
		}},
	}
	_, err := Plan(topo, nodes)
	assert.Equal(t, api.ErrConfigInvalid, api.KindOf(err))
}

func TestConstraintsTravelWithEndpoint(t *testing.T) {
	topo := &api.Topology{Networks: []api.NetworkConfig{{Name: "net0"}}}
	nodes := []api.Node{
		{Name: "a", Connections: []api.Connection{{
			To: "net0", Name: "eth0",
			Constraints: api.Constraints{Delay: api.Num("10000")},
		}}},
	}
	links, err := Plan(topo, nodes)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.True(t, links[0].A.Constraints.Delay.IsSet())
}
