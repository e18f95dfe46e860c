package kind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"munet/api"
)

func cfgWithKind(k api.Kind, n api.NodeConfig) *api.Config {
	return &api.Config{
		Kinds:    []api.Kind{k},
		Topology: api.Topology{Nodes: []api.NodeConfig{n}},
	}
}

func TestEnvMergeAndReplace(t *testing.T) {
	k := api.Kind{
		Name:  "K",
		Merge: []string{"env"},
		Env:   []api.EnvVar{{Name: "A", Value: "1"}},
	}
	n := api.NodeConfig{
		Name: "n",
		Kind: "K",
		Env:  []api.EnvVar{{Name: "B", Value: "2"}},
	}

	nodes, err := Resolve(cfgWithKind(k, n))
	require.NoError(t, err)
	assert.Equal(t, []api.EnvVar{{Name: "A", Value: "1"}, {Name: "B", Value: "2"}}, nodes[0].Env)

	// Without merge the node's env replaces the kind's wholesale.
	k.Merge = nil
	nodes, err = Resolve(cfgWithKind(k, n))
	require.NoError(t, err)
	assert.Equal(t, []api.EnvVar{{Name: "B", Value: "2"}}, nodes[0].Env)
}

func TestEnvKeyedOverride(t *testing.T) {
	k := api.Kind{
		Name:  "K",
		Merge: []string{"env"},
		Env: []api.EnvVar{
			{Name: "A", Value: "1"},
			{Name: "B", Value: "2"},
		},
	}
	n := api.NodeConfig{
		Name: "n",
		Kind: "K",
		Env: []api.EnvVar{
			{Name: "A", Value: "override"},
			{Name: "C", Value: "3"},
		},
	}
	nodes, err := Resolve(cfgWithKind(k, n))
	require.NoError(t, err)
	// kind order preserved, overridden in place, new keys appended
	assert.Equal(t, []api.EnvVar{
		{Name: "A", Value: "override"},
		{Name: "B", Value: "2"},
		{Name: "C", Value: "3"},
	}, nodes[0].Env)
}

func TestMountMergeByDestination(t *testing.T) {
	k := api.Kind{
		Name:   "K",
		Merge:  []string{"mounts"},
		Mounts: []api.Mount{{Type: "tmpfs", Destination: "/tmp"}},
	}
	n := api.NodeConfig{
		Name: "n",
		Kind: "K",
		Mounts: []api.Mount{
			{Type: "bind", Source: "/data", Destination: "/tmp"},
			{Type: "tmpfs", Destination: "/run"},
		},
	}
	nodes, err := Resolve(cfgWithKind(k, n))
	require.NoError(t, err)
	require.Len(t, nodes[0].Mounts, 2)
	assert.Equal(t, "bind", nodes[0].Mounts[0].Type)
	assert.Equal(t, "/run", nodes[0].Mounts[1].Destination)
}

func TestDefaultConnectionInheritance(t *testing.T) {
	k := api.Kind{
		Name:        "K",
		Connections: []api.Connection{{To: "net0"}},
	}
	n := api.NodeConfig{Name: "n", Kind: "K"}

	// No merge list needed: the kind's connections are the node's
	// default topology contribution.
	nodes, err := Resolve(cfgWithKind(k, n))
	require.NoError(t, err)
	require.Len(t, nodes[0].Connections, 1)
	assert.Equal(t, "net0", nodes[0].Connections[0].To)

	// Node-declared connections replace them when merge is absent.
	n.Connections = []api.Connection{{To: "net1"}}
	nodes, err = Resolve(cfgWithKind(k, n))
	require.NoError(t, err)
	require.Len(t, nodes[0].Connections, 1)
	assert.Equal(t, "net1", nodes[0].Connections[0].To)
}

func TestScalarReplace(t *testing.T) {
	k := api.Kind{Name: "K", Image: "base:1", Cmd: "run-base"}
	n := api.NodeConfig{Name: "n", Kind: "K", Cmd: "run-mine"}
	nodes, err := Resolve(cfgWithKind(k, n))
	require.NoError(t, err)
	assert.Equal(t, "base:1", nodes[0].Image)
	assert.Equal(t, "run-mine", nodes[0].Cmd)
	assert.Equal(t, api.BackendContainer, nodes[0].Backend)
}

func TestUnknownKind(t *testing.T) {
	cfg := &api.Config{
		Topology: api.Topology{Nodes: []api.NodeConfig{{Name: "n", Kind: "nope"}}},
	}
	_, err := Resolve(cfg)
	assert.Equal(t, api.ErrUnknownKind, api.KindOf(err))
}

func TestBackendSelection(t *testing.T) {
	cfg := &api.Config{Topology: api.Topology{Nodes: []api.NodeConfig{
		{Name: "s"},
		{Name: "c", Image: "alpine"},
		{Name: "v", Qemu: &api.Qemu{Kernel: "/boot/vmlinuz"}},
	}}}
	nodes, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, api.BackendShell, nodes[0].Backend)
	assert.Equal(t, api.BackendContainer, nodes[1].Backend)
	assert.Equal(t, api.BackendQemu, nodes[2].Backend)
}

func TestKindImagePlusNodeQemuRejected(t *testing.T) {
	k := api.Kind{Name: "K", Image: "alpine"}
	n := api.NodeConfig{Name: "n", Kind: "K", Qemu: &api.Qemu{Kernel: "/k"}}
	_, err := Resolve(cfgWithKind(k, n))
	assert.Equal(t, api.ErrConfigInvalid, api.KindOf(err))
}
