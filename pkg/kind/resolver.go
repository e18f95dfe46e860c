// Package kind resolves each declared node against its kind template.
// A kind is a value-level merge source, not a type hierarchy: fields
// named in the kind's merge list are concatenated or key-overridden,
// everything else is replaced wholesale by the node.
package kind

import (
	"munet/api"
)

// Resolve produces the canonical node list for a config. Node order is
// topology order; ids are not assigned here (the allocator owns them).
func Resolve(cfg *api.Config) ([]api.Node, error) {
	nodes := make([]api.Node, 0, len(cfg.Topology.Nodes))
	for i := range cfg.Topology.Nodes {
		nc := &cfg.Topology.Nodes[i]
		n, err := resolveNode(cfg, nc)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, nil
}

func resolveNode(cfg *api.Config, nc *api.NodeConfig) (*api.Node, error) {
	var k api.Kind
	if nc.Kind != "" {
		kp := cfg.KindByName(nc.Kind)
		if kp == nil {
			return nil, api.Errorf(api.ErrUnknownKind, "node %q: kind %q", nc.Name, nc.Kind)
		}
		k = *kp
	}
	merge := map[string]bool{}
	for _, f := range k.Merge {
		merge[f] = true
	}

	n := &api.Node{
		Name: nc.Name,
		ID:   nc.ID,
		Kind: nc.Kind,
	}

	// Scalars: the node always wins when it sets a value.
	n.Image = replaceStr(k.Image, nc.Image)
	n.Cmd = replaceStr(k.Cmd, nc.Cmd)
	n.CleanupCmd = replaceStr(k.CleanupCmd, nc.CleanupCmd)
	n.Privileged = k.Privileged || nc.Privileged
	if nc.Shell != nil {
		n.Shell = nc.Shell
	} else {
		n.Shell = k.Shell
	}
	if nc.Init != nil {
		n.Init = nc.Init
	} else {
		n.Init = k.Init
	}
	if nc.Podman != nil {
		n.Podman = nc.Podman
	} else {
		n.Podman = k.Podman
	}
	if nc.Qemu != nil {
		n.Qemu = nc.Qemu
	} else {
		n.Qemu = k.Qemu
	}

	// Lists and keyed lists honour the kind's merge list.
	n.CapAdd = mergeStrings(merge["cap-add"], k.CapAdd, nc.CapAdd)
	n.CapRemove = mergeStrings(merge["cap-remove"], k.CapRemove, nc.CapRemove)
	n.Volumes = mergeStrings(merge["volumes"], k.Volumes, nc.Volumes)
	n.Env = mergeEnv(merge["env"], k.Env, nc.Env)
	n.Mounts = mergeMounts(merge["mounts"], k.Mounts, nc.Mounts)

	// A node with no connections of its own takes the kind's verbatim:
	// the kind's connections are its default topology contribution.
	switch {
	case len(nc.Connections) == 0:
		n.Connections = copyConns(k.Connections)
	case merge["connections"]:
		n.Connections = mergeConns(k.Connections, nc.Connections)
	default:
		n.Connections = copyConns(nc.Connections)
	}

	if nc.IP != nil {
		if nc.IP.Auto {
			n.LoopbackIPs = []string{"auto"}
		} else {
			n.LoopbackIPs = append([]string{}, nc.IP.Addrs...)
		}
	}

	if n.Image != "" && n.Qemu != nil && n.Qemu.Kernel != "" {
		return nil, api.Errorf(api.ErrConfigInvalid,
			"node %q resolves to both image and qemu", nc.Name)
	}

	switch {
	case n.Qemu != nil && n.Qemu.Kernel != "":
		n.Backend = api.BackendQemu
	case n.Image != "":
		n.Backend = api.BackendContainer
	default:
		n.Backend = api.BackendShell
	}
	return n, nil
}

func replaceStr(kind, node string) string {
	if node != "" {
		return node
	}
	return kind
}

func mergeStrings(merge bool, kind, node []string) []string {
	if !merge {
		if len(node) > 0 {
			return append([]string{}, node...)
		}
		return append([]string{}, kind...)
	}
	out := append([]string{}, kind...)
	return append(out, node...)
}

// mergeEnv merges keyed by name: node entries override kind entries in
// place, new names append after.
func mergeEnv(merge bool, kind, node []api.EnvVar) []api.EnvVar {
	if !merge {
		if len(node) > 0 {
			return append([]api.EnvVar{}, node...)
		}
		return append([]api.EnvVar{}, kind...)
	}
	out := append([]api.EnvVar{}, kind...)
	for _, nv := range node {
		replaced := false
		for i := range out {
			if out[i].Name == nv.Name {
				out[i] = nv
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, nv)
		}
	}
	return out
}

// mergeMounts merges keyed by destination.
func mergeMounts(merge bool, kind, node []api.Mount) []api.Mount {
	if !merge {
		if len(node) > 0 {
			return append([]api.Mount{}, node...)
		}
		return append([]api.Mount{}, kind...)
	}
	out := append([]api.Mount{}, kind...)
	for _, nm := range node {
		replaced := false
		for i := range out {
			if out[i].Destination == nm.Destination {
				out[i] = nm
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, nm)
		}
	}
	return out
}

// mergeConns merges keyed by `to`.
func mergeConns(kind, node []api.Connection) []api.Connection {
	out := copyConns(kind)
	for _, nc := range node {
		replaced := false
		for i := range out {
			if out[i].To == nc.To {
				out[i] = nc
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, nc)
		}
	}
	return out
}

func copyConns(conns []api.Connection) []api.Connection {
	return append([]api.Connection{}, conns...)
}
