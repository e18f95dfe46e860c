package api

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the root of a parsed topology configuration. It is immutable
// for the duration of a run.
type Config struct {
	Version  int        `yaml:"version" json:"version"`
	Kinds    []Kind     `yaml:"kinds" json:"kinds,omitempty"`
	Topology Topology   `yaml:"topology" json:"topology"`
	CLI      *CLIConfig `yaml:"cli" json:"cli,omitempty"`
	Pathname string     `yaml:"-" json:"-"` // where the config was loaded from
}

// Topology holds the declared networks and nodes.
type Topology struct {
	NetworksAutonumber bool            `yaml:"networks-autonumber" json:"networks-autonumber,omitempty"`
	IPv6Enable         bool            `yaml:"ipv6-enable" json:"ipv6-enable,omitempty"`
	DNSNetwork         string          `yaml:"dns" json:"dns,omitempty"`
	Networks           []NetworkConfig `yaml:"networks" json:"networks,omitempty"`
	Nodes              []NodeConfig    `yaml:"nodes" json:"nodes,omitempty"`
}

// Kind is a reusable template of node properties. Fields named in Merge
// are list-merged with the node's own values instead of replaced.
type Kind struct {
	Name        string       `yaml:"name" json:"name"`
	Merge       []string     `yaml:"merge" json:"merge,omitempty"`
	Image       string       `yaml:"image" json:"image,omitempty"`
	Cmd         string       `yaml:"cmd" json:"cmd,omitempty"`
	CleanupCmd  string       `yaml:"cleanup-cmd" json:"cleanup-cmd,omitempty"`
	Shell       *Toggle      `yaml:"shell" json:"shell,omitempty"`
	Init        *Toggle      `yaml:"init" json:"init,omitempty"`
	Privileged  bool         `yaml:"privileged" json:"privileged,omitempty"`
	CapAdd      []string     `yaml:"cap-add" json:"cap-add,omitempty"`
	CapRemove   []string     `yaml:"cap-remove" json:"cap-remove,omitempty"`
	Env         []EnvVar     `yaml:"env" json:"env,omitempty"`
	Mounts      []Mount      `yaml:"mounts" json:"mounts,omitempty"`
	Volumes     []string     `yaml:"volumes" json:"volumes,omitempty"`
	Connections []Connection `yaml:"connections" json:"connections,omitempty"`
	Podman      *Podman      `yaml:"podman" json:"podman,omitempty"`
	Qemu        *Qemu        `yaml:"qemu" json:"qemu,omitempty"`
}

// NodeConfig is a node as declared in the config, before kind resolution.
type NodeConfig struct {
	Name        string       `yaml:"name" json:"name"`
	ID          int          `yaml:"id" json:"id,omitempty"`
	Kind        string       `yaml:"kind" json:"kind,omitempty"`
	Image       string       `yaml:"image" json:"image,omitempty"`
	IP          *LoopbackIPs `yaml:"ip" json:"ip,omitempty"`
	Cmd         string       `yaml:"cmd" json:"cmd,omitempty"`
	CleanupCmd  string       `yaml:"cleanup-cmd" json:"cleanup-cmd,omitempty"`
	Shell       *Toggle      `yaml:"shell" json:"shell,omitempty"`
	Init        *Toggle      `yaml:"init" json:"init,omitempty"`
	Privileged  bool         `yaml:"privileged" json:"privileged,omitempty"`
	CapAdd      []string     `yaml:"cap-add" json:"cap-add,omitempty"`
	CapRemove   []string     `yaml:"cap-remove" json:"cap-remove,omitempty"`
	Env         []EnvVar     `yaml:"env" json:"env,omitempty"`
	Mounts      []Mount      `yaml:"mounts" json:"mounts,omitempty"`
	Volumes     []string     `yaml:"volumes" json:"volumes,omitempty"`
	Connections []Connection `yaml:"connections" json:"connections,omitempty"`
	Podman      *Podman      `yaml:"podman" json:"podman,omitempty"`
	Qemu        *Qemu        `yaml:"qemu" json:"qemu,omitempty"`
}

// NetworkConfig declares an L2 broadcast domain realised as a bridge.
type NetworkConfig struct {
	Name string `yaml:"name" json:"name"`
	IP   string `yaml:"ip" json:"ip,omitempty"`
}

// Connection is a declared adjacency from a node to a network or to
// another node. String-form connections ("net0" or "net0:eth3") are
// normalised by the loader before decoding.
type Connection struct {
	To         string `yaml:"to" json:"to,omitempty"`
	Name       string `yaml:"name" json:"name,omitempty"`
	RemoteName string `yaml:"remote-name" json:"remote-name,omitempty"`
	IP         string `yaml:"ip" json:"ip,omitempty"`
	RemoteIP   string `yaml:"remote-ip" json:"remote-ip,omitempty"`
	HostIntf   string `yaml:"hostintf" json:"hostintf,omitempty"`
	Physical   string `yaml:"physical" json:"physical,omitempty"`
	MTU        int    `yaml:"mtu" json:"mtu,omitempty"`

	Constraints `yaml:",inline"`
}

// Constraints are the declarative link-quality settings of a connection,
// realised via traffic control on the node-side interface.
type Constraints struct {
	Delay             Number `yaml:"delay" json:"delay,omitempty"`
	Jitter            Number `yaml:"jitter" json:"jitter,omitempty"`
	JitterCorrelation Number `yaml:"jitter-correlation" json:"jitter-correlation,omitempty"`
	Loss              Number `yaml:"loss" json:"loss,omitempty"`
	LossCorrelation   Number `yaml:"loss-correlation" json:"loss-correlation,omitempty"`
	Rate              *Rate  `yaml:"rate" json:"rate,omitempty"`
}

// Empty reports whether no constraint at all is declared.
func (c Constraints) Empty() bool {
	return !c.Delay.IsSet() && !c.Jitter.IsSet() && !c.Loss.IsSet() && c.Rate == nil
}

// Rate is a token-bucket limit. The scalar form `rate: 10M` sets only
// the rate.
type Rate struct {
	Rate  Number `yaml:"rate" json:"rate,omitempty"`
	Limit Number `yaml:"limit" json:"limit,omitempty"`
	Burst Number `yaml:"burst" json:"burst,omitempty"`
}

func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&r.Rate)
	}
	type plain Rate
	return value.Decode((*plain)(r))
}

// EnvVar is a single environment variable entry. Scalar values of any
// YAML type are accepted and carried as strings.
type EnvVar struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

func (e *EnvVar) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name  string    `yaml:"name"`
		Value yaml.Node `yaml:"value"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	e.Name = raw.Name
	e.Value = raw.Value.Value
	return nil
}

// Mount is a structured mount entry.
type Mount struct {
	Type        string `yaml:"type" json:"type,omitempty"`
	Source      string `yaml:"src" json:"src,omitempty"`
	Destination string `yaml:"dst" json:"dst"`
	Options     string `yaml:"options" json:"options,omitempty"`
}

// Podman carries engine-specific extras for container nodes.
type Podman struct {
	ExtraArgs []string `yaml:"extra-args" json:"extra-args,omitempty"`
}

// Qemu selects the VM backend and carries its settings.
type Qemu struct {
	Kernel  string `yaml:"kernel" json:"kernel,omitempty"`
	Initrd  string `yaml:"initrd" json:"initrd,omitempty"`
	Append  string `yaml:"append" json:"append,omitempty"`
	Disk    string `yaml:"disk" json:"disk,omitempty"`
	Memory  string `yaml:"memory" json:"memory,omitempty"`
	SMP     int    `yaml:"smp" json:"smp,omitempty"`
	Machine string `yaml:"machine" json:"machine,omitempty"`
	Arch    string `yaml:"arch" json:"arch,omitempty"`
}

// CLIConfig declares the commands offered through the external REPL.
type CLIConfig struct {
	Commands []CommandConfig `yaml:"commands" json:"commands,omitempty"`
}

// CommandConfig is one REPL command template.
type CommandConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Format      string            `yaml:"format" json:"format,omitempty"`
	Help        string            `yaml:"help" json:"help,omitempty"`
	Kinds       []string          `yaml:"kinds" json:"kinds,omitempty"`
	NewWindow   bool              `yaml:"new-window" json:"new-window,omitempty"`
	TopLevel    bool              `yaml:"top-level" json:"top-level,omitempty"`
	Exec        string            `yaml:"exec" json:"exec,omitempty"`
	ExecKind    map[string]string `yaml:"exec-kind" json:"exec-kind,omitempty"`
	Interactive bool              `yaml:"interactive" json:"interactive,omitempty"`
}

// Toggle is a yes/no knob that may instead carry a path, e.g.
// `shell: true` or `shell: /bin/dash`.
type Toggle struct {
	Bool bool
	Path string
}

func (t *Toggle) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err == nil {
		t.Bool = b
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("expected bool or string, got %q", value.Value)
	}
	t.Bool = true
	t.Path = s
	return nil
}

// Enabled reports whether the toggle is on, with def applied when the
// toggle is absent.
func (t *Toggle) Enabled(def bool) bool {
	if t == nil {
		return def
	}
	return t.Bool
}

// LoopbackIPs is a node-level `ip` entry: "auto", one address, or a
// list of addresses.
type LoopbackIPs struct {
	Auto  bool
	Addrs []string
}

func (l *LoopbackIPs) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if s == "auto" {
			l.Auto = true
			return nil
		}
		l.Addrs = []string{s}
		return nil
	}
	return value.Decode(&l.Addrs)
}

// KindByName returns the named kind, or nil.
func (c *Config) KindByName(name string) *Kind {
	for i := range c.Kinds {
		if c.Kinds[i].Name == name {
			return &c.Kinds[i]
		}
	}
	return nil
}

// NetworkByName returns the named network config, or nil.
func (t *Topology) NetworkByName(name string) *NetworkConfig {
	for i := range t.Networks {
		if t.Networks[i].Name == name {
			return &t.Networks[i]
		}
	}
	return nil
}

// NodeByName returns the named node config, or nil.
func (t *Topology) NodeByName(name string) *NodeConfig {
	for i := range t.Nodes {
		if t.Nodes[i].Name == name {
			return &t.Nodes[i]
		}
	}
	return nil
}
