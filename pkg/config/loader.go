package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"munet/api"
	"munet/pkg/util"
)

// DefaultStem is the file-name stem probed when no config is named.
const DefaultStem = "munet"

// extensions in probe priority order.
var extensions = []string{"json", "yaml", "toml"}

// Loader finds, decodes and validates topology configurations.
type Loader struct {
	Validator Validator
	log       *zap.SugaredLogger
}

// NewLoader builds a Loader with the given validator; nil selects the
// embedded schema validator.
func NewLoader(v Validator, log *zap.SugaredLogger) (*Loader, error) {
	if v == nil {
		var err error
		if v, err = NewSchemaValidator(); err != nil {
			return nil, err
		}
	}
	return &Loader{Validator: v, log: log}, nil
}

// Load resolves arg (a file path or a stem searched in search dirs),
// decodes the raw tree, validates it, and produces the canonical
// config.
func (l *Loader) Load(arg string, search []string) (*api.Config, error) {
	pathname, err := l.resolve(arg, search)
	if err != nil {
		return nil, err
	}
	l.log.Debugf("loading config %s", pathname)

	tree, err := decodeFile(pathname)
	if err != nil {
		return nil, api.WrapErr(api.ErrConfigInvalid, err, "%s", pathname)
	}
	normalizeTree(tree)

	if errs := l.Validator.Validate(tree); len(errs) > 0 {
		return nil, &api.Error{
			Kind:    api.ErrConfigInvalid,
			Msg:     fmt.Sprintf("%s failed validation", pathname),
			Details: errs,
		}
	}

	cfg, err := decodeConfig(tree)
	if err != nil {
		return nil, api.WrapErr(api.ErrConfigInvalid, err, "%s", pathname)
	}
	cfg.Pathname = pathname

	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve maps arg to an existing config file. An arg with a known
// extension is used as-is; otherwise it is treated as a stem and the
// three formats are probed in priority order in each search dir.
func (l *Loader) resolve(arg string, search []string) (string, error) {
	if arg != "" {
		ext := strings.TrimPrefix(filepath.Ext(arg), ".")
		for _, e := range extensions {
			if ext == e {
				if _, err := os.Stat(arg); err != nil {
					return "", api.WrapErr(api.ErrConfigNotFound, err, "%s", arg)
				}
				return arg, nil
			}
		}
	}
	stem := arg
	if stem == "" {
		stem = DefaultStem
	}
	if len(search) == 0 {
		search = []string{"."}
	}
	for _, dir := range search {
		for _, ext := range extensions {
			p := filepath.Join(dir, stem+"."+ext)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", api.Errorf(api.ErrConfigNotFound,
		"%s.{json,yaml,toml} not found in %v", stem, search)
}

func decodeFile(pathname string) (map[string]interface{}, error) {
	data, err := os.ReadFile(pathname)
	if err != nil {
		return nil, err
	}
	tree := map[string]interface{}{}
	switch strings.TrimPrefix(filepath.Ext(pathname), ".") {
	case "json":
		err = json.Unmarshal(data, &tree)
	case "toml":
		err = toml.Unmarshal(data, &tree)
	default:
		err = yaml.Unmarshal(data, &tree)
	}
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// decodeConfig maps the normalized raw tree onto the typed model. Going
// through YAML gives every format the same flexible scalar handling.
func decodeConfig(tree map[string]interface{}) (*api.Config, error) {
	data, err := yaml.Marshal(tree)
	if err != nil {
		return nil, err
	}
	var cfg api.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalizeTree rewrites shorthand forms in place: a string connection
// "net0" or "net0:eth3" becomes its map equivalent.
func normalizeTree(tree map[string]interface{}) {
	if kinds, ok := tree["kinds"].([]interface{}); ok {
		for _, k := range kinds {
			if km, ok := k.(map[string]interface{}); ok {
				normalizeConnections(km)
			}
		}
	}
	topo, ok := tree["topology"].(map[string]interface{})
	if !ok {
		return
	}
	if nodes, ok := topo["nodes"].([]interface{}); ok {
		for _, n := range nodes {
			if nm, ok := n.(map[string]interface{}); ok {
				normalizeConnections(nm)
			}
		}
	}
}

func normalizeConnections(owner map[string]interface{}) {
	conns, ok := owner["connections"].([]interface{})
	if !ok {
		return
	}
	for i, c := range conns {
		s, ok := c.(string)
		if !ok {
			continue
		}
		m := map[string]interface{}{}
		if to, name, found := strings.Cut(s, ":"); found {
			m["to"] = to
			m["name"] = name
		} else {
			m["to"] = s
		}
		conns[i] = m
	}
}

// checkConfig enforces the semantic rules the schema cannot express:
// name constraints, uniqueness, disjointness, and the backend selector
// conflict.
func checkConfig(cfg *api.Config) error {
	seen := map[string]string{}
	for _, nw := range cfg.Topology.Networks {
		if !util.CheckName(nw.Name) {
			return api.Errorf(api.ErrConfigInvalid, "bad network name %q", nw.Name)
		}
		if prev, ok := seen[nw.Name]; ok {
			return api.Errorf(api.ErrNameCollision, "%q used by %s and network", nw.Name, prev)
		}
		seen[nw.Name] = "network"
	}
	kindSeen := map[string]bool{}
	for _, k := range cfg.Kinds {
		if kindSeen[k.Name] {
			return api.Errorf(api.ErrNameCollision, "duplicate kind %q", k.Name)
		}
		kindSeen[k.Name] = true
	}
	for _, n := range cfg.Topology.Nodes {
		if !util.CheckName(n.Name) {
			return api.Errorf(api.ErrConfigInvalid, "bad node name %q", n.Name)
		}
		if prev, ok := seen[n.Name]; ok {
			return api.Errorf(api.ErrNameCollision, "%q used by %s and node", n.Name, prev)
		}
		seen[n.Name] = "node"
		if n.Image != "" && n.Qemu != nil && n.Qemu.Kernel != "" {
			return api.Errorf(api.ErrConfigInvalid,
				"node %q declares both image and qemu", n.Name)
		}
	}
	return nil
}
