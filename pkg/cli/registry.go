// Package cli holds the command registry consumed by the external
// REPL. Command templates are resolved with a bounded substitution
// grammar: `{host}`, `{host.attr}`, `{unet}`, `{unet.attr}` and
// `{user_input}` against whitelisted attributes. No code execution.
package cli

import (
	"strings"

	"munet/api"
)

// Attrs is a whitelisted attribute set for one substitution subject.
// The empty key "" answers the bare `{host}` / `{unet}` form.
type Attrs map[string]string

// Registry indexes the declared REPL commands.
type Registry struct {
	cmds []api.CommandConfig
}

// NewRegistry builds the registry; a nil CLI section yields an empty
// one.
func NewRegistry(cfg *api.CLIConfig) *Registry {
	r := &Registry{}
	if cfg != nil {
		r.cmds = append(r.cmds, cfg.Commands...)
	}
	return r
}

// Commands lists every declared command.
func (r *Registry) Commands() []api.CommandConfig { return r.cmds }

// Lookup finds a command by name.
func (r *Registry) Lookup(name string) *api.CommandConfig {
	for i := range r.cmds {
		if r.cmds[i].Name == name {
			return &r.cmds[i]
		}
	}
	return nil
}

// Offered reports whether the command applies to a node of the given
// resolved kind: an empty kinds list offers it everywhere.
func Offered(c *api.CommandConfig, kindName string) bool {
	if len(c.Kinds) == 0 {
		return true
	}
	for _, k := range c.Kinds {
		if k == kindName {
			return true
		}
	}
	return false
}

// ExecTemplate picks the per-kind exec override, falling back to the
// base exec.
func ExecTemplate(c *api.CommandConfig, kindName string) string {
	if t, ok := c.ExecKind[kindName]; ok {
		return t
	}
	return c.Exec
}

// Resolve substitutes a command template. host and unet carry the
// whitelisted attributes; userInput is the trailing argument string.
func Resolve(template string, host, unet Attrs, userInput string) (string, error) {
	var b strings.Builder
	s := template
	for {
		i := strings.IndexByte(s, '{')
		if i < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		b.WriteString(s[:i])
		s = s[i+1:]
		j := strings.IndexByte(s, '}')
		if j < 0 {
			return "", api.Errorf(api.ErrConfigInvalid,
				"unterminated substitution in %q", template)
		}
		ref := s[:j]
		s = s[j+1:]

		val, err := lookupRef(ref, host, unet)
		if err != nil {
			return "", err
		}
		if ref == "user_input" {
			val = userInput
		}
		b.WriteString(val)
	}
}

func lookupRef(ref string, host, unet Attrs) (string, error) {
	if ref == "user_input" {
		return "", nil
	}
	subject, attr, _ := strings.Cut(ref, ".")
	var attrs Attrs
	switch subject {
	case "host":
		attrs = host
	case "unet":
		attrs = unet
	default:
		return "", api.Errorf(api.ErrConfigInvalid,
			"unknown substitution subject %q", ref)
	}
	v, ok := attrs[attr]
	if !ok {
		return "", api.Errorf(api.ErrConfigInvalid,
			"attribute %q is not available for substitution", ref)
	}
	return v, nil
}
