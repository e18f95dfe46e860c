package api

import "gopkg.in/yaml.v3"

// Number is a scalar that may carry a magnitude suffix, e.g. `10M` or
// `100Ki`. The raw text is kept verbatim; parsing is done by
// util.ConvertNumber at the point of use.
type Number struct {
	raw string
	set bool
}

// Num builds a set Number from its raw text. Used by tests.
func Num(raw string) Number {
	return Number{raw: raw, set: true}
}

func (n *Number) UnmarshalYAML(value *yaml.Node) error {
	n.raw = value.Value
	n.set = value.Value != ""
	return nil
}

func (n Number) MarshalYAML() (interface{}, error) {
	if !n.set {
		return nil, nil
	}
	return n.raw, nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.set {
		return []byte(`null`), nil
	}
	return []byte(`"` + n.raw + `"`), nil
}

// IsSet reports whether a value was present in the config.
func (n Number) IsSet() bool { return n.set }

// Raw returns the unparsed text.
func (n Number) Raw() string { return n.raw }
