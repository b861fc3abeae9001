package jobscript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Param is one named training argument, rendered as "--Name Value".
type Param struct {
	Name  string
	Value string
}

// ParamSet is an ordered mapping from parameter name to value. The order is
// the order flags are rendered in, so equal sets always render equal text.
type ParamSet []Param

// Params builds a ParamSet from alternating name, value arguments. Values
// go through FormatValue.
func Params(kv ...any) ParamSet {
	if len(kv)%2 != 0 {
		panic("jobscript.Params: odd number of arguments")
	}
	var ps ParamSet
	for i := 0; i < len(kv); i += 2 {
		name, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("jobscript.Params: name at %d is %T, not string", i, kv[i]))
		}
		ps = ps.Set(name, FormatValue(kv[i+1]))
	}
	return ps
}

// FormatValue renders v the way it should appear on a command line.
func FormatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Get returns the value stored under name.
func (ps ParamSet) Get(name string) (string, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Set returns a copy of ps with name set to value. An existing entry keeps
// its position; a new one is appended.
func (ps ParamSet) Set(name, value string) ParamSet {
	out := ps.Clone()
	for i := range out {
		if out[i].Name == name {
			out[i].Value = value
			return out
		}
	}
	return append(out, Param{Name: name, Value: value})
}

// Merge applies every entry of other, in other's order, on top of ps.
func (ps ParamSet) Merge(other ParamSet) ParamSet {
	out := ps.Clone()
	for _, p := range other {
		out = out.Set(p.Name, p.Value)
	}
	return out
}

func (ps ParamSet) Clone() ParamSet {
	if ps == nil {
		return nil
	}
	return append(ParamSet(nil), ps...)
}

// Names lists parameter names in order.
func (ps ParamSet) Names() []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name
	}
	return names
}

// UnmarshalYAML decodes a YAML mapping while keeping key order. Scalars keep
// their literal spelling, so 0.0001 stays "0.0001" rather than "1e-04".
func (ps *ParamSet) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: parameters must be a mapping", node.Line)
	}
	var out ParamSet
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		value, err := scalarText(val)
		if err != nil {
			return fmt.Errorf("parameter %q: %w", key.Value, err)
		}
		if _, dup := out.Get(key.Value); dup {
			return fmt.Errorf("line %d: duplicate parameter %q", key.Line, key.Value)
		}
		out = append(out, Param{Name: key.Value, Value: value})
	}
	*ps = out
	return nil
}

// MarshalYAML writes the set back as an ordered mapping. Values are tagged
// as strings so "null" or "" survive a round trip.
func (ps ParamSet) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, p := range ps {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: p.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: p.Value},
		)
	}
	return node, nil
}

// MarshalJSON writes an object whose keys follow the set's order.
func (ps ParamSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range ps {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// scalarText turns a YAML value into command-line text. A sequence of
// scalars is joined with spaces, matching nargs-style flags.
func scalarText(node *yaml.Node) (string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.ShortTag() == "!!null" {
			return "", fmt.Errorf("line %d: null value", node.Line)
		}
		return node.Value, nil
	case yaml.SequenceNode:
		parts := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("line %d: nested lists are not supported", item.Line)
			}
			parts = append(parts, item.Value)
		}
		return strings.Join(parts, " "), nil
	case yaml.AliasNode:
		return scalarText(node.Alias)
	default:
		return "", fmt.Errorf("line %d: value must be a scalar or a list of scalars", node.Line)
	}
}
