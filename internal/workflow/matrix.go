package workflow

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MatrixValue is a single scalar matrix axis value. Numbers and booleans are
// kept in their literal form so `python-version: [3.9, "3.10"]` round-trips
// without float mangling.
type MatrixValue string

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *MatrixValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: matrix values must be scalars", node.Line)
	}
	*v = MatrixValue(node.Value)
	return nil
}

func (v MatrixValue) String() string { return string(v) }

// Combination is one instantiation of the matrix variables, one value per axis.
type Combination map[string]MatrixValue

// Key returns a stable identity for the combination, e.g. "os=linux,python-version=3.9".
func (c Combination) Key() string {
	if len(c) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+string(c[k]))
	}
	return strings.Join(parts, ",")
}

// Clone returns a copy of the combination.
func (c Combination) Clone() Combination {
	out := make(Combination, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// subsumes reports whether every key/value in sub is present in c.
func (c Combination) subsumes(sub Combination) bool {
	for k, v := range sub {
		if c[k] != v {
			return false
		}
	}
	return true
}

// Matrix declares the variable axes a job template is crossed with, producing
// one independent job instance per combination.
type Matrix struct {
	Axes    map[string][]MatrixValue
	Include []Combination
	Exclude []Combination
}

// UnmarshalYAML decodes a matrix mapping. The `include` and `exclude` keys are
// reserved; every other key is an axis with a list of scalar values.
func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping", node.Line)
	}
	m.Axes = make(map[string][]MatrixValue)
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode, valNode := node.Content[i], node.Content[i+1]
		switch keyNode.Value {
		case "include":
			if err := valNode.Decode(&m.Include); err != nil {
				return err
			}
		case "exclude":
			if err := valNode.Decode(&m.Exclude); err != nil {
				return err
			}
		default:
			var values []MatrixValue
			if valNode.Kind == yaml.ScalarNode {
				var v MatrixValue
				if err := valNode.Decode(&v); err != nil {
					return err
				}
				values = []MatrixValue{v}
			} else if err := valNode.Decode(&values); err != nil {
				return err
			}
			if len(values) == 0 {
				return fmt.Errorf("line %d: matrix axis %q has no values", keyNode.Line, keyNode.Value)
			}
			m.Axes[keyNode.Value] = values
		}
	}
	return nil
}

// AxisNames returns the axis names in deterministic (sorted) order.
func (m *Matrix) AxisNames() []string {
	names := make([]string, 0, len(m.Axes))
	for name := range m.Axes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Expand crosses every axis with each of its values, removes excluded
// combinations, then appends include entries. The result order is
// deterministic: axes are iterated in sorted name order, values in
// declaration order.
func (m *Matrix) Expand() []Combination {
	names := m.AxisNames()

	// An include-only matrix has no cross product to start from.
	if len(names) == 0 {
		out := make([]Combination, 0, len(m.Include))
		for _, inc := range m.Include {
			if len(inc) > 0 {
				out = append(out, inc.Clone())
			}
		}
		if len(out) == 0 {
			out = []Combination{{}}
		}
		return out
	}

	combos := []Combination{{}}
	for _, name := range names {
		next := make([]Combination, 0, len(combos)*len(m.Axes[name]))
		for _, base := range combos {
			for _, value := range m.Axes[name] {
				c := base.Clone()
				c[name] = value
				next = append(next, c)
			}
		}
		combos = next
	}

	if len(m.Exclude) > 0 {
		kept := combos[:0]
		for _, c := range combos {
			excluded := false
			for _, ex := range m.Exclude {
				if len(ex) > 0 && c.subsumes(ex) {
					excluded = true
					break
				}
			}
			if !excluded {
				kept = append(kept, c)
			}
		}
		combos = kept
	}

	for _, inc := range m.Include {
		if len(inc) == 0 {
			continue
		}
		duplicate := false
		for _, c := range combos {
			if c.Key() == inc.Key() {
				duplicate = true
				break
			}
		}
		if !duplicate {
			combos = append(combos, inc.Clone())
		}
	}

	return combos
}
