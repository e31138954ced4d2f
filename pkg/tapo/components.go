// Package tapo implements the device capability model, the
// protocol-selecting factory, and the hub child-device polling state
// machine on top of pkg/tapoprotocol.
package tapo

import (
	"github.com/johnpr01/tapo-session/pkg/tapoprotocol"
)

// Components is the {name -> version} feature-flag map a device
// returns from component_nego, built from either wire shape:
// [{id, ver_code}, ...] or [{name, version}, ...].
type Components struct {
	versions map[string]int
}

// ParseComponents decodes a component_nego result payload into a
// Components set, accepting either wire shape.
func ParseComponents(raw tapoprotocol.RawMessage) (Components, error) {
	var envelope struct {
		ComponentList []map[string]interface{} `json:"component_list"`
	}
	if err := unmarshalJSON(raw, &envelope); err != nil {
		return Components{}, err
	}

	versions := make(map[string]int, len(envelope.ComponentList))
	for _, c := range envelope.ComponentList {
		if id, ok := c["id"]; ok {
			name := toString(id)
			versions[name] = toInt(c["ver_code"])
			continue
		}
		if name, ok := c["name"]; ok {
			versions[toString(name)] = toInt(c["version"])
		}
	}
	return Components{versions: versions}, nil
}

// Has reports whether the named component was negotiated.
func (c Components) Has(name string) bool {
	_, ok := c.versions[name]
	return ok
}

// GetVersion returns the component's negotiated version, or (0,
// false) if the device doesn't support it.
func (c Components) GetVersion(name string) (int, bool) {
	v, ok := c.versions[name]
	return v, ok
}

// Names returns every negotiated component name, in no particular order.
func (c Components) Names() []string {
	names := make([]string, 0, len(c.versions))
	for n := range c.versions {
		names = append(names, n)
	}
	return names
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
