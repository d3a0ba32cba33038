// Package embeddings keeps vector embeddings across builds: embeddings whose
// inputs did not change are carried over from live, the rest are rebuilt inside
// the dev graph database.
package embeddings

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidCapability is returned for a malformed capability table.
var ErrInvalidCapability = errors.New("invalid embedding capability")

// Field types understood when composing text.
const (
	FieldString  = "string"
	FieldList    = "list"
	FieldBoolean = "boolean"
)

// Field is one node property that contributes to the embedded text.
type Field struct {
	Name   string `yaml:"name"`
	Prefix string `yaml:"prefix"`
	Suffix string `yaml:"suffix"`
	Type   string `yaml:"type"`
}

// Capability declares that nodes with Label, staged in Collection, get an embedding.
type Capability struct {
	Label      string  `yaml:"label"`
	Collection string  `yaml:"collection"`
	Fields     []Field `yaml:"fields"`
}

type capabilityFile struct {
	Capabilities []Capability `yaml:"capabilities"`
}

// LoadCapabilities reads the capability table from a YAML file.
func LoadCapabilities(path string) ([]Capability, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capability table: %w", err)
	}
	return ParseCapabilities(data)
}

// ParseCapabilities decodes and validates a capability table.
func ParseCapabilities(data []byte) ([]Capability, error) {
	var f capabilityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCapability, err)
	}
	seen := map[string]struct{}{}
	for i := range f.Capabilities {
		c := &f.Capabilities[i]
		if c.Label == "" || c.Collection == "" {
			return nil, fmt.Errorf("%w: entry %d needs a label and a collection", ErrInvalidCapability, i)
		}
		if _, dup := seen[c.Label]; dup {
			return nil, fmt.Errorf("%w: %s is declared twice", ErrInvalidCapability, c.Label)
		}
		seen[c.Label] = struct{}{}
		for j := range c.Fields {
			fd := &c.Fields[j]
			if fd.Type == "" {
				fd.Type = FieldString
			}
			switch fd.Type {
			case FieldString, FieldList, FieldBoolean:
			default:
				return nil, fmt.Errorf("%w: %s.%s has unknown type %q", ErrInvalidCapability, c.Label, fd.Name, fd.Type)
			}
			if fd.Name == "" {
				return nil, fmt.Errorf("%w: %s has a field without a name", ErrInvalidCapability, c.Label)
			}
		}
	}
	return f.Capabilities, nil
}

// TextExpression returns the Cypher expression, over the node variable x, that
// renders the text embedded for a node.
func (c Capability) TextExpression() string {
	parts := []string{"coalesce(x.type, '') + ' with ID ' + x.primaryDomainId + ':'"}
	for _, f := range c.Fields {
		prop := "x.`" + strings.ReplaceAll(f.Name, "`", "``") + "`"
		var value string
		switch f.Type {
		case FieldList:
			value = "coalesce(apoc.text.join(" + prop + ", ', '), '')"
		case FieldBoolean:
			value = "coalesce(toString(" + prop + "), '')"
		default:
			value = "coalesce(" + prop + ", '')"
		}
		parts = append(parts, cypherString(" "+f.Prefix)+" + "+value+" + "+cypherString(f.Suffix+";"))
	}
	return strings.Join(parts, " + ")
}

// cypherString quotes s as a Cypher string literal.
func cypherString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}
