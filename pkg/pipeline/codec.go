package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// nodeWire is the serialised shape of a Node before its config is resolved.
type nodeWire struct {
	ID        string          `json:"id"`
	Type      NodeType        `json:"type"`
	Name      string          `json:"name,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Retry     *RetryPolicy    `json:"retry,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// UnmarshalJSON decodes the config into the variant matching the node type.
// Unknown types decode with a nil config and are reported by Validate.
func (n *Node) UnmarshalJSON(data []byte) error {
	var w nodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*n = Node{ID: w.ID, Type: w.Type, Name: w.Name, Retry: w.Retry, TimeoutMs: w.TimeoutMs}
	cfg := newConfig(w.Type)
	if cfg == nil {
		return nil
	}
	if len(w.Config) > 0 && string(w.Config) != "null" {
		if err := json.Unmarshal(w.Config, cfg); err != nil {
			return fmt.Errorf("node %q: %s config: %w", w.ID, w.Type, err)
		}
	}
	n.Config = cfg
	return nil
}

type nodeYAML struct {
	ID        string       `yaml:"id"`
	Type      NodeType     `yaml:"type"`
	Name      string       `yaml:"name"`
	Config    yaml.Node    `yaml:"config"`
	Retry     *RetryPolicy `yaml:"retry"`
	TimeoutMs int64        `yaml:"timeoutMs"`
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML documents.
func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	var w nodeYAML
	if err := value.Decode(&w); err != nil {
		return err
	}
	*n = Node{ID: w.ID, Type: w.Type, Name: w.Name, Retry: w.Retry, TimeoutMs: w.TimeoutMs}
	cfg := newConfig(w.Type)
	if cfg == nil {
		return nil
	}
	if !w.Config.IsZero() {
		if err := w.Config.Decode(cfg); err != nil {
			return fmt.Errorf("node %q: %s config: %w", w.ID, w.Type, err)
		}
	}
	n.Config = cfg
	return nil
}

// DecodeJSON parses a JSON pipeline definition.
func DecodeJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	return &def, nil
}

// DecodeYAML parses a YAML pipeline definition.
func DecodeYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("yaml decode: %w", err)
	}
	return &def, nil
}

// EncodeJSON renders a definition as indented JSON.
func EncodeJSON(def *Definition) ([]byte, error) {
	return json.MarshalIndent(def, "", "  ")
}

// Supported reports whether path has a definition file extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml", ".dot", ".gv":
		return true
	}
	return false
}

// LoadFile reads a definition, choosing the codec from the file extension.
func LoadFile(path string) (*Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	var def *Definition
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		def, err = DecodeJSON(src)
	case ".yaml", ".yml":
		def, err = DecodeYAML(src)
	case ".dot", ".gv":
		def, err = ParseDOT(string(src))
	default:
		return nil, fmt.Errorf("%s: unsupported definition format %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// LoadDir loads every supported definition file in dir (non-recursive),
// ordered by file name.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
