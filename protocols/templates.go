package protocols

import (
	"embed"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/dstockto/labprep/models"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templates embed.FS

// Names lists the bundled protocol templates.
func Names() []string {
	entries, err := templates.ReadDir("templates")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(out)
	return out
}

// Template returns the raw YAML of a bundled template.
func Template(name string) ([]byte, error) {
	b, err := templates.ReadFile(path.Join("templates", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("unknown template %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return b, nil
}

// Parse decodes a protocol and applies defaults.
func Parse(data []byte) (*models.ProtocolFile, error) {
	var p models.ProtocolFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("yaml protocol parsing error: %w", err)
	}
	p.ApplyDefaults()
	return &p, nil
}

// Load reads and parses a protocol file.
func Load(file string) (*models.ProtocolFile, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Save writes a protocol file as YAML.
func Save(file string, p *models.ProtocolFile) error {
	out, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal protocol: %w", err)
	}
	return os.WriteFile(file, out, 0644)
}
