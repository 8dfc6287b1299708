package integration

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	// MetadataFile and ConfigFile form the manifest pair every integration
	// directory must contain to be considered a discovery candidate.
	MetadataFile = "metadata.yaml"
	ConfigFile   = "config.yaml"
)

// Metadata is the static half of the manifest pair.
type Metadata struct {
	Name             string   `yaml:"name"`
	Version          string   `yaml:"version"`
	Description      string   `yaml:"description"`
	Tags             []string `yaml:"tags"`
	Entrypoint       string   `yaml:"entrypoint"`
	ConfigSchema     string   `yaml:"config_schema"`
	BusinessContact  string   `yaml:"business_contact"`
	TechnicalContact string   `yaml:"technical_contact"`
}

// Manifest bundles the parsed manifest pair for one integration directory.
type Manifest struct {
	Metadata Metadata
	Config   Config
	Dir      string
}

// HasManifestPair reports whether dir contains both manifest files.
func HasManifestPair(dir string) bool {
	for _, name := range []string{MetadataFile, ConfigFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// LoadManifest parses the manifest pair from dir. A missing name always
// resolves to the directory's base identifier, recorded once here so every
// later stage sees the same name.
func LoadManifest(dir string) (*Manifest, error) {
	var meta Metadata
	if err := readYAML(filepath.Join(dir, MetadataFile), &meta); err != nil {
		return nil, err
	}
	cfg := Config{}
	if err := readYAML(filepath.Join(dir, ConfigFile), &cfg); err != nil {
		return nil, err
	}
	if meta.Name == "" {
		meta.Name = filepath.Base(dir)
	}
	if meta.Entrypoint == "" {
		meta.Entrypoint = meta.Name
	}
	return &Manifest{Metadata: meta, Config: cfg, Dir: dir}, nil
}

// Validate checks the manifest fields the engine requires of every candidate.
func (m *Manifest) Validate() error {
	if m == nil {
		return errors.New("manifest is nil")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("integration %s: manifest version is required", m.Metadata.Name)
	}
	if len(m.Metadata.Tags) == 0 {
		return fmt.Errorf("integration %s: at least one tag is required", m.Metadata.Name)
	}
	return nil
}

// SchemaPath resolves the manifest's config schema reference against the
// integration directory. Empty when no schema is declared.
func (m *Manifest) SchemaPath() string {
	if m.Metadata.ConfigSchema == "" {
		return ""
	}
	if filepath.IsAbs(m.Metadata.ConfigSchema) {
		return m.Metadata.ConfigSchema
	}
	return filepath.Join(m.Dir, m.Metadata.ConfigSchema)
}

func readYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}
