package skill

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	slua "github.com/fossabot/mycroft-core/internal/skill/lua"
)

// ManifestFile is the per-skill metadata file name.
const ManifestFile = "skill.json"

// Manifest describes a skill's identity and requirements.
type Manifest struct {
	// Identity
	Name        string `json:"name"`    // unique id ("weather", "timer")
	Version     string `json:"version"` // semver
	Description string `json:"description"`
	Author      string `json:"author"`

	// Entry is the relative path to the main Lua file (default init.lua).
	Entry string `json:"entry"`

	// Dependencies are other skills that must be installed first.
	Dependencies []string `json:"dependencies"`

	// Capabilities requested from the sandbox.
	Capabilities []slua.Capability `json:"capabilities"`

	// SettingsSchema documents the skill's settings keys and defaults.
	SettingsSchema map[string]SettingProperty `json:"settingsSchema"`

	// path to the skill directory, set on load.
	path string
}

// SettingProperty describes one settings key.
type SettingProperty struct {
	Type        string `json:"type"` // string, number, boolean, array, object
	Default     any    `json:"default"`
	Description string `json:"description"`
}

// Manifest validation errors.
var (
	ErrMissingName       = errors.New("manifest: name is required")
	ErrInvalidName       = errors.New("manifest: name must be lowercase alphanumeric with hyphens")
	ErrInvalidVersion    = errors.New("manifest: version must be valid semver")
	ErrInvalidEntry      = errors.New("manifest: entry must be a .lua file")
	ErrInvalidCapability = errors.New("manifest: invalid capability")
	ErrInvalidSetting    = errors.New("manifest: invalid settings property type")
)

var (
	namePattern   = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?$`)
)

var validSettingTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

var validCapabilities = map[slua.Capability]bool{
	slua.CapabilityFileRead: true,
	slua.CapabilityNetwork:  true,
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	m.path = filepath.Dir(path)
	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifestFromDir reads skill.json from a skill directory.
func LoadManifestFromDir(dir string) (*Manifest, error) {
	return LoadManifest(filepath.Join(dir, ManifestFile))
}

func (m *Manifest) applyDefaults() {
	if m.Entry == "" {
		m.Entry = "init.lua"
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
}

// Validate checks the manifest fields.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: %s", ErrInvalidName, m.Name)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}
	if filepath.Ext(m.Entry) != ".lua" {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, m.Entry)
	}
	for _, c := range m.Capabilities {
		if !validCapabilities[c] {
			return fmt.Errorf("%w: %s", ErrInvalidCapability, c)
		}
	}
	for name, prop := range m.SettingsSchema {
		if prop.Type != "" && !validSettingTypes[prop.Type] {
			return fmt.Errorf("%w: %s has type %q", ErrInvalidSetting, name, prop.Type)
		}
	}
	return nil
}

// Dir returns the skill directory.
func (m *Manifest) Dir() string {
	return m.path
}

// EntryPath returns the absolute path of the main Lua file.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.path, m.Entry)
}
