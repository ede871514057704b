// Package config reads the netboot boot configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

const (
	Filename = "netboot.yaml"

	DefaultMemoryMB = 256
)

var ErrProtocolTooOld = errors.New("kernel boot protocol older than configured minimum")

// Config describes what to boot and the machine to boot it on.
type Config struct {
	Version int `yaml:"version"`

	Kernel  string   `yaml:"kernel"`
	Cmdline string   `yaml:"cmdline,omitempty"`
	Initrd  []string `yaml:"initrd,omitempty"`
	// Initramfs lists host files packed into an extra initrd image.
	Initramfs []InitramfsFile `yaml:"initramfs,omitempty"`

	// MinProtocol rejects kernels whose boot protocol is older, e.g. "2.02".
	MinProtocol string `yaml:"minProtocol,omitempty"`
	// Snapshot is where the handoff snapshot is written.
	Snapshot string `yaml:"snapshot,omitempty"`

	Machine MachineConfig `yaml:"machine"`
}

type InitramfsFile struct {
	Path   string `yaml:"path"`
	Source string `yaml:"source"`
	Mode   Number `yaml:"mode,omitempty"`
}

type MachineConfig struct {
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`
	// Reserved regions are owned by the firmware and never loaded into.
	Reserved []Region `yaml:"reserved,omitempty"`
}

type Region struct {
	Name string `yaml:"name"`
	Base Number `yaml:"base"`
	Size Number `yaml:"size"`
}

// Number is an unsigned integer written with any Go literal prefix
// (0x, 0o, 0b or a leading 0 for octal).
type Number uint64

func (h *Number) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an integer", node.Line)
	}
	v, err := strconv.ParseUint(node.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*h = Number(v)
	return nil
}

func (h Number) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint64(h)), nil
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Machine.MemoryMB == 0 {
		c.Machine.MemoryMB = DefaultMemoryMB
	}
}

// Resolve makes relative file paths relative to dir.
func (c *Config) Resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Kernel = abs(c.Kernel)
	for i := range c.Initrd {
		c.Initrd[i] = abs(c.Initrd[i])
	}
	for i := range c.Initramfs {
		c.Initramfs[i].Source = abs(c.Initramfs[i].Source)
	}
	c.Snapshot = abs(c.Snapshot)
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Load reads a configuration file. Paths in it are resolved against the
// directory holding the file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if cfg.MinProtocol != "" && !semver.IsValid(protocolSemver(cfg.MinProtocol)) {
		return Config{}, fmt.Errorf("parse %s: invalid minProtocol %q", filepath.Base(path), cfg.MinProtocol)
	}
	cfg.normalize()
	cfg.Resolve(filepath.Dir(path))
	return cfg, nil
}

// LoadOptional is Load, except that a missing file yields Default.
func LoadOptional(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Write stores cfg as YAML at path.
func Write(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}

// CheckProtocol enforces MinProtocol against a kernel's boot protocol,
// given in semver form such as "v2.3".
func (c *Config) CheckProtocol(version string) error {
	if c.MinProtocol == "" {
		return nil
	}
	if semver.Compare(version, protocolSemver(c.MinProtocol)) < 0 {
		return fmt.Errorf("protocol %s, minimum %s: %w", version, c.MinProtocol, ErrProtocolTooOld)
	}
	return nil
}

// protocolSemver converts "2.02" or "v2.2" into "v2.2".
func protocolSemver(s string) string {
	if semver.IsValid(s) {
		return s
	}
	var major, minor int
	if _, err := fmt.Sscanf(s, "%d.%d", &major, &minor); err != nil {
		return ""
	}
	return fmt.Sprintf("v%d.%d", major, minor)
}
