// Package mapping persists interface name to PCI address correspondences,
// which are the only way to reach a device by name once the kernel has let go of it.
package mapping

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sigreer/nicbind/internal/device"
)

var (
	// ErrStoreMissing means no store has been written yet
	ErrStoreMissing = fmt.Errorf("%w: mapping store not found", device.ErrConfigUnavailable)
	// ErrStoreCorrupt means the store exists but cannot be parsed
	ErrStoreCorrupt = fmt.Errorf("%w: mapping store unparseable", device.ErrConfigUnavailable)
)

const header = "# nicbind device store: interface name -> PCI address\n"

// Document is the on-disk layout of the store
type Document struct {
	Devices Devices `yaml:"devices"`
}

// Devices lists which interfaces belong on each side plus every name ever seen
type Devices struct {
	Bypass   []string `yaml:"bypass,omitempty"`
	Kernel   []string `yaml:"kernel,omitempty"`
	Mappings Mapping  `yaml:"mappings"`
}

// Store is a handle on the store file. It holds no state between calls.
type Store struct {
	path string
}

// NewStore returns a handle for the store at path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the store location
func (s *Store) Path() string {
	return s.path
}

// Load reads the whole store. A store that exists but cannot be read is an
// I/O failure, not a corrupt store.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrStoreMissing, s.path)
		}
		return nil, device.NewError("load mappings", s.path, device.ErrIOFailure, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStoreCorrupt, s.path, err)
	}
	if doc.Devices.Mappings == nil {
		doc.Devices.Mappings = Mapping{}
	}
	return &doc, nil
}

// LoadOrInit is Load, except that a missing store yields an empty document
func (s *Store) LoadOrInit() (*Document, error) {
	doc, err := s.Load()
	if errors.Is(err, ErrStoreMissing) {
		return &Document{Devices: Devices{Mappings: Mapping{}}}, nil
	}
	return doc, err
}

// Save overwrites the whole store. The file is replaced by rename so a
// crash never leaves a half-written store behind.
func (s *Store) Save(doc *Document) error {
	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode mapping store: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode mapping store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}
