package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Entry is one catalog template
type Entry struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Image        string            `yaml:"image"`
	DefaultPort  int               `yaml:"default_port"`
	MemoryMB     int               `yaml:"memory_mb"`
	Cores        int               `yaml:"cores"`
	DiskGB       int               `yaml:"disk_gb"`
	Unprivileged bool              `yaml:"unprivileged"`
	Volumes      []string          `yaml:"volumes,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
}

// Provider serves catalog entries from a directory of YAML template files.
// Read-only; lookups never mutate entries.
type Provider struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *logrus.Logger
}

// NewProvider loads every *.yaml template under dir
func NewProvider(dir string, logger *logrus.Logger) (*Provider, error) {
	p := &Provider{
		entries: make(map[string]*Entry),
		logger:  logger,
	}
	if err := p.load(dir); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) load(dir string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read catalog directory: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".yaml") {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return fmt.Errorf("failed to read catalog file %s: %w", f.Name(), err)
		}

		var entry Entry
		if err := yaml.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("failed to parse catalog file %s: %w", f.Name(), err)
		}

		if entry.ID == "" {
			p.logger.WithField("file", f.Name()).Warn("Skipping catalog file with no id")
			continue
		}
		applyDefaults(&entry)

		p.entries[entry.ID] = &entry
	}

	p.logger.Infof("Loaded %d catalog entries", len(p.entries))
	return nil
}

func applyDefaults(e *Entry) {
	if e.DefaultPort == 0 {
		e.DefaultPort = 80
	}
	if e.MemoryMB == 0 {
		e.MemoryMB = 512
	}
	if e.Cores == 0 {
		e.Cores = 1
	}
	if e.DiskGB == 0 {
		e.DiskGB = 8
	}
}

// Get returns the catalog entry for id
func (p *Provider) Get(id string) (*Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.entries[id]
	if !ok {
		return nil, fmt.Errorf("catalog entry %s not found", id)
	}
	return entry, nil
}

// List returns all catalog entries sorted by id
func (p *Provider) List() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}
