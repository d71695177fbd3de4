package auth

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed cores.yaml
var defaultCoresYAML []byte

// Core is a coarse business area gated by route prefix and group name.
type Core struct {
	Name   string   `yaml:"-" json:"name"`
	Routes []string `yaml:"routes" json:"routes"`
	Groups []string `yaml:"groups" json:"groups"`
}

type coresFile struct {
	Cores map[string]Core `yaml:"cores"`
}

// CoreMap is the legacy route-prefix gate. It is safe for concurrent use and
// can be swapped in place when its file changes.
type CoreMap struct {
	mu    sync.RWMutex
	cores map[string]Core
}

// DefaultCores returns the built-in map.
func DefaultCores() *CoreMap {
	m, err := ParseCores(bytes.NewReader(defaultCoresYAML))
	if err != nil {
		panic(fmt.Sprintf("auth: embedded cores.yaml: %v", err))
	}
	return m
}

// ParseCores reads a YAML core map.
func ParseCores(r io.Reader) (*CoreMap, error) {
	cores, err := decodeCores(r)
	if err != nil {
		return nil, err
	}
	return &CoreMap{cores: cores}, nil
}

// LoadCoresFile reads a YAML core map from disk.
func LoadCoresFile(path string) (*CoreMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cores file: %w", err)
	}
	defer f.Close()
	return ParseCores(f)
}

func decodeCores(r io.Reader) (map[string]Core, error) {
	var doc coresFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode cores: %v", ErrInvalidInput, err)
	}
	if len(doc.Cores) == 0 {
		return nil, fmt.Errorf("%w: no cores defined", ErrInvalidInput)
	}
	out := make(map[string]Core, len(doc.Cores))
	for name, c := range doc.Cores {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			return nil, fmt.Errorf("%w: empty core name", ErrInvalidInput)
		}
		c.Name = key
		routes := make([]string, 0, len(c.Routes))
		for _, r := range c.Routes {
			if r = NormalizeRoute(r); r != "" {
				routes = append(routes, r)
			}
		}
		c.Routes = routes
		c.Groups = dedupeGroups(c.Groups)
		out[key] = c
	}
	return out, nil
}

// Lookup returns the named core.
func (m *CoreMap) Lookup(name string) (Core, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cores[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Names lists the configured cores, sorted.
func (m *CoreMap) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.cores))
	for n := range m.cores {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CoreForRoute returns the core owning route by longest prefix match on path
// segment boundaries.
func (m *CoreMap) CoreForRoute(route string) (string, bool) {
	route = NormalizeRoute(route)
	if route == "" {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	best, bestLen := "", 0
	for name, c := range m.cores {
		for _, prefix := range c.Routes {
			if route != prefix && !strings.HasPrefix(route, prefix+"/") {
				continue
			}
			if len(prefix) > bestLen || (len(prefix) == bestLen && name < best) {
				best, bestLen = name, len(prefix)
			}
		}
	}
	return best, bestLen > 0
}

// Allows decides a core check from the login snapshot alone. Unknown cores
// deny.
func (m *CoreMap) Allows(p Principal, name string) bool {
	c, ok := m.Lookup(name)
	if !ok {
		return false
	}
	if p.SuperAdmin {
		return true
	}
	for _, g := range c.Groups {
		if p.InGroup(g) {
			return true
		}
	}
	return false
}

func (m *CoreMap) replace(cores map[string]Core) {
	m.mu.Lock()
	m.cores = cores
	m.mu.Unlock()
}

// Reload re-reads path and swaps the map. On error the current map stays.
func (m *CoreMap) Reload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open cores file: %w", err)
	}
	defer f.Close()
	cores, err := decodeCores(f)
	if err != nil {
		return err
	}
	m.replace(cores)
	return nil
}

// Watch reloads path whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (m *CoreMap) Watch(ctx context.Context, path string, log zerolog.Logger) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cores watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := m.Reload(path); err != nil {
					log.Warn().Err(err).Str("path", path).Msg("cores reload failed, keeping previous map")
					continue
				}
				log.Info().Str("path", path).Strs("cores", m.Names()).Msg("cores reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("cores watcher error")
			}
		}
	}()
	return nil
}
