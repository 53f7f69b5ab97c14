package profiles

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

var extensions = []string{".yaml", ".yml", ".json"}

// ErrNotFound is returned when no search path holds the profile.
var ErrNotFound = errors.New("profile not found")

// maxDepth bounds extends chains.
const maxDepth = 8

// Loader finds profiles in the search paths, falling back to the profiles
// compiled into the binary. Loaded profiles are cached by name.
type Loader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
	logger      *zap.Logger
}

func NewLoader(searchPaths []string, logger *zap.Logger) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Loader{
		validator:   validator,
		searchPaths: searchPaths,
		logger:      logger.Named("profiles"),
	}, nil
}

// Load returns the named profile with its extends chain resolved.
func (l *Loader) Load(name string) (*Profile, error) {
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*Profile), nil
	}

	profile, err := l.compose(name, nil)
	if err != nil {
		return nil, err
	}
	if profile.Dialect == "" {
		return nil, fmt.Errorf("profile %s: no dialect after resolving extends", name)
	}

	l.cache.Store(name, profile)
	return profile, nil
}

func (l *Loader) compose(name string, seen []string) (*Profile, error) {
	for _, s := range seen {
		if s == name {
			return nil, fmt.Errorf("profile %s: extends cycle %s", seen[0], strings.Join(append(seen, name), " -> "))
		}
	}
	if len(seen) >= maxDepth {
		return nil, fmt.Errorf("profile %s: extends chain too deep", seen[0])
	}

	raw, err := l.read(name)
	if err != nil {
		return nil, err
	}
	if raw.Extends == "" {
		return raw, nil
	}

	base, err := l.compose(raw.Extends, append(seen, name))
	if err != nil {
		return nil, err
	}
	return raw.overlay(base), nil
}

// read loads and validates a single file without resolving extends.
func (l *Loader) read(name string) (*Profile, error) {
	data, source, err := l.find(name)
	if err != nil {
		return nil, err
	}

	if !strings.HasSuffix(source, ".json") {
		if data, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
	}

	if err := l.validator.ValidateProfile(data); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", source, err)
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	if profile.Name != name {
		return nil, fmt.Errorf("%s: name %q does not match file name", source, profile.Name)
	}

	l.logger.Debug("Profile loaded", zap.String("name", name), zap.String("source", source))
	return &profile, nil
}

func (l *Loader) find(name string) ([]byte, string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, "", fmt.Errorf("invalid profile name %q", name)
	}

	for _, searchPath := range l.searchPaths {
		for _, ext := range extensions {
			fullPath := filepath.Join(searchPath, name+ext)
			data, err := os.ReadFile(fullPath)
			if err == nil {
				return data, fullPath, nil
			}
		}
	}

	path := "builtin/" + name + ".yaml"
	if data, err := builtinFS.ReadFile(path); err == nil {
		return data, "builtin:" + name, nil
	}

	return nil, "", fmt.Errorf("%w: %s (searched in: %v and builtin)", ErrNotFound, name, l.searchPaths)
}

// List returns the names of all profiles, search paths first.
func (l *Loader) List() []string {
	seen := make(map[string]bool)
	add := func(file string) {
		ext := filepath.Ext(file)
		for _, e := range extensions {
			if e == ext {
				seen[strings.TrimSuffix(filepath.Base(file), ext)] = true
			}
		}
	}

	for _, searchPath := range l.searchPaths {
		entries, err := os.ReadDir(searchPath)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				add(e.Name())
			}
		}
	}
	_ = fs.WalkDir(builtinFS, "builtin", func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			add(path)
		}
		return nil
	})

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (l *Loader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
