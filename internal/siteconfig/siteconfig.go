// Package siteconfig holds per-site display settings: locales, option
// allow-lists, level names and progress policies. Settings are loaded from a
// YAML file and replaced atomically when the file changes.
package siteconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/civicplan/plantree/internal/tree"
)

// Fallback locales for sites missing from the file.
const (
	DefaultLocale = "es"
)

// Progress aggregation policies.
const (
	PolicyAverage  = "average"
	PolicySum      = "sum"
	PolicyWeighted = "weighted"
)

// File is the on-disk layout.
type File struct {
	Sites []Site `yaml:"sites"`
}

// Site is the configuration of one tenant.
type Site struct {
	ID               string                  `yaml:"id"`
	Name             string                  `yaml:"name"`
	DefaultLocale    string                  `yaml:"default_locale"`
	AvailableLocales []string                `yaml:"available_locales"`
	OptionKeys       []string                `yaml:"option_keys"`
	Trees            map[string]TreeSettings `yaml:"trees"` // keyed by tree slug
}

// TreeSettings customise how one tree is displayed.
type TreeSettings struct {
	OptionKeys []string       `yaml:"option_keys"`
	LevelKeys  map[int]string `yaml:"level_keys"`
	Progress   string         `yaml:"progress"`
	// WeightOption names the numeric option used as weight by the weighted policy.
	WeightOption string `yaml:"weight_option"`
	// OpenNode lets clients open a leaf's detail view.
	OpenNode        bool `yaml:"open_node"`
	ShowTableHeader bool `yaml:"show_table_header"`
}

// Parse decodes and validates a configuration document. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("parse site config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads path. A missing file yields an empty configuration.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path comes from the operator
	if os.IsNotExist(err) {
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read site config: %w", err)
	}
	return Parse(data)
}

// Validate checks ids and policies.
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Sites))
	for i, s := range f.Sites {
		if s.ID == "" {
			return fmt.Errorf("site %d: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("site %s: duplicate id", s.ID)
		}
		seen[s.ID] = true
		for slug, ts := range s.Trees {
			switch ts.Progress {
			case "", PolicyAverage, PolicySum:
			case PolicyWeighted:
				if ts.WeightOption == "" {
					return fmt.Errorf("site %s tree %s: weighted progress needs weight_option", s.ID, slug)
				}
			default:
				return fmt.Errorf("site %s tree %s: unknown progress policy %q", s.ID, slug, ts.Progress)
			}
		}
	}
	return nil
}

// Registry serves the current configuration to concurrent readers.
type Registry struct {
	mu          sync.RWMutex
	sites       map[string]Site
	defaultSite string
	logger      *slog.Logger
}

// NewRegistry creates an empty registry. Unknown site ids resolve to built-in defaults.
func NewRegistry(defaultSiteID string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sites:       make(map[string]Site),
		defaultSite: defaultSiteID,
		logger:      logger,
	}
}

// DefaultSiteID returns the site used when a request names none.
func (r *Registry) DefaultSiteID() string { return r.defaultSite }

// Replace swaps in a new configuration.
func (r *Registry) Replace(f *File) {
	sites := make(map[string]Site, len(f.Sites))
	for _, s := range f.Sites {
		sites[s.ID] = s
	}
	r.mu.Lock()
	r.sites = sites
	r.mu.Unlock()
	r.logger.Info("site configuration loaded", "sites", len(sites))
}

// Site returns the configuration of id with defaults applied.
func (r *Registry) Site(id string) Site {
	if id == "" {
		id = r.defaultSite
	}
	r.mu.RLock()
	s, ok := r.sites[id]
	r.mu.RUnlock()
	if !ok {
		s = Site{ID: id}
	}
	if s.DefaultLocale == "" {
		s.DefaultLocale = DefaultLocale
	}
	if len(s.AvailableLocales) == 0 {
		s.AvailableLocales = []string{s.DefaultLocale}
	}
	return s
}

// Locale picks the locale to render for a request: requested when the site
// offers it, otherwise the site default.
func (s Site) Locale(requested string) string {
	want := tree.CanonicalLocale(requested)
	if want != "" {
		for _, l := range s.AvailableLocales {
			if tree.CanonicalLocale(l) == want {
				return want
			}
		}
	}
	return tree.CanonicalLocale(s.DefaultLocale)
}

// Tree returns the settings of the tree with slug, inheriting the site's option keys.
func (s Site) Tree(slug string) TreeSettings {
	ts := s.Trees[slug]
	if len(ts.OptionKeys) == 0 {
		ts.OptionKeys = slices.Clone(s.OptionKeys)
	}
	if ts.Progress == "" {
		ts.Progress = PolicyAverage
	}
	return ts
}

// Policy returns the aggregation policy for the tree.
func (ts TreeSettings) Policy() tree.Policy {
	switch ts.Progress {
	case PolicySum:
		return tree.Sum
	case PolicyWeighted:
		key := ts.WeightOption
		return tree.Weighted(func(c *tree.Branch) float64 {
			return numericOption(c.Node.Options[key])
		})
	default:
		return tree.Average
	}
}

// LevelNames returns level labels ordered by level, "" for gaps.
func (ts TreeSettings) LevelNames() []string {
	if len(ts.LevelKeys) == 0 {
		return []string{}
	}
	deepest := 0
	for level := range ts.LevelKeys {
		deepest = max(deepest, level)
	}
	out := make([]string, deepest+1)
	for level, name := range ts.LevelKeys {
		if level >= 0 {
			out[level] = name
		}
	}
	return out
}

func numericOption(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err == nil {
			return f
		}
	}
	return 0
}
