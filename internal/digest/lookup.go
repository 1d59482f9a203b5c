package digest

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Tables are the domain lookup tables the anonymizer depends on. They are
// maintained outside the core and hot-reloaded; Version identifies which
// load produced a given artifact.
type Tables struct {
	Version          int               `yaml:"-"`
	EmployerClasses  map[string]string `yaml:"employer_classes"`  // substring (lowercase) → class label
	AUMBuckets       []AUMBucket       `yaml:"aum_buckets"`       // ascending by Min
	InternalPatterns []string          `yaml:"internal_patterns"` // substrings marking internal notes
	MetroAreas       map[string]string `yaml:"metro_areas"`       // city (lowercase) → metro label
}

// AUMBucket is one privacy rounding bucket for assets under management.
type AUMBucket struct {
	Min   float64 `yaml:"min"` // millions
	Label string  `yaml:"label"`
}

// defaultTables ship compiled in so the engine works with no lookup file.
func defaultTables() *Tables {
	return &Tables{
		Version: 1,
		EmployerClasses: map[string]string{
			"morgan stanley":  "wirehouse",
			"merrill":         "wirehouse",
			"ubs":             "wirehouse",
			"wells fargo":     "national bank",
			"jpmorgan":        "national bank",
			"bank of america": "national bank",
			"edward jones":    "regional broker-dealer",
			"raymond james":   "regional broker-dealer",
			"lpl":             "independent broker-dealer",
			"advisors":        "RIA",
			"wealth":          "RIA",
			"capital":         "RIA",
		},
		AUMBuckets: []AUMBucket{
			{Min: 0, Label: "under $50M AUM"},
			{Min: 50, Label: "$50M+ AUM"},
			{Min: 100, Label: "$100M+ AUM"},
			{Min: 250, Label: "$250M+ AUM"},
			{Min: 500, Label: "$500M+ AUM"},
			{Min: 1000, Label: "$1B+ AUM"},
		},
		InternalPatterns: []string{"internal:", "do not share", "confidential", "[int]"},
		MetroAreas: map[string]string{
			"new york":      "New York metro",
			"brooklyn":      "New York metro",
			"jersey city":   "New York metro",
			"san francisco": "Bay Area",
			"oakland":       "Bay Area",
			"san jose":      "Bay Area",
			"chicago":       "Chicagoland",
			"dallas":        "Dallas–Fort Worth",
			"fort worth":    "Dallas–Fort Worth",
			"miami":         "South Florida",
			"fort lauderdale": "South Florida",
		},
	}
}

// LookupStore holds the current tables and swaps them atomically on reload.
type LookupStore struct {
	path string

	mu      sync.RWMutex
	tables  *Tables
	version int
}

// NewLookupStore loads tables from path, or the compiled-in defaults when
// path is empty.
func NewLookupStore(path string) (*LookupStore, error) {
	ls := &LookupStore{path: path}
	if path == "" {
		ls.tables = defaultTables()
		ls.version = 1
		return ls, nil
	}
	if err := ls.reload(); err != nil {
		return nil, err
	}
	return ls, nil
}

// Current returns the active tables. Callers must not mutate them.
func (ls *LookupStore) Current() *Tables {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.tables
}

func (ls *LookupStore) reload() error {
	raw, err := os.ReadFile(ls.path)
	if err != nil {
		return fmt.Errorf("read lookup tables: %w", err)
	}

	var t Tables
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return fmt.Errorf("parse lookup tables: %w", err)
	}
	if len(t.AUMBuckets) == 0 || len(t.EmployerClasses) == 0 {
		return fmt.Errorf("lookup tables missing required sections")
	}

	ls.mu.Lock()
	ls.version++
	t.Version = ls.version
	ls.tables = &t
	ls.mu.Unlock()

	log.Info().Int("version", t.Version).Str("path", ls.path).Msg("lookup tables loaded")
	return nil
}

// Watch hot-reloads the tables when the file changes. A bad edit keeps the
// previous version active. Blocks until ctx ends; no-op without a path.
func (ls *LookupStore) Watch(ctx context.Context) error {
	if ls.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(ls.path); err != nil {
		return fmt.Errorf("watch lookup tables: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := ls.reload(); err != nil {
				log.Error().Err(err).Msg("lookup table reload failed, keeping previous version")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("lookup table watcher error")
		}
	}
}
