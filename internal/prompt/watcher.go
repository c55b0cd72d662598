package prompt

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SeedCache caches stage seeds and reloads them when seed files change.
// With an empty directory it serves the built-in prompts.
type SeedCache struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	seeds    map[string]*StageSeeds
	modTimes map[string]time.Time
}

// CacheOption configures the seed cache.
type CacheOption func(*SeedCache)

// WithCacheLogger sets the logger for the cache.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *SeedCache) {
		c.logger = l
	}
}

// NewSeedCache creates a seed cache over dir.
func NewSeedCache(dir string, opts ...CacheOption) *SeedCache {
	c := &SeedCache{
		dir:      dir,
		logger:   slog.Default(),
		seeds:    make(map[string]*StageSeeds),
		modTimes: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the seeds for stage, reloading if files have changed.
func (c *SeedCache) Get(stage string) (*StageSeeds, error) {
	c.mu.RLock()
	if s, ok := c.seeds[stage]; ok && !c.hasChanged(stage) {
		defer c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if s, ok := c.seeds[stage]; ok && !c.hasChanged(stage) {
		return s, nil
	}

	s, err := LoadStageSeeds(c.dir, stage)
	if err != nil {
		return nil, err
	}
	c.seeds[stage] = s
	c.recordModTimes(stage)
	if c.dir != "" {
		c.logger.Info("stage prompt loaded", "stage", stage)
	}
	return s, nil
}

// Invalidate forces the next Get to reload every stage.
func (c *SeedCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeds = make(map[string]*StageSeeds)
	c.modTimes = make(map[string]time.Time)
}

// hasChanged reports whether any file behind stage was modified, created
// or removed since it was loaded.
func (c *SeedCache) hasChanged(stage string) bool {
	for _, f := range c.watchedFiles(stage) {
		prev, seen := c.modTimes[stage+":"+f]
		info, err := os.Stat(f)
		if err != nil {
			if seen {
				return true
			}
			continue
		}
		if !seen || info.ModTime().After(prev) {
			return true
		}
	}
	return false
}

// recordModTimes stores current modification times for stage's files.
// Times are kept per stage since global.md is shared.
func (c *SeedCache) recordModTimes(stage string) {
	for _, f := range c.watchedFiles(stage) {
		info, err := os.Stat(f)
		if err != nil {
			delete(c.modTimes, stage+":"+f)
			continue
		}
		c.modTimes[stage+":"+f] = info.ModTime()
	}
}

// watchedFiles returns the files that affect stage's prompt.
func (c *SeedCache) watchedFiles(stage string) []string {
	if c.dir == "" {
		return nil
	}
	return []string{
		filepath.Join(c.dir, stage+".md"),
		filepath.Join(c.dir, "global.md"),
	}
}
