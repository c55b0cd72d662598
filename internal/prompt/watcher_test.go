package prompt

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSeedCache_Get_LoadsFromDir(t *testing.T) {
	dir := setupSeedsDir(t)
	cache := NewSeedCache(dir, WithCacheLogger(slog.Default()))

	s, err := cache.Get(StageRefine)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Seed != "# Refiner\n\nMake it better." {
		t.Errorf("seed = %q", s.Seed)
	}
	if !strings.Contains(s.Global, "House rules") {
		t.Errorf("global = %q", s.Global)
	}
}

func TestSeedCache_Get_CachesResult(t *testing.T) {
	cache := NewSeedCache(setupSeedsDir(t))

	s1, err := cache.Get(StageRefine)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := cache.Get(StageRefine)
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("expected same seeds from cache")
	}
}

func TestSeedCache_Get_ReloadOnChange(t *testing.T) {
	dir := setupSeedsDir(t)
	cache := NewSeedCache(dir)

	refine, _ := cache.Get(StageRefine)
	generate, _ := cache.Get(StageGenerate)

	path := filepath.Join(dir, "global.md")
	writeFile(t, dir, "global.md", "House rules v2.")
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	refine2, err := cache.Get(StageRefine)
	if err != nil {
		t.Fatal(err)
	}
	if refine2 == refine || refine2.Global != "House rules v2." {
		t.Errorf("refine not reloaded: %q", refine2.Global)
	}

	// global.md is shared, so every stage sees the change.
	generate2, _ := cache.Get(StageGenerate)
	if generate2 == generate || generate2.Global != "House rules v2." {
		t.Errorf("generate not reloaded: %q", generate2.Global)
	}
}

func TestSeedCache_Invalidate(t *testing.T) {
	cache := NewSeedCache(setupSeedsDir(t))

	s1, err := cache.Get(StageCurate)
	if err != nil {
		t.Fatal(err)
	}
	cache.Invalidate()
	s2, err := cache.Get(StageCurate)
	if err != nil {
		t.Fatal(err)
	}
	if s1 == s2 {
		t.Error("expected reload after invalidate")
	}
}

func TestSeedCache_NoDirUsesDefaults(t *testing.T) {
	cache := NewSeedCache("")
	for _, stage := range Stages {
		s, err := cache.Get(stage)
		if err != nil {
			t.Fatalf("%s: %v", stage, err)
		}
		if s.Seed == "" {
			t.Errorf("%s: empty default seed", stage)
		}
	}
	if _, err := cache.Get("summarize"); err == nil {
		t.Error("expected error for unknown stage")
	}
}
