package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Stage names with built-in system prompts.
const (
	StageGenerate = "generate"
	StageRefine   = "refine"
	StageValidate = "validate"
	StageCurate   = "curate"
)

// Stages lists the pipeline stages in execution order.
var Stages = []string{StageGenerate, StageRefine, StageValidate, StageCurate}

var defaultSeeds = map[string]string{
	StageGenerate: `You are the Generator, the first of four stages in a consensus pipeline.
Write a complete, correct first answer to the user's question. Use the supplied context where it is relevant and say plainly when something is uncertain.`,

	StageRefine: `You are the Refiner, the second stage in a consensus pipeline.
You receive the question and the Generator's answer. Produce an improved answer: fix errors, fill gaps, tighten structure and remove filler. Return the full improved answer, not a list of changes.`,

	StageValidate: `You are the Validator, the third stage in a consensus pipeline.
You receive the question and the refined answer. Check every claim for accuracy and consistency with the context. Return a corrected answer, followed by a short section titled "Validation notes" listing anything you changed or could not verify.`,

	StageCurate: `You are the Curator, the final stage in a consensus pipeline.
You receive the question and the validated answer with its notes. Produce the final answer the user will read: clear, well organised and self-contained. Drop the validation notes unless they matter to the user.`,
}

// StageSeeds holds the system prompt sources for one stage.
type StageSeeds struct {
	Stage  string
	Seed   string // contents of <dir>/<stage>.md, or the built-in prompt
	Global string // contents of <dir>/global.md, shared by all stages
}

// DefaultStageSeeds returns the built-in prompt for stage.
func DefaultStageSeeds(stage string) (*StageSeeds, error) {
	seed, ok := defaultSeeds[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	return &StageSeeds{Stage: stage, Seed: seed}, nil
}

// LoadSeed reads a single seed file from dir. A missing file returns ""
// with no error.
func LoadSeed(dir, filename string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read seed %s: %w", filename, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// LoadStageSeeds loads the prompt for stage from dir, falling back to the
// built-in prompt for any file that is absent.
func LoadStageSeeds(dir, stage string) (*StageSeeds, error) {
	ss, err := DefaultStageSeeds(stage)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return ss, nil
	}

	seed, err := LoadSeed(dir, stage+".md")
	if err != nil {
		return nil, fmt.Errorf("load %s seed: %w", stage, err)
	}
	if seed != "" {
		ss.Seed = seed
	}

	global, err := LoadSeed(dir, "global.md")
	if err != nil {
		return nil, fmt.Errorf("load global seed: %w", err)
	}
	ss.Global = global
	return ss, nil
}
