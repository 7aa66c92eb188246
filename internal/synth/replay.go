package synth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

func init() {
	Register("replay", func(_ context.Context, cfg Config) (Synthesizer, error) {
		return NewReplayDir(cfg.ReplayDir)
	})
}

// Replay returns pre-recorded sources in order, one per call, repeating the
// last one once exhausted. It lets the pipeline run without a model.
type Replay struct {
	mu      sync.Mutex
	sources []string
	next    int
	calls   []string
}

// NewReplay replays the given sources.
func NewReplay(sources ...string) *Replay {
	return &Replay{sources: sources}
}

// NewReplayDir replays every *.go file in dir, sorted by name.
func NewReplayDir(dir string) (*Replay, error) {
	if dir == "" {
		return nil, fmt.Errorf("replay provider needs a directory of routine sources")
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.go"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no *.go files in %s", dir)
	}
	sort.Strings(paths)

	sources := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		sources = append(sources, string(data))
	}
	return NewReplay(sources...), nil
}

func (r *Replay) Synthesize(_ context.Context, instruction, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, instruction)
	if len(r.sources) == 0 {
		return "", fmt.Errorf("replay has no sources")
	}
	src := r.sources[min(r.next, len(r.sources)-1)]
	r.next++
	return src, nil
}

// Instructions returns the instructions received so far.
func (r *Replay) Instructions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}
