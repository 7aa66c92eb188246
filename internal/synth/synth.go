// Package synth is the boundary to the code-generation service. A
// Synthesizer turns an instruction and a target URL into candidate routine
// source; nothing else about the service is visible to callers.
package synth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Synthesizer produces candidate routine source.
type Synthesizer interface {
	Synthesize(ctx context.Context, instruction, target string) (string, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string
	APIKey    string
	Model     string
	Timeout   time.Duration
	ReplayDir string
}

// Factory builds a Synthesizer from Config.
type Factory func(ctx context.Context, cfg Config) (Synthesizer, error)

var registry = map[string]Factory{}

// Register makes a provider available to New under name.
func Register(name string, f Factory) {
	registry[strings.ToLower(name)] = f
}

// New builds the provider named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Synthesizer, error) {
	f, ok := registry[strings.ToLower(cfg.Provider)]
	if !ok {
		return nil, fmt.Errorf("unknown synthesizer provider %q (known: %s)", cfg.Provider, strings.Join(Providers(), ", "))
	}
	return f(ctx, cfg)
}

// Providers lists registered provider names.
func Providers() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Func adapts a function to Synthesizer.
type Func func(ctx context.Context, instruction, target string) (string, error)

func (f Func) Synthesize(ctx context.Context, instruction, target string) (string, error) {
	return f(ctx, instruction, target)
}
