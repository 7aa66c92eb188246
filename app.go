package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"autoscrape/internal/browser"
	"autoscrape/internal/cache"
	"autoscrape/internal/config"
	"autoscrape/internal/fetcher"
	"autoscrape/internal/logging"
	"autoscrape/internal/pipeline"
	"autoscrape/internal/runner"
	"autoscrape/internal/sandbox"
	"autoscrape/internal/store"
	"autoscrape/internal/synth"

	"go.uber.org/zap"
)

// app holds the collaborators built from configuration for one command.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	store    store.Store
	cache    *cache.Cache
	pages    *fetcher.Snapshotter
	renderer *fetcher.Renderer
	ctl      *pipeline.Controller

	closers []func() error
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmdFlags flagSet) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if cmdFlags.Changed("store-dir") {
		cfg.Store.Dir = storeDir
	}
	if cmdFlags.Changed("store") {
		cfg.Store.Driver = storeDriver
	}
	if cmdFlags.Changed("max-attempts") {
		cfg.Pipeline.MaxAttempts = maxAttempts
	}
	if cmdFlags.Changed("provider") {
		cfg.LLM.Provider = provider
	}
	if cmdFlags.Changed("model") {
		cfg.LLM.Model = model
	}
	if cmdFlags.Changed("proxy") {
		cfg.Fetch.Proxy = proxyURL
	}
	if cmdFlags.Changed("showui") {
		cfg.Fetch.Headless = !showUI
	}
	if cmdFlags.Changed("no-render") {
		cfg.Fetch.Render = !noRender
	}
	if cmdFlags.Changed("timeout") {
		cfg.Sandbox.Timeout = timeout.String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flagSet is the part of *pflag.FlagSet loadConfig needs.
type flagSet interface {
	Changed(name string) bool
}

// newApp builds the collaborators. The synthesizer and controller are only
// built when withPipeline is set, so commands that never generate code do
// not need an API key.
func newApp(ctx context.Context, cfg *config.Config, withPipeline bool) (*app, error) {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, verbose)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() error {
		_ = log.Sync()
		return nil
	})

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.cache = cache.New(a.store)

	a.pages = &fetcher.Snapshotter{
		Static: fetcher.NewStatic(fetcher.StaticConfig{
			Timeout:   cfg.GetStaticTimeout(),
			UserAgent: cfg.Fetch.UserAgent,
			ProxyURL:  cfg.Fetch.Proxy,
		}),
		Logger: log.Named("fetch"),
	}
	if cfg.Fetch.Render {
		a.renderer = fetcher.NewRenderer(fetcher.RenderConfig{
			Browser: browser.Config{
				ProxyURL: cfg.Fetch.Proxy,
				Headless: cfg.Fetch.Headless,
			},
			Timeout:   cfg.GetRenderTimeout(),
			UserAgent: cfg.Fetch.UserAgent,
		})
		a.pages.Render = a.renderer
		a.closers = append(a.closers, a.renderer.Close)
	}

	if !withPipeline {
		return a, nil
	}

	gen, err := synth.New(ctx, synth.Config{
		Provider:  cfg.LLM.Provider,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		Timeout:   cfg.GetLLMTimeout(),
		ReplayDir: cfg.LLM.ReplayDir,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}

	loader := runner.NewLoader(sandbox.New(sandbox.Options{Timeout: cfg.GetSandboxTimeout()}), cfg.Pipeline.EntryPoint)
	a.ctl, err = pipeline.New(&pipeline.Config{
		Cache:       a.cache,
		Pages:       a.pages,
		Synth:       gen,
		Validator:   runner.NewValidator(loader),
		Executor:    runner.NewExecutor(loader),
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		MaxHTML:     cfg.Synth.MaxHTMLBytes,
		Logger:      log.Named("pipeline"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "memory":
		a.store = store.NewMemoryStore()
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(a.cfg.Store.DSN), 0755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
		s, err := store.OpenSQLite(ctx, a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	default:
		s, err := store.NewFileStore(a.cfg.Store.Dir)
		if err != nil {
			return err
		}
		a.store = s
	}
	return nil
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
