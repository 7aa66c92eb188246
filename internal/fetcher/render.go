package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autoscrape/internal/browser"

	"github.com/go-rod/rod/lib/proto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RenderConfig configures the browser path.
type RenderConfig struct {
	Browser   browser.Config
	Timeout   time.Duration
	UserAgent string
	// IdleWindow is how long the network must stay quiet after load before
	// the DOM is read.
	IdleWindow time.Duration
}

// Renderer loads pages in a headless browser and returns the DOM after
// scripts have run. The browser is launched on first use and shared by
// later fetches until Close.
type Renderer struct {
	cfg RenderConfig

	mu      sync.Mutex
	browser *browser.Browser
}

// NewRenderer creates a Renderer, filling unset fields with defaults.
func NewRenderer(cfg RenderConfig) *Renderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRenderTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 500 * time.Millisecond
	}
	return &Renderer{cfg: cfg}
}

func (r *Renderer) ensure() (*browser.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}
	b, err := browser.New(r.cfg.Browser)
	if err != nil {
		return nil, err
	}
	r.browser = b
	return b, nil
}

// Fetch renders url. Any failure is reported as OK false.
func (r *Renderer) Fetch(ctx context.Context, url string) Result {
	ctx, span := tracer.Start(ctx, "fetch.render")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	start := time.Now()
	res := Result{URL: url}

	html, err := r.render(ctx, url)
	res.Elapsed = time.Since(start)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res
	}
	res.HTML = html
	res.OK = true
	return res
}

func (r *Renderer) render(ctx context.Context, url string) (string, error) {
	b, err := r.ensure()
	if err != nil {
		return "", err
	}

	page, err := b.NewPage()
	if err != nil {
		return "", fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: r.cfg.UserAgent}); err != nil {
		return "", fmt.Errorf("failed to set user agent: %w", err)
	}

	p := page.Context(ctx).Timeout(r.cfg.Timeout)
	if err := p.Navigate(url); err != nil {
		return "", fmt.Errorf("failed to navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return "", fmt.Errorf("failed to wait for page load: %w", err)
	}

	// Script-driven pages keep fetching after load; give them a quiet
	// window so the data they populate is in the DOM.
	wait := p.WaitRequestIdle(
		r.cfg.IdleWindow, nil, nil,
		[]proto.NetworkResourceType{proto.NetworkResourceTypeImage, proto.NetworkResourceTypeMedia},
	)
	wait()

	html, err := p.HTML()
	if err != nil {
		return "", fmt.Errorf("failed to read page html: %w", err)
	}
	return html, nil
}

// Close shuts down the browser if one was launched.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	return err
}
