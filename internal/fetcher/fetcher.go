// Package fetcher retrieves page HTML. Failures give OK false, never an error.
package fetcher

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	DefaultStaticTimeout = 10 * time.Second
	DefaultRenderTimeout = 15 * time.Second
)

var tracer = otel.Tracer("autoscrape/internal/fetcher")

type Result struct {
	URL     string
	HTML    string
	OK      bool
	Status  int
	Elapsed time.Duration
}

type Fetcher interface {
	Fetch(ctx context.Context, url string) Result
}

// Func adapts a function to Fetcher.
type Func func(ctx context.Context, url string) Result

func (f Func) Fetch(ctx context.Context, url string) Result {
	return f(ctx, url)
}

type StaticConfig struct {
	Timeout   time.Duration
	UserAgent string
	ProxyURL  string
}

// Static fetches pages with a single GET request.
type Static struct {
	client *resty.Client
}

// NewStatic creates a Static fetcher, filling unset fields with defaults.
func NewStatic(cfg StaticConfig) *Static {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultStaticTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent)
	if cfg.ProxyURL != "" {
		client.SetProxy(cfg.ProxyURL)
	}
	return &Static{client: client}
}

func (s *Static) Fetch(ctx context.Context, url string) Result {
	ctx, span := tracer.Start(ctx, "fetch.static")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	start := time.Now()
	res := Result{URL: url}

	resp, err := s.client.R().SetContext(ctx).Get(url)
	res.Elapsed = time.Since(start)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res
	}

	res.Status = resp.StatusCode()
	span.SetAttributes(attribute.Int("status", res.Status))
	if !resp.IsSuccess() {
		span.SetStatus(codes.Error, resp.Status())
		return res
	}

	res.HTML = resp.String()
	res.OK = true
	return res
}
