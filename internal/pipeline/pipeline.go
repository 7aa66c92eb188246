// Package pipeline obtains extraction results for requests. It reuses a
// cached routine when one still validates, and otherwise synthesizes,
// validates and caches a new one within a bounded number of attempts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"autoscrape/internal/cache"
	"autoscrape/internal/classifier"
	"autoscrape/internal/routine"
	"autoscrape/internal/runner"
	"autoscrape/internal/synth"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxAttempts is the synthesis budget per request.
const DefaultMaxAttempts = 3

var validate = validator.New(validator.WithRequiredStructEnabled())

// Stage is a state of the controller.
type Stage string

const (
	StageCacheLookup Stage = "CACHE_LOOKUP"
	StageClassify    Stage = "CLASSIFY"
	StageSynthesize  Stage = "SYNTHESIZE"
	StageValidate    Stage = "VALIDATE"
	StageRetry       Stage = "RETRY"
	StageSuccess     Stage = "SUCCESS"
	StageExhausted   Stage = "EXHAUSTED"
)

func (s Stage) String() string { return string(s) }

// Source says where the executed routine came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceSynthesized Source = "synthesized"
)

// Pages fetches and classifies the target page.
type Pages interface {
	Snapshot(ctx context.Context, url string) (classifier.Snapshot, classifier.Report)
}

// Config is everything a Controller needs. Collaborators are required;
// zero knobs take defaults.
type Config struct {
	Cache     *cache.Cache
	Pages     Pages
	Synth     synth.Synthesizer
	Validator *runner.Validator
	Executor  *runner.Executor

	MaxAttempts int
	// MaxHTML caps the page excerpt included in each instruction.
	MaxHTML int

	Logger *zap.Logger
	Tracer trace.Tracer
}

// Outcome is the result of one request. A routine that failed when executed
// is reported in Err, not as an error from Obtain.
type Outcome struct {
	RequestID   string                 `json:"request_id"`
	// RunID names the run that produced the outcome. Callers that joined
	// an in-flight run for the same request share it.
	RunID       string                 `json:"run_id,omitempty"`
	URL         string                 `json:"url"`
	Intent      string                 `json:"intent"`
	Fingerprint string                 `json:"fingerprint"`
	Source      Source                 `json:"source"`
	Class       classifier.Class       `json:"class,omitempty"`
	Attempts    int                    `json:"attempts"`
	Stale       bool                   `json:"stale,omitempty"`
	Path        []Stage                `json:"path"`
	Result      any                    `json:"result,omitempty"`
	Err         *runner.ExecutionError `json:"-"`
	Artifact    routine.Artifact       `json:"-"`
}

// Failure returns Err as an error, or nil.
func (o Outcome) Failure() error {
	if o.Err == nil {
		return nil
	}
	return o.Err
}

func (o *Outcome) enter(s Stage) {
	o.Path = append(o.Path, s)
}

// Controller runs the lookup, classify, synthesize and validate cycle.
type Controller struct {
	cfg    Config
	log    *zap.Logger
	tracer trace.Tracer
	flight singleflight.Group
}

// New creates a Controller from cfg.
func New(cfg *Config) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config is required")
	}
	switch {
	case cfg.Cache == nil:
		return nil, errors.New("pipeline config: cache is required")
	case cfg.Pages == nil:
		return nil, errors.New("pipeline config: page fetcher is required")
	case cfg.Synth == nil:
		return nil, errors.New("pipeline config: synthesizer is required")
	case cfg.Validator == nil || cfg.Executor == nil:
		return nil, errors.New("pipeline config: validator and executor are required")
	}

	c := &Controller{cfg: *cfg, log: cfg.Logger, tracer: cfg.Tracer}
	if c.cfg.MaxAttempts <= 0 {
		c.cfg.MaxAttempts = DefaultMaxAttempts
	}
	if c.cfg.MaxHTML <= 0 {
		c.cfg.MaxHTML = synth.DefaultMaxHTMLBytes
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("autoscrape/internal/pipeline")
	}
	return c, nil
}

// MaxAttempts returns the synthesis budget per request.
func (c *Controller) MaxAttempts() int { return c.cfg.MaxAttempts }

// Obtain returns the extraction result for req, reusing a cached routine
// when it still validates.
func (c *Controller) Obtain(ctx context.Context, req routine.Request) (Outcome, error) {
	return c.do(ctx, req, false)
}

// Regenerate skips the cache lookup and synthesizes a new routine for req,
// replacing any cached one on success.
func (c *Controller) Regenerate(ctx context.Context, req routine.Request) (Outcome, error) {
	return c.do(ctx, req, true)
}

// do collapses concurrent calls for the same fingerprint into one run. The
// run does not inherit any caller's cancellation; each caller stops waiting
// when its own ctx is done, and a run every caller has left still finishes
// and caches its routine.
func (c *Controller) do(ctx context.Context, req routine.Request, regenerate bool) (Outcome, error) {
	if err := validate.Struct(req); err != nil {
		return Outcome{}, fmt.Errorf("invalid request: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, fmt.Errorf("request abandoned: %w", err)
	}

	id := uuid.NewString()
	key := req.Fingerprint()
	if regenerate {
		key += "/regenerate"
	}
	ch := c.flight.DoChan(key, func() (any, error) {
		return c.obtain(context.WithoutCancel(ctx), req, regenerate, id)
	})

	select {
	case <-ctx.Done():
		return Outcome{RequestID: id, URL: req.URL, Intent: req.Intent, Fingerprint: req.Fingerprint()},
			fmt.Errorf("request abandoned: %w", ctx.Err())
	case res := <-ch:
		out, _ := res.Val.(Outcome)
		out.RequestID = id
		out.Path = slices.Clone(out.Path)
		if out.RunID != id {
			c.log.Debug("joined in-flight run",
				zap.String("request_id", id),
				zap.String("run_id", out.RunID),
				zap.String("fingerprint", out.Fingerprint),
			)
		}
		return out, res.Err
	}
}

func (c *Controller) obtain(ctx context.Context, req routine.Request, regenerate bool, runID string) (Outcome, error) {
	fp := req.Fingerprint()
	out := Outcome{
		RequestID:   runID,
		RunID:       runID,
		URL:         req.URL,
		Intent:      req.Intent,
		Fingerprint: fp,
	}
	log := c.log.With(
		zap.String("request_id", out.RequestID),
		zap.String("fingerprint", fp),
		zap.String("url", req.URL),
	)

	ctx, span := c.tracer.Start(ctx, "pipeline.obtain", trace.WithAttributes(
		attribute.String("request_id", out.RequestID),
		attribute.String("fingerprint", fp),
		attribute.Bool("regenerate", regenerate),
	))
	defer span.End()

	if !regenerate {
		out.enter(StageCacheLookup)
		art, ok, err := c.cfg.Cache.Lookup(ctx, fp)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return out, err
		}
		if ok {
			out.enter(StageValidate)
			v := c.cfg.Validator.Validate(ctx, art)
			if v.OK {
				log.Info("cached routine still valid", zap.Stringer("stage", StageCacheLookup))
				out.Source = SourceCache
				return c.succeed(ctx, log, out, art), nil
			}
			out.Stale = true
			log.Warn("cached routine failed re-validation, regenerating",
				zap.Stringer("stage", StageValidate),
				zap.String("detail", v.Detail),
				zap.Error(ErrStaleCacheArtifact),
			)
		} else {
			log.Debug("cache miss", zap.Stringer("stage", StageCacheLookup))
		}
	}

	out.enter(StageClassify)
	snap := c.classify(ctx, log, req.URL)
	out.Class = snap.Class

	var (
		feedback []string
		details  []string
	)
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			out.enter(StageRetry)
		}
		out.Attempts = attempt
		alog := log.With(zap.Int("attempt", attempt))

		out.enter(StageSynthesize)
		art, err := c.synthesize(ctx, req, snap, feedback)
		if err != nil {
			alog.Warn("synthesis call failed", zap.Stringer("stage", StageSynthesize), zap.Error(err))
			details = append(details, err.Error())
			continue
		}

		out.enter(StageValidate)
		v := c.cfg.Validator.Validate(ctx, art)
		if !v.OK {
			alog.Info("candidate rejected",
				zap.Stringer("stage", StageValidate),
				zap.Error(fmt.Errorf("%w: %s", ErrValidationFailure, v.Detail)),
			)
			feedback = append(feedback, v.Detail)
			details = append(details, v.Detail)
			continue
		}

		if err := c.cfg.Cache.Store(ctx, fp, art); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return out, err
		}
		alog.Info("routine cached", zap.Stringer("stage", StageSuccess))
		out.Source = SourceSynthesized
		return c.succeed(ctx, log, out, art), nil
	}

	out.enter(StageExhausted)
	err := &ExhaustedError{Fingerprint: fp, Attempts: out.Attempts, Details: details}
	log.Error("synthesis exhausted", zap.Stringer("stage", StageExhausted), zap.Error(err))
	span.SetStatus(codes.Error, err.Error())
	return out, err
}

// classify runs once per request; retries reuse its snapshot.
func (c *Controller) classify(ctx context.Context, log *zap.Logger, url string) classifier.Snapshot {
	ctx, span := c.tracer.Start(ctx, "pipeline.classify")
	defer span.End()

	snap, report := c.cfg.Pages.Snapshot(ctx, url)
	if snap.HTML == "" {
		log.Warn("no page html, assuming dynamic", zap.Error(ErrFetchUnavailable))
	}
	span.SetAttributes(
		attribute.String("class", string(snap.Class)),
		attribute.Int("score", report.Score),
		attribute.String("via", string(snap.Via)),
	)
	log.Info("page classified",
		zap.Stringer("stage", StageClassify),
		zap.String("class", string(snap.Class)),
		zap.Int("score", report.Score),
		zap.String("via", string(snap.Via)),
	)
	return snap
}

func (c *Controller) synthesize(ctx context.Context, req routine.Request, snap classifier.Snapshot, feedback []string) (routine.Artifact, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.synthesize")
	defer span.End()

	prompt := synth.Prompt{
		Intent:   req.Intent,
		Class:    snap.Class,
		Feedback: feedback,
		HTML:     snap.HTML,
		MaxHTML:  c.cfg.MaxHTML,
	}
	text, err := c.cfg.Synth.Synthesize(ctx, prompt.Build(), req.URL)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return routine.Artifact{}, fmt.Errorf("synthesis failed: %w", err)
	}
	return routine.WithProvenance(req, routine.StripFences(text)), nil
}

func (c *Controller) succeed(ctx context.Context, log *zap.Logger, out Outcome, art routine.Artifact) Outcome {
	out.enter(StageSuccess)
	out.Artifact = art

	exec := c.cfg.Executor.Execute(ctx, art)
	out.Result = exec.Result
	out.Err = exec.Err
	if exec.Err != nil {
		log.Warn("routine failed at run time", zap.String("source", string(out.Source)), zap.Error(exec.Err))
	}
	return out
}
