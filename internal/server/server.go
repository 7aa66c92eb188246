// Package server exposes the extraction pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"autoscrape/internal/cache"
	"autoscrape/internal/formatter"
	"autoscrape/internal/pipeline"
	"autoscrape/internal/routine"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Obtainer is the pipeline as seen by the server.
type Obtainer interface {
	Obtain(ctx context.Context, req routine.Request) (pipeline.Outcome, error)
	Regenerate(ctx context.Context, req routine.Request) (pipeline.Outcome, error)
}

// Routines reads cached routines.
type Routines interface {
	Lookup(ctx context.Context, fingerprint string) (routine.Artifact, bool, error)
}

var _ Routines = (*cache.Cache)(nil)

// Options configure a Server.
type Options struct {
	Addr string
	// Concurrency bounds in-flight extractions; zero means unbounded.
	Concurrency int
	Logger      *zap.Logger
}

// Server is a thin wrapper over chi and http.Server.
type Server struct {
	addr     string
	mux      *chi.Mux
	srv      *http.Server
	ctl      Obtainer
	routines Routines
	log      *zap.Logger
	slots    chan struct{}
	validate *validator.Validate
}

// New creates a Server. routines may be nil, which disables the routine
// lookup endpoint.
func New(opts Options, ctl Obtainer, routines Routines) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		addr:     opts.Addr,
		mux:      chi.NewRouter(),
		ctl:      ctl,
		routines: routines,
		log:      opts.Logger.Named("http"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if opts.Concurrency > 0 {
		s.slots = make(chan struct{}, opts.Concurrency)
	}

	s.mux.Use(middleware.RequestID)
	s.mux.Use(middleware.Recoverer)
	s.mux.Get("/healthz", s.health)
	s.mux.Post("/v1/extractions", s.extract)
	s.mux.Get("/v1/routines/{fingerprint}", s.routine)

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Addr returns the listening address.
func (s *Server) Addr() string { return s.addr }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http listening", zap.String("addr", s.addr))
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errc
		return nil
	}
}

type extractionRequest struct {
	URL        string `json:"url" validate:"required,url"`
	Intent     string `json:"intent" validate:"required"`
	Regenerate bool   `json:"regenerate"`
}

type errorBody struct {
	Error    string   `json:"error"`
	Attempts int      `json:"attempts,omitempty"`
	Details  []string `json:"details,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) extract(w http.ResponseWriter, r *http.Request) {
	var body extractionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: validationMessage(err)})
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if !formatter.Valid(format) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("unsupported format %q", format)})
		return
	}

	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		case <-r.Context().Done():
			return
		}
	}

	req := routine.Request{URL: body.URL, Intent: body.Intent}
	obtain := s.ctl.Obtain
	if body.Regenerate {
		obtain = s.ctl.Regenerate
	}
	out, err := obtain(r.Context(), req)

	var exhausted *pipeline.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:    err.Error(),
			Attempts: exhausted.Attempts,
			Details:  exhausted.Details,
		})
		return
	case err != nil:
		s.log.Error("extraction failed", zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}

	status := http.StatusOK
	if out.Err != nil {
		status = http.StatusBadGateway
	}

	if format == "json" {
		writeJSON(w, status, formatter.NewExtraction(out))
		return
	}
	text, err := formatter.Format(formatter.NewExtraction(out), format)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", contentType(format))
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

func (s *Server) routine(w http.ResponseWriter, r *http.Request) {
	if s.routines == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "routine lookup is disabled"})
		return
	}
	fp := chi.URLParam(r, "fingerprint")
	art, ok, err := s.routines.Lookup(r.Context(), fp)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no routine cached under " + fp})
		return
	}
	w.Header().Set("Content-Type", "text/x-go; charset=utf-8")
	_, _ = io.WriteString(w, art.Source)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag())
	}
	return err.Error()
}

func contentType(format string) string {
	switch format {
	case "yaml":
		return "application/yaml"
	case "csv":
		return "text/csv; charset=utf-8"
	case "markdown":
		return "text/markdown; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
