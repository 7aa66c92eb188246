package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"autoscrape/internal/cache"
	"autoscrape/internal/pipeline"
	"autoscrape/internal/routine"
	"autoscrape/internal/runner"
	"autoscrape/internal/sandbox"
	"autoscrape/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObtainer struct {
	ObtainFunc     func(ctx context.Context, req routine.Request) (pipeline.Outcome, error)
	RegenerateFunc func(ctx context.Context, req routine.Request) (pipeline.Outcome, error)
}

func (f *fakeObtainer) Obtain(ctx context.Context, req routine.Request) (pipeline.Outcome, error) {
	return f.ObtainFunc(ctx, req)
}

func (f *fakeObtainer) Regenerate(ctx context.Context, req routine.Request) (pipeline.Outcome, error) {
	return f.RegenerateFunc(ctx, req)
}

func success(source pipeline.Source) func(context.Context, routine.Request) (pipeline.Outcome, error) {
	return func(_ context.Context, req routine.Request) (pipeline.Outcome, error) {
		return pipeline.Outcome{
			URL:         req.URL,
			Intent:      req.Intent,
			Fingerprint: req.Fingerprint(),
			Source:      source,
			Result:      []any{map[string]any{"title": "A"}},
		}, nil
	}
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_Addr(t *testing.T) {
	s := New(Options{Addr: "127.0.0.1:9090"}, &fakeObtainer{}, nil)
	assert.Equal(t, "127.0.0.1:9090", s.Addr())
}

func TestHealth(t *testing.T) {
	s := New(Options{}, &fakeObtainer{}, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestExtract(t *testing.T) {
	s := New(Options{Concurrency: 2}, &fakeObtainer{ObtainFunc: success(pipeline.SourceCache)}, nil)

	rec := post(t, s.Handler(), "/v1/extractions", `{"url":"https://example.com","intent":"titles"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "cache", body["source"])
	assert.Equal(t, routine.Fingerprint("https://example.com", "titles"), body["fingerprint"])
	assert.Equal(t, []any{map[string]any{"title": "A"}}, body["result"])
}

func TestExtract_Regenerate(t *testing.T) {
	s := New(Options{}, &fakeObtainer{
		ObtainFunc:     func(context.Context, routine.Request) (pipeline.Outcome, error) { panic("cache path used") },
		RegenerateFunc: success(pipeline.SourceSynthesized),
	}, nil)

	rec := post(t, s.Handler(), "/v1/extractions", `{"url":"https://example.com","intent":"titles","regenerate":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"synthesized"`)
}

func TestExtract_Format(t *testing.T) {
	s := New(Options{}, &fakeObtainer{ObtainFunc: success(pipeline.SourceCache)}, nil)

	rec := post(t, s.Handler(), "/v1/extractions?format=csv", `{"url":"https://example.com","intent":"titles"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "title\nA\n", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")

	rec = post(t, s.Handler(), "/v1/extractions?format=pdf", `{"url":"https://example.com","intent":"titles"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExtract_BadRequests(t *testing.T) {
	s := New(Options{}, &fakeObtainer{ObtainFunc: success(pipeline.SourceCache)}, nil)

	for name, body := range map[string]string{
		"not json":       `{`,
		"missing intent": `{"url":"https://example.com"}`,
		"bad url":        `{"url":"not a url","intent":"x"}`,
		"unknown field":  `{"url":"https://example.com","intent":"x","extra":1}`,
	} {
		rec := post(t, s.Handler(), "/v1/extractions", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestExtract_Exhausted(t *testing.T) {
	s := New(Options{}, &fakeObtainer{ObtainFunc: func(context.Context, routine.Request) (pipeline.Outcome, error) {
		return pipeline.Outcome{}, &pipeline.ExhaustedError{Attempts: 3, Details: []string{"a", "b", "c"}}
	}}, nil)

	rec := post(t, s.Handler(), "/v1/extractions", `{"url":"https://example.com","intent":"titles"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Attempts)
	assert.Equal(t, []string{"a", "b", "c"}, body.Details)
}

func TestExtract_Failures(t *testing.T) {
	s := New(Options{}, &fakeObtainer{ObtainFunc: func(context.Context, routine.Request) (pipeline.Outcome, error) {
		return pipeline.Outcome{}, errors.New("disk full")
	}}, nil)
	rec := post(t, s.Handler(), "/v1/extractions", `{"url":"https://example.com","intent":"titles"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	s = New(Options{}, &fakeObtainer{ObtainFunc: func(_ context.Context, req routine.Request) (pipeline.Outcome, error) {
		return pipeline.Outcome{
			URL: req.URL,
			Err: &runner.ExecutionError{Failure: &sandbox.Failure{Kind: sandbox.KindPanic, Message: "index out of range"}},
		}, nil
	}}, nil)
	rec = post(t, s.Handler(), "/v1/extractions", `{"url":"https://example.com","intent":"titles"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "index out of range")
}

func TestRoutineLookup(t *testing.T) {
	st := store.NewMemoryStore()
	c := cache.New(st)
	req := routine.Request{URL: "https://example.com", Intent: "titles"}
	art := routine.WithProvenance(req, "package main\n")
	require.NoError(t, c.Store(context.Background(), req.Fingerprint(), art))

	s := New(Options{}, &fakeObtainer{}, c)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/routines/"+req.Fingerprint(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, art.Source, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/routines/"+routine.Fingerprint("x", "y"), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
