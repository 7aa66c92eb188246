package runner

import (
	"context"
	"errors"
	"os"
	"testing"

	"autoscrape/internal/routine"
	"autoscrape/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	sandbox.ServeIfRunner()
	os.Exit(m.Run())
}

func newPair() (*Validator, *Executor) {
	l := NewLoader(sandbox.New(sandbox.Options{}), "")
	return NewValidator(l), NewExecutor(l)
}

func artifact(src string) routine.Artifact {
	return routine.WithProvenance(routine.Request{URL: "https://example.com", Intent: "test"}, src)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		src        string
		wantOK     bool
		wantDetail string
	}{
		{"mapping", "package main\n\nfunc Run() (any, error) { return map[string]string{\"a\": \"b\"}, nil }\n", true, ""},
		{"sequence", "package main\n\nfunc Run() []int { return []int{1, 2} }\n", true, ""},
		{"text", "package main\n\nfunc Run() (string, error) { return \"hello\", nil }\n", true, ""},
		{"missing entry", "package main\n\nfunc run() string { return \"x\" }\n", false, DetailEntryNotFound},
		{"empty mapping", "package main\n\nfunc Run() map[string]any { return map[string]any{} }\n", false, DetailBadShape},
		{"empty sequence", "package main\n\nfunc Run() []string { return nil }\n", false, DetailBadShape},
		{"empty text", "package main\n\nfunc Run() string { return \"\" }\n", false, DetailBadShape},
		{"nil any", "package main\n\nfunc Run() (any, error) { return nil, nil }\n", false, DetailBadShape},
		{"number", "package main\n\nfunc Run() int { return 7 }\n", false, DetailBadShape},
		{"bool", "package main\n\nfunc Run() bool { return true }\n", false, DetailBadShape},
	}

	v, _ := newPair()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(context.Background(), artifact(tt.src))
			assert.Equal(t, tt.wantOK, got.OK)
			assert.Equal(t, tt.wantDetail, got.Detail)
			if tt.wantOK {
				assert.NotNil(t, got.Value)
			}
		})
	}
}

func TestValidate_RaisedFailureCarriesTrace(t *testing.T) {
	v, _ := newPair()
	got := v.Validate(context.Background(), artifact("package main\n\nfunc Run() any { panic(\"selector matched nothing\") }\n"))
	assert.False(t, got.OK)
	assert.Contains(t, got.Detail, "panic")
	assert.Contains(t, got.Detail, "selector matched nothing")
	assert.Contains(t, got.Detail, "goroutine", "stack trace included")
}

func TestValidate_BadSignatureReportsEntryPoint(t *testing.T) {
	v, _ := newPair()
	got := v.Validate(context.Background(), artifact("package main\n\nfunc Run(n int) string { return \"x\" }\n"))
	assert.False(t, got.OK)
	assert.Contains(t, got.Detail, DetailEntryNotFound)
}

func TestExecute(t *testing.T) {
	_, e := newPair()

	out := e.Execute(context.Background(), artifact("package main\n\nfunc Run() (any, error) { return []string{\"x\", \"y\"}, nil }\n"))
	require.Nil(t, out.Err)
	assert.Equal(t, []any{"x", "y"}, out.Result)
}

func TestExecute_FailureIsCaptured(t *testing.T) {
	_, e := newPair()

	out := e.Execute(context.Background(), artifact("package main\n\nimport \"errors\"\n\nfunc Run() (any, error) { return nil, errors.New(\"connection refused\") }\n"))
	require.NotNil(t, out.Err)
	assert.Nil(t, out.Result)
	assert.Equal(t, sandbox.KindError, out.Err.Failure.Kind)
	assert.Contains(t, out.Err.Error(), "connection refused")

	var f *sandbox.Failure
	assert.True(t, errors.As(out.Err, &f))
}

type fakeUnit struct {
	RunFunc func(ctx context.Context, source, entry string) (any, error)
}

func (f *fakeUnit) Run(ctx context.Context, source, entry string) (any, error) {
	return f.RunFunc(ctx, source, entry)
}

func TestLoader_UsesConfiguredEntry(t *testing.T) {
	var gotEntry string
	unit := &fakeUnit{RunFunc: func(_ context.Context, _, entry string) (any, error) {
		gotEntry = entry
		return "ok", nil
	}}

	v := NewValidator(NewLoader(unit, "Extract"))
	res := v.Validate(context.Background(), routine.Artifact{Source: "x"})
	assert.True(t, res.OK)
	assert.Equal(t, "Extract", gotEntry)
	assert.Equal(t, DefaultEntryPoint, NewLoader(unit, "").Entry())
}

func TestExecute_NonSandboxError(t *testing.T) {
	unit := &fakeUnit{RunFunc: func(context.Context, string, string) (any, error) {
		return nil, errors.New("unit unavailable")
	}}
	out := NewExecutor(NewLoader(unit, "")).Execute(context.Background(), routine.Artifact{})
	require.NotNil(t, out.Err)
	assert.Contains(t, out.Err.Error(), "unit unavailable")
}
