// Package runner validates and executes routine artifacts through the
// sandbox. Validation and execution share the same loading path.
package runner

import (
	"context"
	"errors"
	"fmt"

	"autoscrape/internal/routine"
	"autoscrape/internal/sandbox"
)

// DefaultEntryPoint is the routine function invoked by convention.
const DefaultEntryPoint = "Run"

// Validation details.
const (
	DetailEntryNotFound = "entry point not found"
	DetailBadShape      = "empty or unexpected result shape"
)

// Unit is the isolated execution capability routines run in.
type Unit interface {
	Run(ctx context.Context, source, entry string) (any, error)
}

// Loader runs an artifact's entry point in a Unit.
type Loader struct {
	unit  Unit
	entry string
}

// NewLoader returns a Loader invoking entry (DefaultEntryPoint when empty).
func NewLoader(unit Unit, entry string) *Loader {
	if entry == "" {
		entry = DefaultEntryPoint
	}
	return &Loader{unit: unit, entry: entry}
}

// Entry returns the entry point name.
func (l *Loader) Entry() string { return l.entry }

func (l *Loader) run(ctx context.Context, art routine.Artifact) (any, error) {
	return l.unit.Run(ctx, art.Source, l.entry)
}

// Validation is the outcome of validating one artifact.
type Validation struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	// Value is the result the routine produced while being validated.
	Value any `json:"-"`
}

// Validator checks that an artifact loads, exposes the entry point and
// returns a non-empty mapping, sequence or text.
type Validator struct {
	loader *Loader
}

// NewValidator creates a Validator.
func NewValidator(l *Loader) *Validator {
	return &Validator{loader: l}
}

// Validate loads and invokes art in a fresh execution unit.
func (v *Validator) Validate(ctx context.Context, art routine.Artifact) Validation {
	value, err := v.loader.run(ctx, art)
	if err != nil {
		var f *sandbox.Failure
		if !errors.As(err, &f) {
			return Validation{Detail: err.Error()}
		}
		switch f.Kind {
		case sandbox.KindEntryNotFound:
			return Validation{Detail: DetailEntryNotFound}
		case sandbox.KindSignature:
			return Validation{Detail: fmt.Sprintf("%s: %s", DetailEntryNotFound, f.Message)}
		case sandbox.KindResult:
			return Validation{Detail: fmt.Sprintf("%s: %s", DetailBadShape, f.Message)}
		default:
			return Validation{Detail: f.Detail()}
		}
	}
	if !AcceptableShape(value) {
		return Validation{Detail: DetailBadShape}
	}
	return Validation{OK: true, Value: value}
}

// AcceptableShape reports whether a normalized routine result is a non-empty
// mapping, sequence or text.
func AcceptableShape(v any) bool {
	switch x := v.(type) {
	case map[string]any:
		return len(x) > 0
	case []any:
		return len(x) > 0
	case string:
		return x != ""
	default:
		return false
	}
}

// ErrExecutionFailure matches every *ExecutionError.
var ErrExecutionFailure = errors.New("routine execution failure")

// ExecutionError is a routine failure at run time.
type ExecutionError struct {
	Failure *sandbox.Failure
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("routine execution failed: %v", e.Failure)
}

func (e *ExecutionError) Unwrap() error { return e.Failure }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecutionFailure }

// Execution is the outcome of executing an artifact: exactly one of Result
// and Err is set.
type Execution struct {
	Result any             `json:"result,omitempty"`
	Err    *ExecutionError `json:"-"`
}

// Executor runs validated or cached artifacts.
type Executor struct {
	loader *Loader
}

// NewExecutor creates an Executor.
func NewExecutor(l *Loader) *Executor {
	return &Executor{loader: l}
}

// Execute invokes art and captures any failure in the returned Execution.
func (e *Executor) Execute(ctx context.Context, art routine.Artifact) Execution {
	value, err := e.loader.run(ctx, art)
	if err != nil {
		var f *sandbox.Failure
		if !errors.As(err, &f) {
			f = &sandbox.Failure{Kind: sandbox.KindError, Message: err.Error()}
		}
		return Execution{Err: &ExecutionError{Failure: f}}
	}
	return Execution{Result: value}
}
