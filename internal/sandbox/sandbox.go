// Package sandbox runs untrusted, generated Go source in an isolated
// interpreter inside a child process.
//
// Every Run starts a fresh runner process that builds a new yaegi
// interpreter seeing only the standard library symbols, so no globals, caches
// or init side effects of one routine are visible to the next, and a routine
// that crashes its runner (a panic in a goroutine it started, say) cannot
// take the host down. Any failure of the routine comes back as a *Failure.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"reflect"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Kind classifies a sandbox failure.
type Kind string

const (
	KindLoad          Kind = "load"
	KindEntryNotFound Kind = "entry-not-found"
	KindSignature     Kind = "signature"
	KindPanic         Kind = "panic"
	KindError         Kind = "error"
	KindResult        Kind = "result"
	KindTimeout       Kind = "timeout"
)

// Failure is a structured routine failure.
type Failure struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`  // stack trace for panics
	Output  string `json:"output,omitempty"` // captured stdout/stderr of the routine
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Detail renders the failure with its trace and output, for feeding back to
// a code generator.
func (f *Failure) Detail() string {
	var b strings.Builder
	b.WriteString(f.Error())
	if f.Trace != "" {
		b.WriteString("\n")
		b.WriteString(f.Trace)
	}
	if f.Output != "" {
		b.WriteString("\noutput:\n")
		b.WriteString(f.Output)
	}
	return b.String()
}

// DeniedImports cannot be used by routines.
var DeniedImports = []string{
	"os/exec",
	"os/signal",
	"plugin",
	"runtime/debug",
	"syscall",
	"unsafe",
}

const maxOutput = 8 * 1024

// Options configure a Unit.
type Options struct {
	// Timeout bounds a single invocation. Zero means no limit.
	Timeout time.Duration
	// Command starts a runner process. It defaults to the running
	// executable with RunnerArg.
	Command []string
}

// Unit is the isolated execution capability. It is safe for concurrent use;
// each Run is independent.
type Unit struct {
	timeout time.Duration
	command []string
	denied  map[string]bool
}

// New creates a Unit.
func New(opts Options) *Unit {
	denied := make(map[string]bool, len(DeniedImports))
	for _, p := range DeniedImports {
		denied[p] = true
	}
	return &Unit{timeout: opts.Timeout, command: opts.Command, denied: denied}
}

// Run checks source, then loads it into a new interpreter in a runner
// process, invokes the zero-argument function or func-typed variable named
// entry and returns its result normalized to map[string]any, []any, string,
// int64, float64, bool or nil. Failures are returned as *Failure.
func (u *Unit) Run(ctx context.Context, source, entry string) (any, error) {
	if _, err := u.prepare(source, entry); err != nil {
		return nil, err
	}

	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	argv := u.command
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, &Failure{Kind: KindLoad, Message: fmt.Sprintf("locating routine runner: %v", err)}
		}
		argv = []string{exe, RunnerArg}
	}

	in, err := json.Marshal(request{Source: source, Entry: entry})
	if err != nil {
		return nil, &Failure{Kind: KindLoad, Message: err.Error()}
	}

	var stdout bytes.Buffer
	var stderr limitedBuffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	runErr := cmd.Start()
	started := runErr == nil
	if started {
		runErr = cmd.Wait()
	}

	if ctx.Err() != nil {
		return nil, &Failure{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("%s did not return: %v", entry, ctx.Err()),
			Output:  stderr.String(),
		}
	}

	if !started {
		return nil, &Failure{Kind: KindLoad, Message: fmt.Sprintf("starting routine runner: %v", runErr)}
	}

	resp, decErr := decodeResponse(stdout.Bytes())
	if runErr != nil || decErr != nil {
		cause := runErr
		if cause == nil {
			cause = decErr
		}
		msg := fmt.Sprintf("routine runner crashed: %v", cause)
		if line := firstLine(stderr.String()); line != "" {
			msg = fmt.Sprintf("routine runner crashed: %s", line)
		}
		return nil, &Failure{Kind: KindPanic, Message: msg, Trace: stderr.String()}
	}
	if resp.Failure != nil {
		return nil, resp.Failure
	}
	value, err := decodeValue(resp.Value)
	if err != nil {
		return nil, &Failure{Kind: KindResult, Message: fmt.Sprintf("result is not serializable: %v", err)}
	}
	return value, nil
}

// prepare parses the source, enforces the import policy and renames a
// func main so the interpreter does not run it on load.
func (u *Unit) prepare(source, entry string) (string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "routine.go", source, parser.ParseComments)
	if err != nil {
		return "", &Failure{Kind: KindLoad, Message: fmt.Sprintf("syntax error: %v", err)}
	}
	if file.Name.Name != "main" {
		return "", &Failure{Kind: KindLoad, Message: fmt.Sprintf("routine must be package main, got package %s", file.Name.Name)}
	}

	var forbidden []string
	for _, imp := range file.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		if u.denied[path] || strings.Contains(strings.Split(path, "/")[0], ".") {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return "", &Failure{
			Kind:    KindLoad,
			Message: fmt.Sprintf("forbidden imports %v (only standard library packages, excluding %v)", forbidden, DeniedImports),
		}
	}

	found := false
	renamed := false
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv != nil {
				continue
			}
			switch d.Name.Name {
			case entry:
				found = true
			case "main":
				d.Name.Name = "routineMain"
				renamed = true
			}
		case *ast.GenDecl:
			// var Run = func() (any, error) { ... }
			if d.Tok != token.VAR {
				continue
			}
			for _, spec := range d.Specs {
				for _, name := range spec.(*ast.ValueSpec).Names {
					if name.Name == entry {
						found = true
					}
				}
			}
		}
	}
	if !found {
		return "", &Failure{Kind: KindEntryNotFound, Message: fmt.Sprintf("no top-level func or var %s", entry)}
	}
	if !renamed {
		return source, nil
	}

	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return "", &Failure{Kind: KindLoad, Message: fmt.Sprintf("printing routine: %v", err)}
	}
	return buf.String(), nil
}

// runLocal loads and invokes a routine in this process. Only the runner
// process calls it.
func (u *Unit) runLocal(source, entry string) (json.RawMessage, error) {
	prepared, err := u.prepare(source, entry)
	if err != nil {
		return nil, err
	}

	var out limitedBuffer
	i := interp.New(interp.Options{Stdout: &out, Stderr: &out})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, &Failure{Kind: KindLoad, Message: fmt.Sprintf("loading stdlib symbols: %v", err)}
	}

	fn, err := load(i, prepared, entry)
	if err == nil {
		var value json.RawMessage
		value, err = invoke(fn)
		if err == nil {
			return value, nil
		}
	}
	var f *Failure
	if errors.As(err, &f) {
		f.Output = out.String()
	}
	return nil, err
}

func load(i *interp.Interpreter, source, entry string) (fn reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Failure{Kind: KindLoad, Message: fmt.Sprint(r), Trace: string(debug.Stack())}
		}
	}()

	if _, err := i.Eval(source); err != nil {
		return reflect.Value{}, &Failure{Kind: KindLoad, Message: err.Error()}
	}

	v, err := i.Eval("main." + entry)
	if err != nil {
		return reflect.Value{}, &Failure{Kind: KindEntryNotFound, Message: err.Error()}
	}
	if err := checkSignature(v, entry); err != nil {
		return reflect.Value{}, err
	}
	return v, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func checkSignature(v reflect.Value, entry string) error {
	if !v.IsValid() || v.Kind() != reflect.Func {
		return &Failure{Kind: KindEntryNotFound, Message: fmt.Sprintf("%s is not a function", entry)}
	}
	t := v.Type()
	switch {
	case t.NumIn() != 0:
		return &Failure{Kind: KindSignature, Message: fmt.Sprintf("%s must take no arguments, has %d", entry, t.NumIn())}
	case t.NumOut() == 1:
		return nil
	case t.NumOut() == 2 && t.Out(1).Implements(errorType):
		return nil
	default:
		return &Failure{Kind: KindSignature, Message: fmt.Sprintf("%s must return (T) or (T, error), has %s", entry, t)}
	}
}

func invoke(fn reflect.Value) (value json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &Failure{Kind: KindPanic, Message: fmt.Sprint(r), Trace: string(debug.Stack())}
		}
	}()

	outs := fn.Call(nil)
	if len(outs) == 2 && !outs[1].IsNil() {
		rerr := outs[1].Interface().(error)
		return nil, &Failure{Kind: KindError, Message: rerr.Error()}
	}
	if !outs[0].IsValid() {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(outs[0].Interface())
	if err != nil {
		return nil, &Failure{Kind: KindResult, Message: fmt.Sprintf("result is not serializable: %v", err)}
	}
	return data, nil
}

// decodeValue turns the routine's JSON result into plain Go values, so
// callers never hold types that belong to the interpreter. Integers that fit
// stay int64.
func decodeValue(data json.RawMessage) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return numbers(v), nil
}

func numbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = numbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = numbers(e)
		}
		return x
	default:
		return v
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// limitedBuffer keeps the first maxOutput bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := maxOutput - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
