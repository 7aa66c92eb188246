package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// RunnerArg is the first argument that starts a binary as a routine runner.
const RunnerArg = "sandbox-run"

type request struct {
	Source string `json:"source"`
	Entry  string `json:"entry"`
}

type response struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// Serve is the runner side of Run: it reads one request from r, runs the
// routine and writes a single response line to w.
func Serve(r io.Reader, w io.Writer) error {
	var req request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("reading routine request: %w", err)
	}

	var resp response
	value, err := New(Options{}).runLocal(req.Source, req.Entry)
	if err != nil {
		var f *Failure
		if !errors.As(err, &f) {
			f = &Failure{Kind: KindLoad, Message: err.Error()}
		}
		resp.Failure = f
	} else {
		resp.Value = value
	}

	// A leading newline keeps the response on its own line even if the
	// routine wrote to the process stdout directly.
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(resp)
}

// ServeIfRunner turns the process into a routine runner when it was started
// with RunnerArg, and exits. Test binaries that run routines call it first in
// TestMain.
func ServeIfRunner() {
	if len(os.Args) < 2 || os.Args[1] != RunnerArg {
		return
	}
	if err := Serve(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(0)
}

// decodeResponse reads the last line the runner wrote.
func decodeResponse(out []byte) (response, error) {
	out = bytes.TrimRight(out, "\n")
	if i := bytes.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	var resp response
	if len(out) == 0 {
		return resp, errors.New("no response from routine runner")
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return resp, fmt.Errorf("bad response from routine runner: %w", err)
	}
	return resp, nil
}
