// Package routine holds the extraction request, its cache fingerprint and the
// synthesized routine artifact.
package routine

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Request is a single extraction request. It is never persisted.
type Request struct {
	URL    string `json:"url" yaml:"url" validate:"required,url"`
	Intent string `json:"intent" yaml:"intent" validate:"required"`
}

// Fingerprint returns the routine cache key for the request.
func (r Request) Fingerprint() string {
	return Fingerprint(r.URL, r.Intent)
}

// Fingerprint hashes the raw concatenation url+intent with SHA-256 and returns
// the lowercase hex digest.
func Fingerprint(url, intent string) string {
	sum := sha256.Sum256([]byte(url + intent))
	return hex.EncodeToString(sum[:])
}

// Artifact is the source text of a synthesized routine.
type Artifact struct {
	Source string
}

// Header prefixes
const (
	headerURL    = "// Target URL: "
	headerIntent = "// Intent: "
)

// WithProvenance prepends the originating request to the generated source as
// Go line comments, so the artifact records what it was synthesized for.
func WithProvenance(req Request, source string) Artifact {
	var b strings.Builder
	b.WriteString(headerURL)
	b.WriteString(oneLine(req.URL))
	b.WriteString("\n")
	for _, line := range strings.Split(req.Intent, "\n") {
		b.WriteString(headerIntent)
		b.WriteString(strings.TrimRight(line, "\r"))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(source)
	if !strings.HasSuffix(source, "\n") {
		b.WriteString("\n")
	}
	return Artifact{Source: b.String()}
}

// Provenance reads the header written by WithProvenance back out of an
// artifact. ok is false when the artifact carries no header.
func (a Artifact) Provenance() (req Request, ok bool) {
	var intent []string
	for _, line := range strings.Split(a.Source, "\n") {
		switch {
		case strings.HasPrefix(line, headerURL):
			req.URL = strings.TrimPrefix(line, headerURL)
			ok = true
		case strings.HasPrefix(line, headerIntent):
			intent = append(intent, strings.TrimPrefix(line, headerIntent))
		case strings.TrimSpace(line) == "":
			if ok {
				req.Intent = strings.Join(intent, "\n")
				return req, ok
			}
		default:
			req.Intent = strings.Join(intent, "\n")
			return req, ok
		}
	}
	req.Intent = strings.Join(intent, "\n")
	return req, ok
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

var fence = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*\n(.*?)```")

// StripFences unwraps code that a model returned inside a Markdown fence.
// Text without a fence is returned trimmed.
func StripFences(text string) string {
	if m := fence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]) + "\n"
	}
	return strings.TrimSpace(text) + "\n"
}
