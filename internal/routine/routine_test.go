package routine

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_Deterministic(t *testing.T) {
	fp := Fingerprint("https://example.com", "list all product names")
	assert.Len(t, fp, 64)
	for i := 0; i < 10; i++ {
		assert.Equal(t, fp, Fingerprint("https://example.com", "list all product names"))
	}

	req := Request{URL: "https://example.com", Intent: "list all product names"}
	assert.Equal(t, fp, req.Fingerprint())
}

func TestFingerprint_KnownDigest(t *testing.T) {
	// sha256("ab")
	assert.Equal(t,
		"fb8e20fc2e4c3f248c60c39bd652f3c1347298bb977b8b4d5903b85055620603",
		Fingerprint("a", "b"))
}

func TestFingerprint_DistinctOverSample(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	seen := make(map[string]string, 20000)

	for i := 0; i < 20000; i++ {
		url := fmt.Sprintf("https://site-%d.example/%d", rng.Intn(500), i)
		intent := fmt.Sprintf("extract field %d", rng.Int63())
		key := url + "\x00" + intent

		fp := Fingerprint(url, intent)
		if prev, ok := seen[fp]; ok && prev != key {
			t.Fatalf("collision between %q and %q", prev, key)
		}
		seen[fp] = key
	}
}

func TestFingerprint_RawConcatenation(t *testing.T) {
	// The digest covers raw bytes, so splitting the same bytes differently
	// produces the same key.
	assert.Equal(t, Fingerprint("https://a.com/x", "y"), Fingerprint("https://a.com/", "xy"))
	assert.NotEqual(t, Fingerprint("https://a.com", "x"), Fingerprint("https://a.com", "y"))
}

func TestWithProvenance_RoundTrip(t *testing.T) {
	req := Request{URL: "https://example.com/news", Intent: "headlines\nand their links"}
	src := "package main\n\nfunc Run() (any, error) { return \"ok\", nil }\n"

	art := WithProvenance(req, src)

	assert.Contains(t, art.Source, "// Target URL: https://example.com/news\n")
	assert.Contains(t, art.Source, "// Intent: headlines\n// Intent: and their links\n")
	assert.Contains(t, art.Source, src)

	got, ok := art.Provenance()
	require.True(t, ok)
	assert.Equal(t, req, got)
}

func TestProvenance_Missing(t *testing.T) {
	_, ok := Artifact{Source: "package main\n"}.Provenance()
	assert.False(t, ok)
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "package main\n", "package main\n"},
		{"go fence", "```go\npackage main\nfunc Run() {}\n```", "package main\nfunc Run() {}\n"},
		{"bare fence with prose", "Here you go:\n```\npackage main\n```\nEnjoy", "package main\n"},
		{"whitespace", "\n\n  package main  \n\n", "package main\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}
