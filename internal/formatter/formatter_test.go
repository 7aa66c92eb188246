package formatter

import (
	"encoding/json"
	"strings"
	"testing"

	"autoscrape/internal/classifier"
	"autoscrape/internal/pipeline"
	"autoscrape/internal/runner"
	"autoscrape/internal/sandbox"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func outcome(result any) pipeline.Outcome {
	return pipeline.Outcome{
		RequestID:   "req-1",
		URL:         "https://example.com/products",
		Intent:      "product names and prices",
		Fingerprint: "abc123",
		Source:      pipeline.SourceSynthesized,
		Class:       classifier.Static,
		Attempts:    2,
		Result:      result,
	}
}

var products = []any{
	map[string]any{"name": "Lamp", "price": 19.5},
	map[string]any{"name": "Desk", "price": 120.0, "stock": true},
}

func TestFormat_JSON(t *testing.T) {
	got, err := Format(NewExtraction(outcome(products)), "json")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &decoded))
	assert.Equal(t, "abc123", decoded["fingerprint"])
	assert.Equal(t, "synthesized", decoded["source"])
	assert.Len(t, decoded["result"], 2)
	assert.NotContains(t, decoded, "error")
}

func TestFormat_YAML(t *testing.T) {
	got, err := Format(NewExtraction(outcome(map[string]any{"title": "Hello"})), "yaml")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(got), &decoded))
	assert.Equal(t, "static", decoded["class"])
	assert.Equal(t, map[string]any{"title": "Hello"}, decoded["result"])
}

func TestFormat_MarkdownRecordsBecomeTable(t *testing.T) {
	got, err := Format(NewExtraction(outcome(products)), "markdown")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(got, "# product names and prices\n"))
	assert.Contains(t, got, "| name | price | stock |")
	assert.Contains(t, got, "| --- | --- | --- |")
	assert.Contains(t, got, "| Lamp | 19.5 |  |")
	assert.Contains(t, got, "| Desk | 120 | true |")
}

func TestFormat_MarkdownNestedMap(t *testing.T) {
	got, err := Format(NewExtraction(outcome(map[string]any{
		"title": "Front page",
		"links": []any{"a", "b"},
	})), "markdown")
	require.NoError(t, err)

	assert.Contains(t, got, "- **title**: Front page")
	assert.Contains(t, got, "## links")
	assert.Contains(t, got, "- a\n- b\n")
}

func TestFormat_MarkdownConvertsHTML(t *testing.T) {
	got, err := Format(NewExtraction(outcome("<div><h1>Hi</h1><p>there</p></div>")), "markdown")
	require.NoError(t, err)
	assert.Contains(t, got, "# Hi")
	assert.Contains(t, got, "there")
	assert.NotContains(t, got, "<h1>")
}

func TestFormat_Text(t *testing.T) {
	got, err := Format(NewExtraction(outcome(map[string]any{"b": 2.0, "a": "x"})), "text")
	require.NoError(t, err)
	assert.Equal(t, "a: x\nb: 2", got)

	got, err = Format(NewExtraction(outcome([]any{"one", map[string]any{"k": "v"}})), "text")
	require.NoError(t, err)
	assert.Equal(t, "one\n{\"k\":\"v\"}", got)

	got, err = Format(NewExtraction(outcome("plain words")), "text")
	require.NoError(t, err)
	assert.Equal(t, "plain words", got)
}

func TestFormat_CSV(t *testing.T) {
	got, err := Format(NewExtraction(outcome(products)), "csv")
	require.NoError(t, err)
	assert.Equal(t, "name,price,stock\nLamp,19.5,\nDesk,120,true\n", got)

	got, err = Format(NewExtraction(outcome([]any{"x", "y"})), "csv")
	require.NoError(t, err)
	assert.Equal(t, "value\nx\ny\n", got)

	got, err = Format(NewExtraction(outcome(map[string]any{"k": "v, w"})), "csv")
	require.NoError(t, err)
	assert.Equal(t, "key,value\nk,\"v, w\"\n", got)
}

func TestFormat_CSVFromHTMLTables(t *testing.T) {
	page := `<table><thead><tr><th>Year</th><th>Revenue</th></tr></thead>` +
		`<tbody><tr><td>2023</td><td>10</td></tr><tr><td>2024</td><td>12</td></tr></tbody></table>`

	got, err := Format(NewExtraction(outcome(page)), "csv")
	require.NoError(t, err)
	assert.Equal(t, "# Table 1\nYear,Revenue\n2023,10\n2024,12\n", got)
}

func TestFormat_ExecutionFailure(t *testing.T) {
	out := outcome(nil)
	out.Err = &runner.ExecutionError{Failure: &sandbox.Failure{Kind: sandbox.KindError, Message: "upstream 503"}}
	e := NewExtraction(out)

	got, err := Format(e, "json")
	require.NoError(t, err)
	assert.Contains(t, got, "upstream 503")

	got, err = Format(e, "text")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "error: "))

	_, err = Format(e, "csv")
	assert.Error(t, err)
}

func TestFormat_Unknown(t *testing.T) {
	_, err := Format(NewExtraction(outcome("x")), "pdf")
	assert.Error(t, err)
	assert.False(t, Valid("pdf"))
	assert.True(t, Valid("yaml"))
}

func TestInferFormat(t *testing.T) {
	tests := map[string]string{
		"out.md":       "markdown",
		"OUT.JSON":     "json",
		"data.yml":     "yaml",
		"notes.txt":    "text",
		"report.csv":   "csv",
		"page.html":    "",
		"no-extension": "",
	}
	for name, want := range tests {
		assert.Equal(t, want, InferFormat(name), name)
	}
}

func TestLooksLikeHTML(t *testing.T) {
	assert.True(t, looksLikeHTML("<ul><li>a</li></ul>"))
	assert.False(t, looksLikeHTML("a < b and c > d"))
	assert.False(t, looksLikeHTML("plain"))
}
