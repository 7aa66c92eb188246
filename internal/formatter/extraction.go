package formatter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"autoscrape/internal/pipeline"

	"gopkg.in/yaml.v3"
)

// Extraction is the rendered form of a pipeline outcome.
type Extraction struct {
	RequestID   string `json:"request_id" yaml:"request_id"`
	URL         string `json:"url" yaml:"url"`
	Intent      string `json:"intent" yaml:"intent"`
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
	Source      string `json:"source" yaml:"source"`
	Class       string `json:"class,omitempty" yaml:"class,omitempty"`
	Attempts    int    `json:"attempts" yaml:"attempts"`
	Result      any    `json:"result,omitempty" yaml:"result,omitempty"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

func NewExtraction(out pipeline.Outcome) *Extraction {
	e := &Extraction{
		RequestID:   out.RequestID,
		URL:         out.URL,
		Intent:      out.Intent,
		Fingerprint: out.Fingerprint,
		Source:      string(out.Source),
		Class:       string(out.Class),
		Attempts:    out.Attempts,
		Result:      out.Result,
	}
	if out.Err != nil {
		e.Error = out.Err.Error()
	}
	return e
}

func (e *Extraction) ToJSON() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

func (e *Extraction) ToYAML() ([]byte, error) {
	return yaml.Marshal(e)
}

// ToMarkdown renders a heading, the request metadata and the result.
// Lists of records become tables; HTML text is converted.
func (e *Extraction) ToMarkdown() (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", firstLine(e.Intent))
	fmt.Fprintf(&b, "- URL: %s\n", e.URL)
	fmt.Fprintf(&b, "- Source: %s (fingerprint `%s`)\n", e.Source, e.Fingerprint)
	if e.Attempts > 0 {
		fmt.Fprintf(&b, "- Attempts: %d\n", e.Attempts)
	}
	b.WriteString("\n")

	if e.Error != "" {
		fmt.Fprintf(&b, "**Error:** %s\n", e.Error)
		return b.String(), nil
	}

	body, err := markdownValue(e.Result, 2)
	if err != nil {
		return "", err
	}
	b.WriteString(body)
	return b.String(), nil
}

func markdownValue(v any, depth int) (string, error) {
	switch x := v.(type) {
	case string:
		if looksLikeHTML(x) {
			md, err := htmlToMarkdown(x)
			if err != nil {
				return "", fmt.Errorf("failed to convert HTML to Markdown: %w", err)
			}
			return md + "\n", nil
		}
		return x + "\n", nil
	case []any:
		if t, ok := recordTable(x); ok {
			return t.markdown(), nil
		}
		var b strings.Builder
		for _, item := range x {
			fmt.Fprintf(&b, "- %s\n", scalar(item))
		}
		return b.String(), nil
	case map[string]any:
		var b strings.Builder
		var nested []string
		for _, k := range sortedKeys(x) {
			switch x[k].(type) {
			case map[string]any, []any:
				nested = append(nested, k)
			default:
				fmt.Fprintf(&b, "- **%s**: %s\n", k, scalar(x[k]))
			}
		}
		for _, k := range nested {
			fmt.Fprintf(&b, "\n%s %s\n\n", strings.Repeat("#", min(depth, 6)), k)
			s, err := markdownValue(x[k], depth+1)
			if err != nil {
				return "", err
			}
			b.WriteString(s)
		}
		return b.String(), nil
	case nil:
		return "", nil
	default:
		return scalar(x) + "\n", nil
	}
}

func (e *Extraction) ToText() (string, error) {
	if e.Error != "" {
		return "error: " + e.Error, nil
	}
	switch x := e.Result.(type) {
	case string:
		if looksLikeHTML(x) {
			text, err := htmlToMarkdown(x)
			if err != nil {
				return "", fmt.Errorf("failed to convert HTML to text: %w", err)
			}
			return text, nil
		}
		return x, nil
	case []any:
		lines := make([]string, 0, len(x))
		for _, item := range x {
			lines = append(lines, scalar(item))
		}
		return strings.Join(lines, "\n"), nil
	case map[string]any:
		lines := make([]string, 0, len(x))
		for _, k := range sortedKeys(x) {
			lines = append(lines, fmt.Sprintf("%s: %s", k, scalar(x[k])))
		}
		return strings.Join(lines, "\n"), nil
	default:
		return scalar(x), nil
	}
}

// ToCSV renders lists of records as rows under the union of their keys,
// mappings as key/value rows and HTML text by its tables.
func (e *Extraction) ToCSV() (string, error) {
	if e.Error != "" {
		return "", fmt.Errorf("no result to export: %s", e.Error)
	}
	switch x := e.Result.(type) {
	case []any:
		if t, ok := recordTable(x); ok {
			return t.csv(), nil
		}
		t := table{Header: []string{"value"}}
		for _, item := range x {
			t.Rows = append(t.Rows, []string{scalar(item)})
		}
		return t.csv(), nil
	case map[string]any:
		t := table{Header: []string{"key", "value"}}
		for _, k := range sortedKeys(x) {
			t.Rows = append(t.Rows, []string{k, scalar(x[k])})
		}
		return t.csv(), nil
	case string:
		if tables := htmlTables(x); len(tables) > 0 {
			var b strings.Builder
			for i, t := range tables {
				if i > 0 {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "# Table %d\n", i+1)
				b.WriteString(t.csv())
			}
			return b.String(), nil
		}
		return table{Header: []string{"value"}, Rows: [][]string{{x}}}.csv(), nil
	default:
		return table{Header: []string{"value"}, Rows: [][]string{{scalar(x)}}}.csv(), nil
	}
}

func recordTable(items []any) (table, bool) {
	if len(items) == 0 {
		return table{}, false
	}
	keys := map[string]bool{}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return table{}, false
		}
		for k := range m {
			keys[k] = true
		}
	}

	t := table{Header: make([]string, 0, len(keys))}
	for k := range keys {
		t.Header = append(t.Header, k)
	}
	sort.Strings(t.Header)
	for _, item := range items {
		m := item.(map[string]any)
		row := make([]string, len(t.Header))
		for i, k := range t.Header {
			if v, ok := m[k]; ok {
				row[i] = scalar(v)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, true
}

// scalar renders a value on one line; composite values become compact JSON.
func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return fmt.Sprintf("%v", x)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
