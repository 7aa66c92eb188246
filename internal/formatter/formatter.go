// Package formatter renders extraction outcomes for output.
package formatter

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Content is something that can be rendered in every output format.
type Content interface {
	ToJSON() ([]byte, error)
	ToYAML() ([]byte, error)
	ToMarkdown() (string, error)
	ToText() (string, error)
	ToCSV() (string, error)
}

// Formats lists the accepted format names.
var Formats = []string{"json", "yaml", "markdown", "text", "csv"}

// Valid reports whether format is one of Formats.
func Valid(format string) bool {
	for _, f := range Formats {
		if f == format {
			return true
		}
	}
	return false
}

// Format renders content in format.
func Format(content Content, format string) (string, error) {
	switch strings.ToLower(format) {
	case "json":
		b, err := content.ToJSON()
		if err != nil {
			return "", err
		}
		return string(b), nil
	case "yaml", "yml":
		b, err := content.ToYAML()
		if err != nil {
			return "", err
		}
		return string(b), nil
	case "markdown", "md":
		return content.ToMarkdown()
	case "text":
		return content.ToText()
	case "csv":
		return content.ToCSV()
	default:
		return "", fmt.Errorf("unsupported output format: %s", format)
	}
}

// InferFormat infers the output format from a file extension. It returns ""
// for unknown extensions.
func InferFormat(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return "markdown"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".txt":
		return "text"
	case ".csv":
		return "csv"
	default:
		return ""
	}
}
