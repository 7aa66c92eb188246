package formatter

import (
	"encoding/csv"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
)

// table is a header plus rows of cells, taken either from an HTML <table>
// or from a list of records.
type table struct {
	Header []string
	Rows   [][]string
}

// htmlTables extracts every <table> in htmlContent. The header comes from
// thead when present, otherwise from the first row.
func htmlTables(htmlContent string) []table {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil
	}

	var tables []table
	doc.Find("table").Each(func(_ int, sel *goquery.Selection) {
		headerRow := sel.Find("thead tr").First()
		dataRows := sel.Find("tbody tr")
		if headerRow.Length() == 0 {
			headerRow = sel.Find("tr").First()
			dataRows = sel.Find("tr").Slice(1, goquery.ToEnd)
		}

		t := table{Header: cells(headerRow)}
		if len(t.Header) == 0 {
			return
		}
		dataRows.Each(func(_ int, row *goquery.Selection) {
			if c := cells(row); len(c) > 0 {
				t.Rows = append(t.Rows, c)
			}
		})
		tables = append(tables, t)
	})
	return tables
}

func cells(row *goquery.Selection) []string {
	var out []string
	row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
		out = append(out, strings.TrimSpace(cell.Text()))
	})
	return out
}

func (t table) markdown() string {
	var b strings.Builder
	writeRow := func(row []string) {
		b.WriteString("|")
		for _, c := range row {
			b.WriteString(" ")
			b.WriteString(strings.ReplaceAll(c, "|", `\|`))
			b.WriteString(" |")
		}
		b.WriteString("\n")
	}
	writeRow(t.Header)
	sep := make([]string, len(t.Header))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(sep)
	for _, r := range t.Rows {
		writeRow(r)
	}
	return b.String()
}

func (t table) csv() string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write(t.Header)
	for _, r := range t.Rows {
		_ = w.Write(r)
	}
	w.Flush()
	return b.String()
}

// htmlToMarkdown converts an HTML fragment, rendering tables as GitHub
// flavored tables.
func htmlToMarkdown(htmlContent string) (string, error) {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return converter.ConvertString(htmlContent)
}

// looksLikeHTML reports whether s is markup rather than plain text.
func looksLikeHTML(s string) bool {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "<") || !strings.HasSuffix(t, ">") {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(t))
	if err != nil {
		return false
	}
	return doc.Find("body *").Length() > 0
}
