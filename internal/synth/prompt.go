package synth

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"autoscrape/internal/classifier"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// DefaultMaxHTMLBytes caps the page excerpt sent with an instruction.
const DefaultMaxHTMLBytes = 60000

// Prompt is everything that goes into one synthesis instruction.
type Prompt struct {
	Intent   string
	Class    classifier.Class
	Feedback []string // failure details of earlier attempts, oldest first
	HTML     string
	MaxHTML  int
}

// Hint describes how the routine should get at the data for a page class.
func Hint(c classifier.Class) string {
	if c == classifier.Dynamic {
		return "The page is rendered client-side by JavaScript, so the data is usually not in the " +
			"initial HTML. Find the JSON/API endpoints the page calls (or state embedded in <script> tags, " +
			"such as __NEXT_DATA__) and request them directly with net/http."
	}
	return "The page is static: the data is present in the HTML returned by a plain GET request. " +
		"Fetch it with net/http and parse the markup."
}

// Build renders the instruction text. Each earlier failure is appended
// verbatim so the generator sees the whole history of the request.
func (p Prompt) Build() string {
	var b strings.Builder
	b.WriteString("Generate scraping code for:\n")
	b.WriteString(p.Intent)
	b.WriteString("\n\n")
	b.WriteString(Hint(p.Class))
	b.WriteString("\n")

	for i, fb := range p.Feedback {
		fmt.Fprintf(&b, "\nAttempt %d failed validation:\n%s\n", i+1, fb)
	}
	if len(p.Feedback) > 0 {
		b.WriteString("\nFix these problems in the new code.\n")
	}

	if excerpt := PrunePage(p.HTML, p.MaxHTML); excerpt != "" {
		b.WriteString("\nhtml:\n")
		b.WriteString(excerpt)
		b.WriteString("\n")
	}
	return b.String()
}

// PrunePage drops markup that does not help locate data (styles, inline SVG,
// noscript fallbacks, comments) and truncates the result to max bytes.
// Scripts are kept because they reveal API endpoints and embedded state.
func PrunePage(page string, max int) string {
	if page == "" {
		return ""
	}
	if max <= 0 {
		max = DefaultMaxHTMLBytes
	}

	out := page
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(page)); err == nil {
		doc.Find("style, svg, noscript, link[rel=stylesheet]").Remove()
		removeComments(doc.Selection)
		if h, err := doc.Html(); err == nil {
			out = h
		}
	}

	if len(out) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "\n<!-- truncated -->"
	}
	return out
}

func removeComments(s *goquery.Selection) {
	for _, n := range s.Nodes {
		var walk func(*html.Node)
		walk = func(n *html.Node) {
			for c := n.FirstChild; c != nil; {
				next := c.NextSibling
				if c.Type == html.CommentNode {
					n.RemoveChild(c)
				} else {
					walk(c)
				}
				c = next
			}
		}
		walk(n)
	}
}
