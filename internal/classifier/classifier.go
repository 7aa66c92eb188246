// Package classifier decides whether a fetched page needs a browser render
// pass or can be scraped from the plain HTTP response.
//
// The decision is a weighted score over independent heuristics. Every rule is
// evaluated on its own and reported in a Report, so a classification can be
// explained rule by rule.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Class is the label assigned to a page.
type Class string

const (
	Static  Class = "static"
	Dynamic Class = "dynamic"
)

// Via records which fetch path produced a snapshot.
type Via string

const (
	ViaHTTP    Via = "http"
	ViaBrowser Via = "browser"
)

// Snapshot is a fetched page. An empty HTML means the fetch failed.
type Snapshot struct {
	URL   string
	HTML  string
	Via   Via
	Class Class
}

// DynamicThreshold is the minimum score labelled Dynamic.
const DynamicThreshold = 3

const (
	shortHTMLBytes   = 5000
	fewContentTags   = 10
	contentSelectors = "p, h1, h2, h3, li, table, article, section"
	spaMountSelector = "div#root, div#app"
)

var (
	ajaxPattern      = regexp.MustCompile(`fetch|XMLHttpRequest|axios|\.then\(|/api/|\.json`)
	frameworkPattern = regexp.MustCompile(`(?i)window\.__NEXT_DATA__|__react|__vue__|data-reactroot|ng-version|window\.__NUXT__`)
)

// page is the parsed form shared by all rules.
type page struct {
	html string
	doc  *goquery.Document
}

// Rule is a single scoring heuristic.
type Rule struct {
	Name   string
	Points int
	check  func(p *page) (bool, string)
}

// RuleResult is the outcome of one rule against one snapshot.
type RuleResult struct {
	Rule    string `json:"rule"`
	Matched bool   `json:"matched"`
	Points  int    `json:"points"`
	Reason  string `json:"reason"`
}

// Report is the full explanation of a classification.
type Report struct {
	Class  Class        `json:"class"`
	Score  int          `json:"score"`
	Rules  []RuleResult `json:"rules"`
	Reason string       `json:"reason,omitempty"`
}

// Rules returns the heuristics in evaluation order.
func Rules() []Rule {
	return []Rule{
		{Name: "short-html", Points: 1, check: shortHTML},
		{Name: "few-content-tags", Points: 1, check: fewContent},
		{Name: "ajax-script", Points: 2, check: ajaxScripts},
		{Name: "js-framework", Points: 2, check: framework},
		{Name: "spa-mount", Points: 1, check: spaMount},
	}
}

// Classify labels a snapshot.
func Classify(s Snapshot) Class {
	return Explain(s).Class
}

// Explain runs every rule against the snapshot and totals the score.
// A snapshot without HTML is Dynamic without scoring.
func Explain(s Snapshot) Report {
	if s.HTML == "" {
		return Report{Class: Dynamic, Reason: "no HTML could be fetched; treating page as dynamic"}
	}

	p := parse(s.HTML)
	report := Report{Rules: make([]RuleResult, 0, 5)}
	for _, r := range Rules() {
		res := r.evaluate(p)
		report.Rules = append(report.Rules, res)
		report.Score += res.Points
	}

	report.Class = Static
	if report.Score >= DynamicThreshold {
		report.Class = Dynamic
	}
	report.Reason = fmt.Sprintf("score %d (>=%d is dynamic)", report.Score, DynamicThreshold)
	return report
}

// Evaluate runs a single rule against raw HTML.
func (r Rule) Evaluate(html string) RuleResult {
	return r.evaluate(parse(html))
}

func (r Rule) evaluate(p *page) RuleResult {
	ok, reason := r.check(p)
	res := RuleResult{Rule: r.Name, Matched: ok, Reason: reason}
	if ok {
		res.Points = r.Points
	}
	return res
}

func parse(html string) *page {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// only reader errors fail here; byte-level rules still apply
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader(""))
	}
	return &page{html: html, doc: doc}
}

func shortHTML(p *page) (bool, string) {
	n := len(p.html)
	if n < shortHTMLBytes {
		return true, fmt.Sprintf("short HTML (%d bytes < %d)", n, shortHTMLBytes)
	}
	return false, fmt.Sprintf("long HTML (%d bytes)", n)
}

func fewContent(p *page) (bool, string) {
	n := p.doc.Find(contentSelectors).Length()
	if n < fewContentTags {
		return true, fmt.Sprintf("few content elements (%d)", n)
	}
	return false, fmt.Sprintf("many content elements (%d)", n)
}

func ajaxScripts(p *page) (bool, string) {
	count := 0
	p.doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		html, err := goquery.OuterHtml(s)
		if err != nil {
			return
		}
		if ajaxPattern.MatchString(html) {
			count++
		}
	})
	if count > 0 {
		return true, fmt.Sprintf("scripts with AJAX/fetch calls (%d)", count)
	}
	return false, "no AJAX/fetch scripts"
}

func framework(p *page) (bool, string) {
	if m := frameworkPattern.FindString(p.html); m != "" {
		return true, fmt.Sprintf("client-side framework marker %q", m)
	}
	return false, "no client-side framework marker"
}

func spaMount(p *page) (bool, string) {
	if sel := p.doc.Find(spaMountSelector).First(); sel.Length() > 0 {
		id, _ := sel.Attr("id")
		return true, fmt.Sprintf("SPA mount point <div id=%q>", id)
	}
	return false, "no SPA mount point"
}
