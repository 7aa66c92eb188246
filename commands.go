package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"autoscrape/internal/classifier"
	"autoscrape/internal/formatter"
	"autoscrape/internal/routine"
	"autoscrape/internal/server"
	"autoscrape/internal/store"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify URL",
		Short: "Fetch a page and explain whether it is static or dynamic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, report := a.pages.Snapshot(cmd.Context(), normalizeURL(args[0]))
			text, err := renderReport(snap, report, outputFormat)
			if err != nil {
				return err
			}
			return emit(text)
		},
	}
}

type classification struct {
	URL   string                  `json:"url" yaml:"url"`
	Class classifier.Class        `json:"class" yaml:"class"`
	Score int                     `json:"score" yaml:"score"`
	Via   classifier.Via          `json:"via" yaml:"via"`
	Bytes int                     `json:"bytes" yaml:"bytes"`
	Rules []classifier.RuleResult `json:"rules" yaml:"rules"`
}

func renderReport(snap classifier.Snapshot, report classifier.Report, format string) (string, error) {
	c := classification{
		URL:   snap.URL,
		Class: report.Class,
		Score: report.Score,
		Via:   snap.Via,
		Bytes: len(snap.HTML),
		Rules: report.Rules,
	}
	switch format {
	case "json":
		b, err := json.MarshalIndent(c, "", "  ")
		return string(b), err
	case "yaml":
		b, err := yaml.Marshal(c)
		return string(b), err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (score %d, threshold %d, fetched via %s)\n\n", c.URL, c.Class, c.Score, classifier.DynamicThreshold, c.Via)
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	for _, r := range c.Rules {
		mark := " "
		if r.Matched {
			mark = "x"
		}
		fmt.Fprintf(w, "[%s]\t%s\t+%d\t%s\n", mark, r.Rule, r.Points, r.Reason)
	}
	w.Flush()
	return b.String(), nil
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show URL INTENT...",
		Short: "Print the fingerprint and cached routine for a request",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			cfg.Fetch.Render = false
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			req := routine.Request{URL: normalizeURL(args[0]), Intent: strings.Join(args[1:], " ")}
			fp := req.Fingerprint()
			art, ok, err := a.cache.Lookup(cmd.Context(), fp)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "fingerprint: %s\n", fp)
			if fs, ok := a.store.(*store.FileStore); ok {
				fmt.Fprintf(os.Stderr, "store: %s\n", fs.Dir())
			}
			if !ok {
				return fmt.Errorf("no routine cached for this request")
			}
			return emit(art.Source)
		},
	}
}

type batchFile struct {
	Parallel int               `yaml:"parallel"`
	Requests []routine.Request `yaml:"requests"`
}

type batchResult struct {
	URL        string                `json:"url" yaml:"url"`
	Intent     string                `json:"intent" yaml:"intent"`
	Error      string                `json:"error,omitempty" yaml:"error,omitempty"`
	Extraction *formatter.Extraction `json:"extraction,omitempty" yaml:"extraction,omitempty"`
}

func batchCmd() *cobra.Command {
	var parallel int
	cmd := &cobra.Command{
		Use:   "batch FILE.yaml",
		Short: "Run every request listed in a YAML file",
		Long: `Runs many requests with bounded parallelism. The file lists requests:

  parallel: 4
  requests:
    - url: https://example.com/news
      intent: headlines
    - url: https://example.com/prices
      intent: product names and prices

A failed request does not stop the others.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := resolveFormat(cmd)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read batch file: %w", err)
			}
			var file batchFile
			if err := yaml.Unmarshal(data, &file); err != nil {
				return fmt.Errorf("failed to parse batch file: %w", err)
			}
			if cmd.Flags().Changed("parallel") || file.Parallel <= 0 {
				file.Parallel = parallel
			}

			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			results := make([]batchResult, len(file.Requests))
			var g errgroup.Group
			g.SetLimit(file.Parallel)
			for i, req := range file.Requests {
				req.URL = normalizeURL(req.URL)
				results[i] = batchResult{URL: req.URL, Intent: req.Intent}
				g.Go(func() error {
					out, err := a.ctl.Obtain(cmd.Context(), req)
					if err != nil {
						results[i].Error = err.Error()
						return nil
					}
					results[i].Extraction = formatter.NewExtraction(out)
					results[i].Error = results[i].Extraction.Error
					return nil
				})
			}
			_ = g.Wait()

			text, err := renderBatch(results, format)
			if err != nil {
				return err
			}
			if err := emit(text); err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Error != "" {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d requests failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&parallel, "parallel", 4, "Requests run at once")
	return cmd
}

func renderBatch(results []batchResult, format string) (string, error) {
	switch format {
	case "json":
		b, err := json.MarshalIndent(results, "", "  ")
		return string(b), err
	case "yaml":
		b, err := yaml.Marshal(results)
		return string(b), err
	}

	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Extraction == nil {
			parts = append(parts, fmt.Sprintf("%s (%s)\nerror: %s", r.URL, r.Intent, r.Error))
			continue
		}
		text, err := formatter.Format(r.Extraction, format)
		if err != nil {
			text = "error: " + err.Error()
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n---\n\n"), nil
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the extraction pipeline over HTTP",
		Long: `Endpoints:
  POST /v1/extractions          {"url": "...", "intent": "...", "regenerate": false}
  GET  /v1/routines/{fingerprint}
  GET  /healthz`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			a, err := newApp(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(server.Options{
				Addr:        cfg.Server.Addr,
				Concurrency: cfg.Server.Concurrency,
				Logger:      a.log,
			}, a.ctl, a.cache)
			fmt.Fprintf(os.Stderr, "Serving on %s\n", srv.Addr())
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}
