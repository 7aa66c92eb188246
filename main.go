package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"autoscrape/internal/config"
	"autoscrape/internal/formatter"
	"autoscrape/internal/pipeline"
	"autoscrape/internal/routine"
	"autoscrape/internal/sandbox"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath   string
	storeDir     string
	storeDriver  string
	maxAttempts  int
	provider     string
	model        string
	proxyURL     string
	showUI       bool
	noRender     bool
	timeout      time.Duration
	verbose      bool
	outputFormat string
	outputFile   string
	regenerate   bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:     "autoscrape URL INTENT...",
		Short:   "Generate, validate and cache scraping routines from plain-language requests",
		Version: version,
		Long: `autoscrape turns a page URL and a description of the data you want into a
Go scraping routine. Routines are generated by a language model, checked in a
sandbox, cached by (URL, intent) and re-run on later requests instead of being
generated again.`,
		Example: `  # Extract headlines; the routine is cached for next time
  autoscrape https://news.ycombinator.com "titles and links of the front page stories"

  # Same request again runs the cached routine
  autoscrape https://news.ycombinator.com "titles and links of the front page stories" -f markdown

  # Throw away the cached routine and generate a new one
  autoscrape --regenerate https://example.com/prices "product names and prices" -o prices.csv

  # Explain how a page would be classified
  autoscrape classify https://example.com

  # Serve the pipeline over HTTP
  autoscrape serve --addr :8080`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cmd.Help()
				os.Exit(0)
			}
			return cobra.MinimumNArgs(2)(cmd, args)
		},
		RunE:         run,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file (YAML); missing file means defaults")
	pf.StringVar(&storeDir, "store-dir", "", "Directory routines are cached in (file store), defaults to AUTOSCRAPE_STORE_DIR or config")
	pf.StringVar(&storeDriver, "store", "", "Routine store driver (file, sqlite, memory)")
	pf.IntVar(&maxAttempts, "max-attempts", pipeline.DefaultMaxAttempts, "Synthesis attempts per request")
	pf.StringVar(&provider, "provider", "", "Code generation provider (gemini, replay)")
	pf.StringVar(&model, "model", "", "Model name for the provider")
	pf.StringVarP(&proxyURL, "proxy", "p", "", "Proxy URL for page fetches (e.g. http://127.0.0.1:7890), defaults to AUTOSCRAPE_PROXY")
	pf.BoolVar(&showUI, "showui", false, "Show browser UI (disable headless mode)")
	pf.BoolVar(&noRender, "no-render", false, "Never launch a browser, even for dynamic pages")
	pf.DurationVarP(&timeout, "timeout", "t", 60*time.Second, "Time limit for one routine run")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	pf.StringVarP(&outputFormat, "format", "f", "json", "Output format (json, yaml, markdown, text, csv)")
	pf.StringVarP(&outputFile, "output", "o", "", "Output file path (format inferred from extension if -f not specified)")

	rootCmd.Flags().BoolVar(&regenerate, "regenerate", false, "Ignore the cached routine and generate a new one")

	rootCmd.AddCommand(classifyCmd(), showCmd(), batchCmd(), serveCmd(), sandboxRunCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// sandboxRunCmd is the child process each routine runs in.
func sandboxRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:    sandbox.RunnerArg,
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sandbox.Serve(cmd.InOrStdin(), os.Stdout)
		},
	}
}

func run(cmd *cobra.Command, args []string) error {
	format, err := resolveFormat(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	req := routine.Request{
		URL:    normalizeURL(args[0]),
		Intent: strings.Join(args[1:], " "),
	}
	obtain := a.ctl.Obtain
	if regenerate {
		obtain = a.ctl.Regenerate
	}

	out, err := obtain(ctx, req)
	if err != nil {
		reportFailure(err, a.ctl.MaxAttempts())
		return err
	}

	text, err := formatter.Format(formatter.NewExtraction(out), format)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	if err := emit(text); err != nil {
		return err
	}
	return out.Failure()
}

// resolveFormat infers the format from --output when -f was not given.
func resolveFormat(cmd *cobra.Command) (string, error) {
	format := outputFormat
	if outputFile != "" && !cmd.Flags().Changed("format") {
		if inferred := formatter.InferFormat(outputFile); inferred != "" {
			format = inferred
		}
	}
	if !formatter.Valid(format) {
		return "", fmt.Errorf("invalid output format: %s", format)
	}
	return format, nil
}

func emit(text string) error {
	if outputFile != "" {
		if err := os.WriteFile(outputFile, []byte(text), 0644); err != nil {
			return fmt.Errorf("failed to write to file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Output written to: %s\n", outputFile)
		return nil
	}
	fmt.Println(text)
	return nil
}

// reportFailure lists every attempt's failure when synthesis ran out.
func reportFailure(err error, budget int) {
	var ex *pipeline.ExhaustedError
	if !errors.As(err, &ex) {
		return
	}
	fmt.Fprintf(os.Stderr, "no valid routine after %d of %d attempts (raise --max-attempts to try longer)\n", ex.Attempts, budget)
	for i, d := range ex.Details {
		fmt.Fprintf(os.Stderr, "attempt %d: %s\n", i+1, d)
	}
}

// normalizeURL adds http:// when rawURL has no scheme.
func normalizeURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return rawURL
	}
	lower := strings.ToLower(rawURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "http://" + rawURL
	}
	return rawURL
}
