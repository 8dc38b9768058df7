package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mining-wb/MM-TrustBench/internal/audit"
	"github.com/mining-wb/MM-TrustBench/internal/config"
	"github.com/mining-wb/MM-TrustBench/internal/dataset"
	"github.com/mining-wb/MM-TrustBench/internal/ledger"
	"github.com/mining-wb/MM-TrustBench/internal/logging"
	"github.com/mining-wb/MM-TrustBench/internal/model"
	"github.com/mining-wb/MM-TrustBench/internal/records"
	"github.com/mining-wb/MM-TrustBench/internal/report"
	"github.com/mining-wb/MM-TrustBench/internal/runner"
	"github.com/mining-wb/MM-TrustBench/internal/server"
	"github.com/mining-wb/MM-TrustBench/internal/trust"
)

// Process exit codes.
const (
	exitFailure     = 1
	exitConfig      = 2
	exitAuditFailed = 3
)

type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }

func (e cliError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		var ce cliError
		if errors.As(err, &ce) {
			fmt.Fprintln(os.Stderr, ce.err)
			os.Exit(ce.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
}

var newLogger = logging.New

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	verbose    bool
}

func (o *globalOptions) load() (config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return config.Config{}, cliError{code: exitConfig, err: err}
	}
	return cfg, nil
}

func (o *globalOptions) logger() (*zap.Logger, error) {
	logger, err := newLogger(o.verbose)
	if err != nil {
		return nil, cliError{code: exitConfig, err: err}
	}
	return logger, nil
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "trustbench",
		Short:         "Evidence-gated yes/no visual question answering benchmark",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultPath, "project config file")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newInitCommand(opts))
	root.AddCommand(newRunCommand(opts))
	root.AddCommand(newAskCommand(opts))
	root.AddCommand(newPromptCommand())
	root.AddCommand(newAuditCommand(opts))
	root.AddCommand(newServeCommand(opts))
	return root
}

func newInitCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default trustbench.yaml and create the data directories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if fileExists(opts.configPath) {
				var err error
				if cfg, err = config.Load(opts.configPath); err != nil {
					return cliError{code: exitConfig, err: err}
				}
			} else if err := config.Write(opts.configPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{filepath.Dir(cfg.Dataset.Input), cfg.Dataset.ImageDir, filepath.Dir(cfg.Ledger.Path)} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s and data directories\n", opts.configPath)
			return nil
		},
	}
}

// newClient builds the model transport. A missing API_KEY is a
// configuration error so nothing runs without credentials.
func newClient(cfg config.Config, logger *zap.Logger) (*model.Client, error) {
	client, err := model.NewClient(cfg.ModelClient(), logger)
	if err != nil {
		return nil, cliError{code: exitConfig, err: err}
	}
	return client, nil
}

func newRunCommand(opts *globalOptions) *cobra.Command {
	var input, imageDir, ledgerPath, runID, metricsOut string
	var workers int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a dataset, appending one ledger entry per new item",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("input") {
				cfg.Dataset.Input = input
			}
			if flags.Changed("image-dir") {
				cfg.Dataset.ImageDir = imageDir
			}
			if flags.Changed("ledger") {
				cfg.Ledger.Path = ledgerPath
			}
			if flags.Changed("workers") {
				cfg.Runner.Workers = workers
			}
			if err := cfg.Validate(); err != nil {
				return cliError{code: exitConfig, err: err}
			}

			logger, err := opts.logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}

			loaded, err := dataset.Load(cfg.Dataset.Input)
			if err != nil {
				return err
			}
			for _, s := range loaded.Skipped {
				logger.Warn("skipped dataset row", zap.Int("line", s.Line), zap.String("reason", s.Reason))
			}

			led, err := ledger.Open(cfg.Ledger.Path)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer led.Close()
			if n := led.RepairedBytes(); n > 0 {
				logger.Warn("dropped torn ledger tail", zap.String("ledger", led.Path()), zap.Int64("bytes", n))
			}

			reg := prometheus.NewRegistry()
			r := runner.New(runner.Config{
				ImageDir: cfg.Dataset.ImageDir,
				Workers:  cfg.Runner.Workers,
				RunID:    runID,
				Metrics:  runner.NewMetrics(reg),
			}, trust.NewPipeline(client), led, logger)

			logger.Info("run started",
				zap.String("run_id", r.RunID()),
				zap.String("input", cfg.Dataset.Input),
				zap.String("ledger", led.Path()),
				zap.String("model", client.Model()),
				zap.Int("items", len(loaded.Items)),
				zap.Int("skipped_rows", len(loaded.Skipped)))

			summary, runErr := r.Run(cmd.Context(), loaded.Items)
			summary.InvalidRows = len(loaded.Skipped)
			if metricsOut != "" {
				if err := prometheus.WriteToTextfile(metricsOut, reg); err != nil {
					logger.Warn("write metrics", zap.String("path", metricsOut), zap.Error(err))
				}
			}
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			if runErr != nil {
				if errors.Is(runErr, context.Canceled) {
					return fmt.Errorf("run interrupted; rerun to resume: %w", runErr)
				}
				return runErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "dataset jsonl (default from config)")
	cmd.Flags().StringVar(&imageDir, "image-dir", "", "directory joined onto bare image names")
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "ledger jsonl to append to")
	cmd.Flags().IntVar(&workers, "workers", 1, "concurrent model calls")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier recorded on each entry (default random uuid)")
	cmd.Flags().StringVar(&metricsOut, "metrics-out", "", "write run metrics in Prometheus text format")
	return cmd
}

func newAskCommand(opts *globalOptions) *cobra.Command {
	var imagePath, question string
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Ask one question about one image and print the gated verdict",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if imagePath == "" || question == "" {
				return fmt.Errorf("--image and --question are required")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}
			img, err := dataset.LoadImage(imagePath)
			if err != nil {
				return err
			}
			v := trust.NewPipeline(client).Process(cmd.Context(), img, question)
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"final_answer": string(v.Answer),
				"evidence":     v.Evidence,
				"self_check":   v.SelfCheck,
				"model_answer": v.Raw,
			})
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "image file")
	cmd.Flags().StringVar(&question, "question", "", "yes/no question")
	return cmd
}

func newPromptCommand() *cobra.Command {
	var question string
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Print the prompt sent to the model for a question",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if question == "" {
				return fmt.Errorf("--question is required")
			}
			fmt.Fprintln(cmd.OutOrStdout(), trust.BuildPrompt(question))
			return nil
		},
	}
	cmd.Flags().StringVar(&question, "question", "", "yes/no question")
	return cmd
}

func newAuditCommand(opts *globalOptions) *cobra.Command {
	var ledgerPath, format, outPath, detailsPath string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Re-check a ledger and grade it against ground truth",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ledgerPath == "" {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				ledgerPath = cfg.Ledger.Path
			}
			r, details, err := audit.Run(ledgerPath)
			if err != nil {
				return err
			}

			switch format {
			case "json":
				if outPath == "" {
					outPath = "audit.json"
				}
				if err := report.WriteJSON(outPath, r); err != nil {
					return err
				}
			case "md":
				if outPath == "" {
					outPath = "audit.md"
				}
				if err := report.WriteMarkdown(outPath, r); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unsupported format %s", format)
			}
			fmt.Fprintln(cmd.OutOrStdout(), outPath)

			if detailsPath != "" {
				if err := report.WriteDetails(detailsPath, details); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), detailsPath)
			}

			if !r.Passed {
				return cliError{code: exitAuditFailed, err: fmt.Errorf("ledger audit failed: %d violations", len(r.Violations))}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "ledger jsonl (default from config)")
	cmd.Flags().StringVar(&format, "format", "json", "output format (json|md)")
	cmd.Flags().StringVar(&outPath, "out", "", "output report path")
	cmd.Flags().StringVar(&detailsPath, "details", "", "also write graded rows as jsonl")
	return cmd
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	var addr, imageRoot, dbPath, tlsCert, tlsKey string
	var cacheTTLSeconds int
	var noDB bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the evaluate API over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Server.Addr = addr
			}
			if flags.Changed("image-root") {
				cfg.Server.ImageRoot = imageRoot
			}
			if flags.Changed("cache-ttl-seconds") {
				cfg.Server.CacheTTLSeconds = cacheTTLSeconds
			}
			if flags.Changed("db") {
				cfg.Server.DatabasePath = dbPath
			}
			if noDB {
				cfg.Server.DatabasePath = ""
			}
			if flags.Changed("tls-cert") {
				cfg.Server.TLSCertPath = tlsCert
			}
			if flags.Changed("tls-key") {
				cfg.Server.TLSKeyPath = tlsKey
			}
			if err := cfg.Validate(); err != nil {
				return cliError{code: exitConfig, err: err}
			}

			logger, err := opts.logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			client, err := newClient(cfg, logger)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			srvOpts := server.Options{Logger: logger, Registry: reg}
			if cfg.Server.DatabasePath != "" {
				store, err := records.Open(cmd.Context(), cfg.Server.DatabasePath)
				if err != nil {
					return err
				}
				defer store.Close()
				srvOpts.Records = store
			}

			srv := server.New(cfg.HTTPServer(), trust.NewPipeline(client), srvOpts)
			return srv.ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "listen address")
	cmd.Flags().StringVar(&imageRoot, "image-root", "", "directory image_path requests may read from")
	cmd.Flags().IntVar(&cacheTTLSeconds, "cache-ttl-seconds", 300, "verdict cache TTL in seconds (0 disables)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database for evaluation records")
	cmd.Flags().BoolVar(&noDB, "no-db", false, "do not persist evaluation records")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "TLS certificate path")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "TLS key path")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
