package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"proctord/internal/config"
	"proctord/internal/evidence"
	"proctord/internal/headless"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/sim"
	"proctord/internal/store"
)

var (
	runScript  string
	runOffline bool
	runTick    time.Duration
	runWatch   bool
	runFormat  string
)

func init() {
	runCmd.Flags().StringVar(&runScript, "script", "", "JSONL session script (required)")
	runCmd.Flags().BoolVar(&runOffline, "offline", false, "Record uploads locally instead of sending them to the collector")
	runCmd.Flags().DurationVar(&runTick, "tick", headless.DefaultTick, "Simulated clock resolution")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Reload the log level when the config file changes")
	runCmd.Flags().StringVarP(&runFormat, "format", "f", "text", "Report format (text|json)")
	runCmd.MarkFlagRequired("script")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay a scripted exam session against simulated devices",
	Long: "Initializes a session from the configuration, replays the script's timed\n" +
		"signals, gaze frames and candidate actions on a simulated clock, and prints\n" +
		"a report with the final phase, violations and metrics.",
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	if runFormat != "text" && runFormat != "json" {
		return fmt.Errorf("unknown format %q", runFormat)
	}

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	defer loader.Close()

	logger, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	if runWatch && configPath != "" {
		if err := loader.Watch(); err != nil {
			logger.Warn("config watch unavailable", "error", err)
		} else {
			loader.OnChange(func(c *config.Config) {
				if level, err := logging.ParseLevel(c.Logging.Level); err == nil && logLevel == "" {
					logger.SetLevel(level)
					logger.Info("log level reloaded", "level", c.Logging.Level)
				}
			})
			go func() {
				for err := range loader.Errors() {
					logger.Warn("config reload rejected", "error", err)
				}
			}()
		}
	}

	script, err := sim.LoadScript(runScript)
	if err != nil {
		return err
	}

	pm := metrics.NewProctorMetrics(nil)
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr != "" {
		stop, err := serveMetrics(cfg.Metrics.ListenAddr, pm.Registry(), logger.Logger)
		if err != nil {
			logger.Warn("metrics endpoint unavailable", "addr", cfg.Metrics.ListenAddr, "error", err)
		} else {
			defer stop()
		}
	}

	opts := headless.Options{
		Config:  cfg,
		Script:  script,
		Metrics: pm,
		Tick:    runTick,
		Logger:  logger.WithSession(cfg.Session.SessionID).Logger,
	}
	if !runOffline {
		opts.Transport = evidence.NewHTTPTransport(&http.Client{Timeout: cfg.UploadTimeout()})
	}
	if cfg.Journal.Enabled {
		path := cfg.Journal.Path
		if path == "" {
			path = config.JournalPath()
		}
		journal, err := store.Open(path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer journal.Close()
		opts.Journal = journal
	}

	runner, err := headless.New(opts)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	if runFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	writeReport(cmd.OutOrStdout(), report)
	return nil
}

func serveMetrics(addr string, reg *metrics.Registry, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.HTTPHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("metrics endpoint listening", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func writeReport(w io.Writer, r *headless.Report) {
	status := "completed"
	switch {
	case r.Cancelled:
		status = "CANCELLED by " + r.CancelledBy
	case !r.Finished:
		status = "ended without submission"
	}
	fmt.Fprintf(w, "Session %s: %s (phase %s, %.1fs simulated, %d steps)\n",
		r.SessionID, status, r.Phase, r.ElapsedSeconds, r.StepsApplied)

	if len(r.Violations) == 0 {
		fmt.Fprintln(w, "  no violations")
	}
	for _, k := range sortedKeys(r.Violations) {
		fmt.Fprintf(w, "  %-20s %d\n", k, r.Violations[k])
	}
	if r.Warnings > 0 || r.Inactivity > 0 {
		fmt.Fprintf(w, "  warnings %d, inactivity timeouts %d\n", r.Warnings, r.Inactivity)
	}
	for _, k := range sortedKeys(r.Uploads) {
		fmt.Fprintf(w, "  upload %-14s %d\n", k, r.Uploads[k])
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  step error: %s\n", e)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
