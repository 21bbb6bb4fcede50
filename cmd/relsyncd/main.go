package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/download"
	"github.com/schaermu/relsyncd/internal/fsys"
	"github.com/schaermu/relsyncd/internal/metrics"
	"github.com/schaermu/relsyncd/internal/release"
	"github.com/schaermu/relsyncd/internal/serve"
	"github.com/schaermu/relsyncd/internal/update"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	write     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relsyncd",
	Short: "Keep an installed application in sync with its published releases",
	Long: `relsyncd installs and updates an application from a release source: an http(s)
URL, an s3:// location or a local directory holding a RELEASES file and the
packages it lists.

It can run oneshot (via systemd timer) or as a long-running daemon that checks
periodically and responds to release notifications.`,
	SilenceUsage: true,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Show what an update would do",
	Long: `Check fetches the remote RELEASES file and compares it with the installed
release. Nothing is downloaded or written.`,
	RunE: runCheck,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the latest full release",
	Long: `Install downloads and installs the latest full package, replacing whatever
is installed.`,
	RunE: runInstall,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update to the latest release",
	Long: `Update brings the installation to the latest release, applying delta packages
when a complete chain is available and a full package otherwise. When the
latest release is installed nothing happens.`,
	RunE: runUpdate,
}

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "Manage RELEASES files",
}

var releasesBuildCmd = &cobra.Command{
	Use:   "build <dir>",
	Short: "Generate the RELEASES file for a directory of packages",
	Args:  cobra.ExactArgs(1),
	RunE:  runReleasesBuild,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the update daemon",
	Long: `Serve performs an initial update, then checks for updates periodically and
accepts signed release notifications on ` + serve.HookPath + `.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/relsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	updateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	releasesBuildCmd.Flags().BoolVar(&write, "write", false, "write RELEASES into the directory instead of printing it")

	releasesCmd.AddCommand(releasesBuildCmd)

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(releasesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, mgr *update.Manager) error {
		res, err := mgr.CheckForUpdate(ctx)
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		return nil
	})
}

func runInstall(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, mgr *update.Manager) error {
		res, err := mgr.FullInstall(ctx)
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		return nil
	})
}

func runUpdate(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, mgr *update.Manager) error {
		op := mgr.UpdateApp
		if dryRun {
			op = mgr.CheckForUpdate
		}
		res, err := op(ctx)
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		return nil
	})
}

func runReleasesBuild(cmd *cobra.Command, args []string) error {
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", args[0], err)
	}

	fs := fsys.NewOS()
	m, err := release.Build(fs, dir)
	if err != nil {
		return err
	}

	if !write {
		_, err = cmd.OutOrStdout().Write(m.Serialize())
		return err
	}
	path := filepath.Join(dir, release.FileName)
	if err := release.WriteFile(fs, path, m); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d entries)\n", path, m.Len())
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var (
		recorder       metrics.Recorder = metrics.NoopRecorder{}
		metricsHandler http.Handler
	)
	if cfg.Serve.Metrics {
		reg := prometheus.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
		metricsHandler = metrics.HTTPHandler(reg)
	}

	mgr, err := newManager(ctx, cfg, recorder, logger)
	if err != nil {
		return err
	}

	server, err := serve.NewServer(cfg, mgr, metricsHandler, logger)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

// withManager runs fn with a Manager built from the loaded configuration.
func withManager(fn func(context.Context, *update.Manager) error) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	mgr, err := newManager(ctx, cfg, metrics.NoopRecorder{}, logger)
	if err != nil {
		return err
	}

	if err := fn(ctx, mgr); err != nil {
		logger.Error("operation failed", "error", err)
		return err
	}
	return nil
}

func newManager(ctx context.Context, cfg *config.Config, recorder metrics.Recorder, logger *slog.Logger) (*update.Manager, error) {
	fs := fsys.NewOS()
	deps := update.Deps{FS: fs, Metrics: recorder}

	if cfg.IsS3() {
		s3, err := download.NewS3(ctx, cfg.Source.Region, cfg.Retry.MaxRetries, fs)
		if err != nil {
			return nil, err
		}
		deps.Downloader = &download.Router{S3: s3}
	}

	return update.NewManager(cfg, deps, logger), nil
}

func printResult(w io.Writer, res update.Result) {
	installed := "none"
	if res.Installed != nil {
		installed = res.Installed.Version().String()
	}
	_, _ = fmt.Fprintf(w, "installed: %s\n", installed)
	_, _ = fmt.Fprintf(w, "plan:      %s\n", res.Plan.String())
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	// stdout carries command output
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		var err error
		configPath, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"app", cfg.App.ID,
		"root_dir", cfg.App.RootDir,
		"source", cfg.Source.URL,
		"serve", cfg.Serve.Enabled)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
