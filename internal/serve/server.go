// Package serve runs relsyncd as a daemon: it keeps the installation current
// on a schedule and when a release publisher notifies it of a new release.
package serve

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/update"
)

// HookPath is where release notifications are accepted.
const HookPath = "/hooks/release"

// DefaultDebounce is how long notifications are collected before an update
// runs.
const DefaultDebounce = 2 * time.Second

// Updater brings the installation to the latest release.
type Updater interface {
	UpdateApp(ctx context.Context) (update.Result, error)
}

// ReleaseEvent is the payload a release publisher posts to HookPath.
type ReleaseEvent struct {
	PackageID string `json:"package_id"`
	Version   string `json:"version"`
}

// Status is reported by the health endpoint.
type Status struct {
	Status    string    `json:"status"`
	Installed string    `json:"installed,omitempty"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Server implements the update daemon
type Server struct {
	cfg     *config.Config
	updater Updater
	metrics http.Handler
	logger  *slog.Logger
	secret  []byte

	// runCtx bounds updates started by notifications and the scheduler
	runCtx context.Context

	runMu      sync.Mutex // guards runRunning and runPending
	runRunning bool
	runPending bool

	statusMu sync.Mutex
	status   Status

	debounce *debouncer
}

// debouncer implements debouncing for release notifications
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new daemon. metricsHandler is served on /metrics when
// not nil.
func NewServer(cfg *config.Config, updater Updater, metricsHandler http.Handler, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.WebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.WebhookSecretFile)
	}

	return &Server{
		cfg:      cfg,
		updater:  updater,
		metrics:  metricsHandler,
		logger:   logger,
		secret:   secret,
		runCtx:   context.Background(),
		status:   Status{Status: "starting"},
		debounce: &debouncer{delay: DefaultDebounce},
	}, nil
}

// Handler returns the daemon's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(HookPath, s.handleReleaseHook)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start performs an initial update, then serves notifications and runs
// periodic checks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.runCtx = ctx

	s.logger.Info("performing initial update before starting server")
	s.runUpdate(ctx)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			s.logger.Warn("failed to stop scheduler", "error", err)
		}
	}()
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.Serve.CheckInterval),
		gocron.NewTask(func() { s.runUpdate(ctx) }),
		gocron.WithName("periodic-update"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule periodic update: %w", err)
	}
	scheduler.Start()
	s.logger.Info("periodic update checks scheduled", "interval", s.cfg.Serve.CheckInterval)

	ln, activated, err := Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String(), "socket_activated", activated)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleReleaseHook handles release notifications
func (s *Server) handleReleaseHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	var event ReleaseEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse release notification", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if event.PackageID == "" {
		s.logger.Warn("rejecting release notification without package id")
		http.Error(w, "Missing package_id", http.StatusBadRequest)
		return
	}

	if !s.cfg.PackageAllowed(event.PackageID) {
		s.logger.Info("ignoring notification for unmanaged package", "package", event.PackageID)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Package not configured for updates\n")
		return
	}

	s.logger.Info("release notification accepted", "package", event.PackageID, "version", event.Version)

	s.debounce.trigger(func() {
		s.runUpdate(s.runCtx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Update triggered\n")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Status())
}

// Status returns the outcome of the most recent update.
func (s *Server) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// verifySignature checks an X-Hub-Signature-256 header against body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// runUpdate executes UpdateApp with single-flight semantics. While an update
// runs at most one more is queued; further requests are dropped.
func (s *Server) runUpdate(ctx context.Context) {
	s.runMu.Lock()
	if s.runRunning {
		s.runPending = true
		s.runMu.Unlock()
		s.logger.Info("update already in progress, queuing pending re-run")
		return
	}
	s.runRunning = true
	s.runMu.Unlock()

	for {
		s.updateOnce(ctx)

		s.runMu.Lock()
		if !s.runPending || ctx.Err() != nil {
			s.runPending = false
			s.runRunning = false
			s.runMu.Unlock()
			break
		}
		s.runPending = false
		s.runMu.Unlock()

		s.logger.Info("re-running update due to pending request")
	}
}

func (s *Server) updateOnce(ctx context.Context) {
	res, err := s.updater.UpdateApp(ctx)

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.LastRun = time.Now()

	switch {
	case err == nil:
		s.status.Status = "ok"
		s.status.LastError = ""
		if res.Installed != nil {
			s.status.Installed = res.Installed.Version().String()
		}
		s.logger.Info("update completed", "op_id", res.OperationID, "plan", res.Plan.String())
	case errors.Is(err, update.ErrOperationInProgress):
		// another operation holds the root
		s.logger.Info("update skipped, installation busy", "op_id", res.OperationID)
	case ctx.Err() != nil:
		s.logger.Info("update canceled", "op_id", res.OperationID)
	default:
		s.status.Status = "degraded"
		s.status.LastError = err.Error()
		s.logger.Error("update failed", "op_id", res.OperationID, "error", err)
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
