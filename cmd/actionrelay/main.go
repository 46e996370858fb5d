package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/actionrelay/internal/actionqueue"
	"github.com/agentworkforce/actionrelay/internal/config"
	"github.com/agentworkforce/actionrelay/internal/connectivity"
	"github.com/agentworkforce/actionrelay/internal/httpapi"
	"github.com/agentworkforce/actionrelay/internal/kvstore"
	"github.com/agentworkforce/actionrelay/internal/logging"
	"github.com/agentworkforce/actionrelay/internal/reporting"
	"github.com/agentworkforce/actionrelay/internal/submit"
)

const (
	failureHistory  = 100
	shutdownTimeout = 5 * time.Second
)

var errReplayHalted = errors.New("replay halted with actions still pending")

func main() {
	once := flag.Bool("once", false, "replay the pending queue once and exit")
	envFile := flag.String("env-file", "", "load settings from this .env file instead of ./.env")
	issueSubject := flag.String("issue-token", "", "print a bearer token for this subject and exit")
	tokenScopes := flag.String("token-scopes", strings.Join([]string{httpapi.ScopeActionsWrite, httpapi.ScopeActionsRead, httpapi.ScopeSyncTrigger}, ","), "comma separated scopes for --issue-token")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the token printed by --issue-token")
	flag.Parse()

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.Fatalf("failed to configure logging: %v", err)
	}

	if *issueSubject != "" {
		if cfg.JWTSecret == "" {
			logger.Fatal("ACTIONRELAY_JWT_SECRET is required to issue tokens")
		}
		token, err := httpapi.IssueToken(cfg.JWTSecret, *issueSubject, splitScopes(*tokenScopes), *tokenTTL)
		if err != nil {
			logger.WithError(err).Fatal("failed to issue token")
		}
		fmt.Println(token)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to start")
	}
	if *once {
		err = d.replayOnce(ctx)
	} else {
		err = d.run(ctx)
	}
	if closeErr := d.close(); closeErr != nil {
		logger.WithError(closeErr).Warn("shutdown was not clean")
	}
	if err != nil {
		logger.WithError(err).Fatal("actionrelay stopped")
	}
}

type daemon struct {
	cfg     config.Config
	logger  logrus.FieldLogger
	store   kvstore.Store
	manager *actionqueue.Manager
	handler http.Handler
}

func newDaemon(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*daemon, error) {
	store, err := kvstore.Open(ctx, cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	submitter, err := submit.NewHTTPSubmitter(submit.Options{
		BaseURL: cfg.BackendURL,
		Token:   cfg.BackendToken,
		Timeout: cfg.SubmitTimeout,
		Logger:  logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	recorder := reporting.NewRecorder(failureHistory)
	manager, err := actionqueue.New(ctx, actionqueue.Options{
		Store:         store,
		Submitter:     submitter,
		Reporter:      reporting.Multi{reporting.NewLogReporter(logger), recorder},
		Logger:        logger,
		StorageKey:    cfg.StorageKey,
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		SubmitTimeout: cfg.SubmitTimeout,
		Capacity:      cfg.Capacity,
		DedupWindow:   cfg.DedupWindow,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	handler := httpapi.NewServer(manager, httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		Failures:        recorder,
		Logger:          logger,
	})
	return &daemon{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		manager: manager,
		handler: handler,
	}, nil
}

// buildMonitor returns the configured connectivity source and, for sources
// that do background work, the loop that drives it. Sources holding OS
// resources implement io.Closer.
func buildMonitor(cfg config.Config, logger logrus.FieldLogger) (connectivity.Monitor, func(context.Context) error, error) {
	switch cfg.Connectivity {
	case "", "probe":
		prober := connectivity.NewProber(connectivity.ProberOptions{
			BaseURL:          cfg.BackendURL,
			HealthPath:       cfg.HealthPath,
			Interval:         cfg.ProbeInterval,
			Timeout:          cfg.SubmitTimeout,
			Jitter:           cfg.ProbeJitter,
			FailureThreshold: cfg.FailureThreshold,
			Logger:           logger,
		})
		return prober, prober.Run, nil
	case "websocket":
		ws := connectivity.NewWebSocketMonitor(connectivity.WebSocketOptions{
			URL:    cfg.WebSocketURL,
			Token:  cfg.BackendToken,
			Logger: logger,
		})
		return ws, ws.Run, nil
	case "marker":
		marker, err := connectivity.NewMarkerMonitor(cfg.MarkerPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return marker, marker.Run, nil
	case "manual":
		return connectivity.NewManual(true), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported connectivity source: %s", cfg.Connectivity)
	}
}

// replayOnce drains as much of the queue as the backend accepts right now.
func (d *daemon) replayOnce(ctx context.Context) error {
	report, err := d.manager.RunCycle(ctx)
	if err != nil {
		return err
	}
	d.logger.WithFields(logrus.Fields{
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"remaining": d.manager.Status().Depth,
	}).Info("replay finished")
	if report.Halted {
		return fmt.Errorf("%w: retry in %s", errReplayHalted, report.RetryIn)
	}
	return nil
}

func (d *daemon) run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.ListenAddr, err)
	}
	return d.serve(ctx, ln)
}

func (d *daemon) serve(ctx context.Context, ln net.Listener) error {
	monitor, runMonitor, err := buildMonitor(d.cfg, d.logger)
	if err != nil {
		_ = ln.Close()
		return err
	}
	if closer, ok := monitor.(io.Closer); ok {
		defer closer.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)
	if runMonitor != nil {
		go func() {
			if err := runMonitor(ctx); err != nil {
				errs <- fmt.Errorf("connectivity monitor: %w", err)
			}
		}()
	}
	go func() {
		if err := d.manager.Run(ctx, monitor); err != nil {
			errs <- err
		}
	}()

	server := &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()
	d.logger.WithField("addr", ln.Addr().String()).Info("actionrelay listening")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		d.logger.WithError(err).Warn("http server shutdown failed")
	}
	return runErr
}

func (d *daemon) close() error {
	return errors.Join(d.manager.Close(), d.store.Close())
}

func splitScopes(raw string) []string {
	var scopes []string
	for _, scope := range strings.Split(raw, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}
