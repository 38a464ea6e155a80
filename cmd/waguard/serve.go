package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zezudoo/wa-download-guard/internal/api"
	"github.com/zezudoo/wa-download-guard/internal/audit"
	"github.com/zezudoo/wa-download-guard/internal/cache"
	"github.com/zezudoo/wa-download-guard/internal/config"
	"github.com/zezudoo/wa-download-guard/internal/enforce"
	"github.com/zezudoo/wa-download-guard/internal/logger"
	"github.com/zezudoo/wa-download-guard/internal/messaging"
	"github.com/zezudoo/wa-download-guard/internal/origin"
	"github.com/zezudoo/wa-download-guard/internal/policy"
	"github.com/zezudoo/wa-download-guard/internal/proxy"
	"github.com/zezudoo/wa-download-guard/internal/store"
)

const (
	sweepInterval = 30 * time.Second
	pruneInterval = 6 * time.Hour
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background daemon",
		Long: `Run the daemon that the browser extension talks to. It keeps the
allow-list cache fresh, decides every download the extension reports and
pushes cancel commands back over a WebSocket.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	log := logger.NewLogger(os.Stdout, logger.ParseLevel(cfg.Logging.Level))

	hosts, err := origin.LoadConfig(cfg.Origin.HostsConfig, defaultHostsYAML)
	if err != nil {
		return fmt.Errorf("failed to load hosts config: %w", err)
	}
	matcher := origin.NewMatcher(hosts.Hosts)

	kv, err := store.OpenBolt(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open settings store: %w", err)
	}
	defer kv.Close()

	settings := store.NewSettings(kv, cfg.Policy.DefaultURL)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := settings.EnsureDefaults(ctx); err != nil {
		return fmt.Errorf("failed to initialize settings: %w", err)
	}

	auditLog, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditLog.Close()

	policies := cache.NewPolicyCache(cache.Config{
		Settings:          settings,
		Fetcher:           cache.NewHTTPFetcher(cfg.Policy.FetchTimeout),
		Logger:            log,
		BackgroundTimeout: cfg.Policy.FetchTimeout,
	})

	tabs := origin.NewTabTracker(cfg.Enforce.TabTTL, nil)
	hub := api.NewHub()
	coordinator := enforce.NewCoordinator(enforce.Config{
		Enabled:        settings,
		Policies:       policies,
		Attributor:     enforce.NewAttributor(matcher, tabs, cfg.Enforce.ExtensionID),
		Engine:         policy.NewEngine(cfg.Decision.GenericMIMETypes),
		Downloads:      api.HubDownloadManager{Hub: hub},
		Notifier:       api.HubNotifier{Hub: hub},
		Recorder:       auditLog,
		Logger:         log,
		FallbackDelay:  cfg.Enforce.FallbackDelay,
		HandledTTL:     cfg.Enforce.HandledTTL,
		NotifyCooldown: cfg.Enforce.NotifyCooldown,
	})
	defer coordinator.Close()

	router := messaging.NewRouter(messaging.Config{
		Tabs:      tabs,
		Matcher:   matcher,
		Refresher: policies,
		Settings:  settings,
		Notifier:  coordinator,
		Recorder:  auditLog,
		Logger:    log,
	})

	server := api.NewServer(api.Config{
		Hub:       hub,
		Downloads: coordinator,
		Messages:  router,
		Settings:  settings,
		Blocked:   auditLog,
		Refresher: policies,
		Logger:    log,

		ExtensionID: cfg.Enforce.ExtensionID,
	})
	stopWatch := server.WatchState(kv)
	defer stopWatch()

	go hub.Run(ctx)
	go policies.RunPeriodic(ctx, cfg.Policy.RefreshInterval)
	go coordinator.RunSweeper(ctx, sweepInterval)
	go pruneAudit(ctx, auditLog, cfg.Audit.Retention, log)

	var guard *proxy.Server
	if cfg.Proxy.Enabled {
		guard, err = proxy.NewServer(proxy.Config{
			Addr:      cfg.Proxy.Addr,
			CertDir:   cfg.Proxy.CertDir,
			Matcher:   matcher,
			Evaluator: coordinator,
			Recorder:  auditLog,
			Notifier:  coordinator,
			Logger:    log,
		})
		if err != nil {
			return fmt.Errorf("failed to create proxy: %w", err)
		}
		if err := guard.Start(); err != nil {
			return fmt.Errorf("failed to start proxy: %w", err)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server_start", fmt.Sprintf("API server listening on %s", cfg.Server.Addr), map[string]interface{}{
			"hosts": matcher.Hosts(),
			"store": cfg.Store.Path,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("signal_received", "Shutting down", nil)
	case serveErr = <-errCh:
		if serveErr != nil {
			log.Error("server_error", "API server stopped unexpectedly", map[string]interface{}{
				"error": serveErr.Error(),
			})
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("server_shutdown", "API server shutdown incomplete", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if guard != nil {
		if err := guard.Stop(shutdownCtx); err != nil {
			log.Warn("proxy_shutdown", "Proxy shutdown incomplete", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	policies.Wait()

	log.Info("server_stop", "Daemon stopped", nil)
	return serveErr
}

// pruneAudit drops audit events older than retention until ctx is done
func pruneAudit(ctx context.Context, auditLog *audit.Store, retention time.Duration, log *logger.Logger) {
	if retention <= 0 {
		return
	}

	prune := func() {
		n, err := auditLog.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Warn("audit_prune_failed", "Failed to prune audit log", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if n > 0 {
			log.Debug("audit_pruned", fmt.Sprintf("Pruned %d audit events", n), nil)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
