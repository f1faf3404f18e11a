package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/kioskbridge/tunnel/internal/auth"
	"github.com/kioskbridge/tunnel/internal/config"
	"github.com/kioskbridge/tunnel/internal/connmanager"
	"github.com/kioskbridge/tunnel/internal/correlation"
	"github.com/kioskbridge/tunnel/internal/kiosksconfig"
	"github.com/kioskbridge/tunnel/internal/logging"
	"github.com/kioskbridge/tunnel/internal/logring"
	"github.com/kioskbridge/tunnel/internal/metrics"
	"github.com/kioskbridge/tunnel/internal/registry"
	"github.com/kioskbridge/tunnel/internal/router"
	"github.com/kioskbridge/tunnel/internal/security"
	"github.com/kioskbridge/tunnel/internal/serverhealth"
	"github.com/kioskbridge/tunnel/internal/wsendpoint"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kioskserver",
		Short: "Cloud Server for the kiosk payment tunnel",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the cloud Server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Kiosk Server %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen:              %s\n", cfg.ListenAddress)
			fmt.Printf("  Health:              %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Kiosk timeout:       %s\n", cfg.KioskTimeout)
			fmt.Printf("  Allow duplicate:     %v\n", cfg.Security.AllowDuplicateConnections)
			fmt.Printf("  Kiosks config path:  %s\n", cfg.KiosksConfigPath)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:8081/health", "Health endpoint URL")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	ring := logring.NewRingBuffer(1000)
	baseHandler, lj := logging.SetupHandler(
		cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File,
		cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays, cfg.Logging.Compress,
	)
	slog.SetDefault(slog.New(logring.NewTeeHandler(baseHandler, ring)))
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting kiosk Server",
		"version", Version,
		"listen", cfg.ListenAddress,
		"health", cfg.Health.ListenAddress,
	)

	reg := registry.NewMemoryRegistry()
	kiosks, err := kiosksconfig.Load(cfg.KiosksConfigPath)
	if err != nil {
		return fmt.Errorf("loading kiosks config: %w", err)
	}
	for _, k := range kiosks {
		if err := reg.Create(context.Background(), k); err != nil {
			slog.Error("failed to seed kiosk", "kiosk_id", k.ID, "error", err)
		}
	}
	slog.Info("kiosk roster loaded", "count", len(kiosks), "path", cfg.KiosksConfigPath)

	verifier := auth.NewHMACVerifier([]byte(cfg.Security.AuthSecret))
	table := correlation.New()
	connMgr := connmanager.New(reg, verifier, table, cfg.Security.AllowDuplicateConnections)

	var m *metrics.ServerMetrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.NewServerMetrics()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		defer rl.Stop()
		slog.Info("rate limiting enabled", "connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute)
	}

	sendHandler := router.New(reg, connMgr, cfg.KioskTimeout)
	wsHandler := wsendpoint.New(connMgr)
	if m != nil {
		// Assigning only when m is non-nil avoids storing a typed-nil
		// *ServerMetrics inside the Metrics interface field, which would
		// make the handlers' "is metrics configured" nil check always true.
		sendHandler.Metrics = m
		wsHandler.Metrics = m
	}

	mux := http.NewServeMux()
	mux.Handle("/send", sendHandler)
	mux.Handle("/ws", rateLimited(rl, wsHandler))

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to bind listener on %s: %w", cfg.ListenAddress, err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	var healthServer *http.Server
	var healthListener net.Listener
	if cfg.Health.Enabled {
		healthHandler := serverhealth.New(reg, connMgr, Version)
		healthMux := http.NewServeMux()
		healthHandler.Register(healthMux)
		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}

		healthListener, err = net.Listen("tcp", cfg.Health.ListenAddress)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to bind health listener on %s: %w", cfg.Health.ListenAddress, err)
		}
		healthServer = &http.Server{
			Handler:           healthMux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
	}

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.Serve(healthListener); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("kiosk server listening", "address", cfg.ListenAddress)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	sent, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady)
	if notifyErr != nil {
		slog.Error("sd_notify READY failed", "error", notifyErr)
	} else if !sent {
		slog.Warn("sd_notify READY not sent (NOTIFY_SOCKET not set — not running under systemd?)")
	} else {
		slog.Info("sd_notify READY sent")
	}

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	reloadConfig := func() error {
		newCfg, err := config.LoadServerConfig(configPath)
		if err != nil {
			return fmt.Errorf("config reload failed: %w", err)
		}

		for _, w := range config.IsReloadSafe(cfg, newCfg) {
			slog.Warn("config reload warning", "warning", w)
		}

		cfg = cfg.ApplyReloadableFields(newCfg)

		connMgr.SetVerifier(auth.NewHMACVerifier([]byte(cfg.Security.AuthSecret)))

		if cfg.Security.RateLimit.Enabled && rl != nil {
			r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
			rl.UpdateRate(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		}

		newHandler, _ := logging.SetupHandler(
			cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File,
			cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays, cfg.Logging.Compress,
		)
		slog.SetDefault(slog.New(logring.NewTeeHandler(newHandler, ring)))

		slog.Info("config reloaded successfully")
		return nil
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	var sig os.Signal
	for {
		sig = <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, reloading config")
			if err := reloadConfig(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
			continue
		}
		break
	}
	slog.Info("received shutdown signal", "signal", sig.String())

	watchdogCancel()
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	server.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if healthServer != nil {
		healthServer.Shutdown(shutdownCtx)
	}

	slog.Info("shutdown complete")
	return nil
}

// rateLimited wraps next with a per-source-IP check before the
// WebSocket upgrade, mirroring the teacher's rate-limit-before-accept
// placement in proxy.NewHandler.
func rateLimited(rl *security.RateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			slog.Warn("rejected kiosk connection: rate limited", "remote", ip)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func checkHealth(healthURL string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=Kiosk Payment Tunnel - Cloud Server
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=kioskserver
Group=kioskserver
ExecStartPre=/usr/local/bin/kioskserver validate --config /etc/kioskserver/config.yaml
ExecStart=/usr/local/bin/kioskserver start --config /etc/kioskserver/config.yaml
Restart=always
RestartSec=5s
WatchdogSec=30s
TimeoutStartSec=30s

ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/kioskserver
LogsDirectory=kioskserver
StateDirectory=kioskserver
LimitNOFILE=65535

StandardOutput=journal
StandardError=journal
SyslogIdentifier=kioskserver

[Install]
WantedBy=multi-user.target
`)
}
