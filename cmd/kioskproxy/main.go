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

	"github.com/kioskbridge/tunnel/internal/config"
	"github.com/kioskbridge/tunnel/internal/gatewayclient"
	"github.com/kioskbridge/tunnel/internal/logging"
	"github.com/kioskbridge/tunnel/internal/logring"
	"github.com/kioskbridge/tunnel/internal/messagepump"
	"github.com/kioskbridge/tunnel/internal/metrics"
	"github.com/kioskbridge/tunnel/internal/offlinequeue"
	"github.com/kioskbridge/tunnel/internal/proxyhealth"
	"github.com/kioskbridge/tunnel/internal/proxysession"
	"github.com/kioskbridge/tunnel/internal/proxysetup"
	"github.com/kioskbridge/tunnel/internal/proxystats"
	"github.com/kioskbridge/tunnel/internal/reconnector"
	"github.com/kioskbridge/tunnel/internal/routing"
)

// statsInterval is how often the Proxy logs a running statistics
// summary, matching the original's hourly _periodic_stats.
const statsInterval = time.Hour

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kioskproxy",
		Short: "Kiosk-side Proxy for the kiosk payment tunnel",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the kiosk Proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Kiosk Proxy %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadProxyConfig(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Server URL:          %s\n", cfg.ServerURL)
			fmt.Printf("  Health:              %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Routing config path: %s\n", cfg.RoutingConfigPath)
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
	healthCmd.Flags().String("url", "http://127.0.0.1:9091/health", "Health endpoint URL")

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return proxysetup.RunWizard(os.Stdin, os.Stdout, proxysetup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/kioskproxy/config.yaml)")

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

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runProxy(configPath string, verbose bool) error {
	cfg, err := config.LoadProxyConfig(configPath)
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

	slog.Info("starting kiosk Proxy",
		"version", Version,
		"server_url", cfg.ServerURL,
		"health", cfg.Health.ListenAddress,
	)

	routes, err := routing.Load(cfg.RoutingConfigPath)
	if err != nil {
		return fmt.Errorf("loading routing config: %w", err)
	}

	queue := offlinequeue.New()
	pump := messagepump.New(routes, gatewayclient.New(), queue)

	var m *metrics.ProxyMetrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.NewProxyMetrics()
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}
	if m != nil {
		// Same typed-nil-interface caution as the Server binary: only
		// assign into the interface field when m is actually non-nil.
		pump.Metrics = m
	}

	healthHandler := proxyhealth.New(queue, routes.Len())

	stats := proxystats.New()
	pump.Stats = stats

	runner := &proxysession.Runner{
		Pump:        pump,
		Queue:       queue,
		Stats:       stats,
		OnConnected: healthHandler.SetConnected,
	}
	if m != nil {
		runner.Metrics = m
	}

	var healthServer *http.Server
	var healthListener net.Listener
	if cfg.Health.Enabled {
		healthMux := http.NewServeMux()
		healthMux.Handle("/health", healthHandler)
		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}

		healthListener, err = net.Listen("tcp", cfg.Health.ListenAddress)
		if err != nil {
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

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		reconnector.Run(ctx, cfg.ServerURL, cfg.Token, runner.OnConnect, runner.Session)
	}()

	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats.LogSummary(true)
			case <-ctx.Done():
				return
			}
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

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", sig.String())

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if healthServer != nil {
		healthServer.Shutdown(shutdownCtx)
	}

	stats.LogSummary(false)
	slog.Info("shutdown complete")
	return nil
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
Description=Kiosk Payment Tunnel - Kiosk Proxy
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=kioskproxy
Group=kioskproxy
ExecStartPre=/usr/local/bin/kioskproxy validate --config /etc/kioskproxy/config.yaml
ExecStart=/usr/local/bin/kioskproxy start --config /etc/kioskproxy/config.yaml
Restart=always
RestartSec=5s
TimeoutStartSec=30s

ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/kioskproxy
LogsDirectory=kioskproxy
StateDirectory=kioskproxy
LimitNOFILE=65535

StandardOutput=journal
StandardError=journal
SyslogIdentifier=kioskproxy

[Install]
WantedBy=multi-user.target
`)
}
