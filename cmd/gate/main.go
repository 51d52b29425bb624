// TowerGate Gate
//
// Edge SSH proxy. Accepts client connections on pool IPs or via a
// transparent socket, resolves access against the Tower and forwards
// approved sessions to their backends with recording and live
// spectating.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/towergate/towergate/internal/gate"
	"github.com/towergate/towergate/internal/proxy"
)

var version = "1.0.0"

func main() {
	configPath := flag.String("config", "gate.yaml", "configuration file path")
	flag.Parse()

	cfg, err := gate.LoadConfig(*configPath)
	if err != nil {
		// The logger comes from the config; this one failure goes to
		// stderr directly.
		os.Stderr.WriteString("towergate-gate: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := cfg.SetupLogger()
	if cfg.Gate.Version == "dev" {
		cfg.Gate.Version = version
	}

	client := gate.NewClient(cfg, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Startup reconciliation: anything the Tower still attributes to
	// this gate died with the previous process.
	startCtx, startCancel := context.WithTimeout(ctx, 30*time.Second)
	if closed, err := client.Cleanup(startCtx); err != nil {
		log.Warn("startup cleanup failed", "error", err)
	} else if closed > 0 {
		log.Info("reconciled stale sessions", "closed", closed)
	}

	heartbeatInterval := cfg.HeartbeatInterval()
	recordingEnabled := cfg.Recording.Enabled
	inactivityTimeout := time.Duration(0)
	if remote, err := client.FetchConfig(startCtx); err != nil {
		log.Warn("config fetch failed, using local defaults", "error", err)
	} else {
		if remote.HeartbeatIntervalSeconds > 0 {
			heartbeatInterval = time.Duration(remote.HeartbeatIntervalSeconds) * time.Second
		}
		recordingEnabled = recordingEnabled && remote.RecordingEnabled
		if remote.InactivityTimeoutMinutes > 0 {
			inactivityTimeout = time.Duration(remote.InactivityTimeoutMinutes) * time.Minute
		}
	}

	messages, err := client.FetchMessages(startCtx)
	if err != nil {
		log.Warn("banner fetch failed, using built-in texts", "error", err)
	}
	startCancel()

	hostKey, err := proxy.LoadOrCreateHostKey(cfg.Gate.HostKeyPath)
	if err != nil {
		log.Error("host key unavailable", "path", cfg.Gate.HostKeyPath, "error", err)
		os.Exit(1)
	}

	metrics := proxy.NewMetrics()
	registry := proxy.NewRegistry()
	muxes := proxy.NewMuxRegistry()

	handler := proxy.NewHandler(proxy.HandlerConfig{
		API:               client,
		Registry:          registry,
		Muxes:             muxes,
		Banners:           proxy.NewBanners(messages, cfg.Gate.Name),
		Metrics:           metrics,
		Log:               log,
		HostKey:           hostKey,
		GateName:          cfg.Gate.Name,
		ProxyIP:           proxyIP(cfg),
		RecordingEnabled:  recordingEnabled,
		SpoolDir:          cfg.Recording.SpoolDir,
		InactivityTimeout: inactivityTimeout,
	})

	server, err := proxy.NewServer(cfg.Gate.Listen, cfg.Gate.Mode, handler, log)
	if err != nil {
		log.Error("invalid listener configuration", "error", err)
		os.Exit(1)
	}
	if err := server.Start(); err != nil {
		log.Error("cannot start listener", "error", err)
		os.Exit(1)
	}

	hostname := cfg.Gate.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	heartbeat := proxy.NewHeartbeatLoop(client, registry, muxes, cfg.Gate.Version, hostname, heartbeatInterval, log)
	go heartbeat.Run(ctx)

	if cfg.Metrics.Listen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
				log.Warn("metrics listener failed", "error", err)
			}
		}()
	}

	log.Info("gate running",
		"name", cfg.Gate.Name,
		"listen", server.Addr(),
		"mode", cfg.Gate.Mode,
		"version", cfg.Gate.Version,
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	cancel()
	server.Close()
}

// proxyIP is the address reported as the session's proxy-side endpoint.
func proxyIP(cfg *gate.Config) string {
	host, _, err := net.SplitHostPort(cfg.Gate.Listen)
	if err == nil && host != "" && host != "0.0.0.0" && host != "::" {
		return host
	}
	return cfg.Gate.Hostname
}
