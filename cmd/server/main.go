package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqttcore/broker/internal/audit"
	"github.com/mqttcore/broker/internal/config"
	"github.com/mqttcore/broker/internal/server"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	noCache := flag.Bool("no-cache", false, "Disable the topic lookup cache (parity flag; this broker has no such cache)")
	flag.Parse()

	log.Println("Starting MQTT Server...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *noCache {
		cfg.Experimental.DisableCache = true
	}

	log.Printf("Configuration loaded from %s", *configPath)
	log.Printf("Server will bind to %s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Framer buffer size: %d bytes", cfg.Server.BufferSize)
	log.Printf("Storage backend: %s", cfg.Storage.Backend)
	if cfg.Experimental.DisableCache {
		log.Println("--no-cache set: no-op, this broker performs no topic lookup caching")
	}

	var st audit.Store
	switch cfg.Storage.Backend {
	case "bbolt":
		dir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}

		st, err = audit.NewBboltStore(cfg.Storage.Path)
		if err != nil {
			log.Fatalf("Failed to initialize audit store: %v", err)
		}
		log.Printf("Audit log initialized at %s", cfg.Storage.Path)
		defer st.Close()

	case "memory":
		log.Println("Auditing disabled: memory backend keeps no record of connections")
		st = nil

	default:
		log.Fatalf("Unsupported storage backend: %s", cfg.Storage.Backend)
	}

	srv, err := server.NewWithConfig(cfg, st)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			http.Handle(cfg.Metrics.Path, promhttp.Handler())
			log.Printf("Metrics server starting on %s%s", metricsAddr, cfg.Metrics.Path)
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	log.Println("MQTT Server started successfully")
	log.Printf("  -> MQTT listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
	if cfg.Metrics.Enabled {
		log.Printf("  -> Metrics available at http://localhost:%d%s", cfg.Metrics.Port, cfg.Metrics.Path)
	}
	log.Printf("  -> Log level: %s", cfg.Logging.Level)
	log.Println("Press Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	fmt.Println("Server stopped gracefully")
}
