package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/pulsewatch/internal/ble"
	"github.com/chaz8081/pulsewatch/internal/config"
	"github.com/chaz8081/pulsewatch/internal/console"
	"github.com/chaz8081/pulsewatch/internal/hub"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/pulsewatch/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		} else {
			fmt.Printf("Wrote %s\n", path)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	printBanner(cfg)

	// Bring up the radio. A missing adapter is reported through the shell.
	gw := ble.NewTinyGoGateway()
	if err := gw.Enable(); err != nil {
		log.Printf("Bluetooth unavailable: %v", err)
	}

	ctrl := ble.NewController(gw, ble.ControllerOptions{
		ScanWindow:     cfg.Scan.Window,
		ConnectTimeout: cfg.Connect.Timeout,
		ReadTimeout:    cfg.Connect.ReadTimeout,
		ServiceUUID:    cfg.Stream.ServiceUUID,
		CharUUID:       cfg.Stream.CharacteristicUUID,
	})

	sh, err := console.New(ctrl)
	if err != nil {
		ctrl.Close()
		gw.Close()
		log.Fatalf("console: %v", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(sh.Stdout(), &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	ctrl.Watch(sh.OnStatus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var srv *http.Server
	var h *hub.Hub
	if cfg.Hub.Listen != "" {
		h = hub.New(ctrl.Status)
		ctrl.Watch(h.Broadcast)

		mux := http.NewServeMux()
		mux.Handle("/ws", h)
		mux.HandleFunc("/status", h.StatusHandler)
		srv = &http.Server{Addr: cfg.Hub.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("[HUB] server stopped", "addr", cfg.Hub.Listen, "error", err)
			}
		}()
		slog.Info("[HUB] listening", "addr", cfg.Hub.Listen)
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
			sh.Close()
		case <-ctx.Done():
		}
	}()

	sh.Run(ctx, cancel)

	// Shutdown
	ctrl.Close()
	sh.Wait()
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		done()
		h.Close()
	}
	if err := gw.Close(); err != nil {
		slog.Warn("[BLE] adapter close", "error", err)
	}
	fmt.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	hubAddr := cfg.Hub.Listen
	if hubAddr == "" {
		hubAddr = "off"
	}
	fmt.Println("=== pulsewatch ===")
	fmt.Printf("  Scan:    %s window\n", cfg.Scan.Window)
	fmt.Printf("  Connect: %s timeout, %s per read\n", cfg.Connect.Timeout, cfg.Connect.ReadTimeout)
	fmt.Printf("  Stream:  %s\n", cfg.Stream.CharacteristicUUID)
	fmt.Printf("  Hub:     %s\n", hubAddr)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
