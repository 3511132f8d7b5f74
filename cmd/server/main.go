package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"claude-bridge/internal/config"
	"claude-bridge/internal/host"
	"claude-bridge/internal/procman"
	"claude-bridge/internal/realtime"
	"claude-bridge/internal/reconnect"
	"claude-bridge/internal/runtime"
	"claude-bridge/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML or YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	rt := runtime.NewLocalRuntime()

	pipes := procman.New(rt, procman.Options{
		AgentBinary: cfg.AgentBin,
		PipeDir:     cfg.PipeDir,
	})

	store := host.NewRuntimeStore(rt, cfg.SnapshotPath)

	sessHost := host.New(rt, pipes, store, host.Config{
		MaxSessions: cfg.MaxSessions,
		AgentBin:    cfg.AgentBin,
		AgentArgs:   cfg.AgentArgs,
		BatchWindow: cfg.BatchWindow.Std(),
		Retry: reconnect.Config{
			BaseDelay:   cfg.Reconnect.BaseDelay.Std(),
			MaxDelay:    cfg.Reconnect.MaxDelay.Std(),
			Factor:      cfg.Reconnect.Factor,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
	})
	if err := sessHost.Restore(context.Background()); err != nil {
		log.Printf("restore: %v", err)
	}

	// Initialize the file watcher (callbacks are bound after the realtime
	// server exists).
	var rtServer *realtime.Server
	fileWatch := watcher.New(
		func(sessionID string, fileCount int) {
			if rtServer != nil {
				rtServer.OnFileActivity(sessionID, fileCount)
			}
		},
		func(sessionID, path, content string) {
			sessHost.PublishPlan(sessionID, "plan_file", path, content)
		},
	)

	rtServer = realtime.New(sessHost, fileWatch, cfg.StaticDir)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		fileWatch.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sessHost.Shutdown(ctx)
		httpServer.Close()
	}()

	log.Printf("claude-bridge server running on http://localhost:%d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}
