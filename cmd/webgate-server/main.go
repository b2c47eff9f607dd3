package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"webgate/internal/core"
	httpapi "webgate/internal/http"
	"webgate/internal/protocol"
)

// defaultAddr keeps the hub on loopback unless an address is given.
var defaultAddr = fmt.Sprintf("127.0.0.1:%d", protocol.DefaultPort)

func main() {
	var (
		addr                = flag.String("addr", getenv("WEBGATE_ADDR", defaultAddr), "http listen address")
		sessionTimeout      = flag.Duration("session-timeout", getenvDuration("WEBGATE_SESSION_TIMEOUT", protocol.SessionTimeout), "evict sessions idle for longer than this")
		reapInterval        = flag.Duration("reap-interval", getenvDuration("WEBGATE_REAP_INTERVAL", protocol.ReapInterval), "how often to sweep idle sessions")
		requireSessionStart = flag.Bool("require-session-start", getenvBool("WEBGATE_REQUIRE_SESSION_START", false), "ignore events for sessions that never sent SessionStart")
		journalPath         = flag.String("journal-path", getenv("WEBGATE_JOURNAL", ""), "append session transitions to this jsonl file")
		checkOrigin         = flag.Bool("check-origin", getenvBool("WEBGATE_CHECK_ORIGIN", false), "reject cross-origin websocket upgrades")
		logLevel            = flag.String("log-level", getenv("WEBGATE_LOG_LEVEL", "info"), "debug|info|warn|error")
	)
	flag.Parse()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)})))

	var journal *core.Journal
	if *journalPath != "" {
		var err error
		journal, err = core.OpenJournal(*journalPath)
		if err != nil {
			slog.Error("open journal failed", "path", *journalPath, "err", err)
			os.Exit(1)
		}
		defer journal.Close()
	}

	hub := core.NewHub(core.Config{
		SessionTimeout:      *sessionTimeout,
		ReapInterval:        *reapInterval,
		RequireSessionStart: *requireSessionStart,
		Journal:             journal,
	})
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	api := &httpapi.Server{
		Hub:         hub,
		CheckOrigin: *checkOrigin,
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("webgate-server listening", "addr", *addr, "session_timeout", sessionTimeout.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen error", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("webgate-server shutting down")
	cancel()
	hub.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenv(k, fallback string) string {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v
}

func getenvBool(k string, fallback bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true") || v == "yes"
}

func getenvDuration(k string, fallback time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseLevel(v string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo
	}
	return level
}
