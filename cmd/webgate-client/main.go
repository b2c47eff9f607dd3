package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webgate/internal/agent"
	"webgate/internal/localapi"
	"webgate/internal/protocol"
	"webgate/internal/settings"
)

func main() {
	var (
		serverURL      = flag.String("server-url", getenv("WEBGATE_SERVER_URL", fmt.Sprintf("http://127.0.0.1:%d", protocol.DefaultPort)), "hub base url")
		localAddr      = flag.String("local-addr", getenv("WEBGATE_LOCAL_ADDR", fmt.Sprintf("127.0.0.1:%d", protocol.DefaultLocalPort)), "local api listen address")
		settingsDB     = flag.String("settings-db", getenv("WEBGATE_SETTINGS_DB", ""), "sqlite settings path (empty keeps settings in memory)")
		blockedDomains = flag.String("blocked-domains", getenv("WEBGATE_BLOCKED_DOMAINS", ""), "comma-separated blocked domains, replaces the stored list")
		allowOrigin    = flag.String("allow-origin", getenv("WEBGATE_ALLOW_ORIGIN", ""), "extra browser origin accepted on the local websocket")
		logLevel       = flag.String("log-level", getenv("WEBGATE_LOG_LEVEL", "info"), "debug|info|warn|error")
	)
	flag.Parse()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)})))

	wsURL, statusURL, err := agent.Endpoints(*serverURL)
	if err != nil {
		slog.Error("bad server-url", "err", err)
		os.Exit(1)
	}

	store := settings.NewStore()
	if *settingsDB != "" {
		store, err = settings.NewStoreWithSQLite(*settingsDB)
		if err != nil {
			slog.Error("open settings db failed", "path", *settingsDB, "err", err)
			os.Exit(1)
		}
	}
	defer store.Close()
	if *blockedDomains != "" {
		domains := settings.ParseDomains(*blockedDomains)
		if _, err := store.Update(settings.Patch{BlockedDomains: &domains}); err != nil {
			slog.Error("apply blocked-domains failed", "err", err)
			os.Exit(1)
		}
	}

	syncAgent := agent.New(agent.Config{
		URL:      wsURL,
		Dialer:   agent.WSDialer{HandshakeTimeout: 10 * time.Second},
		Status:   agent.HTTPStatus{URL: statusURL, Client: &http.Client{Timeout: protocol.StatusTimeout}},
		Settings: store,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := syncAgent.Run(ctx); err != nil {
			slog.Error("sync agent stopped with error", "err", err)
		}
	}()

	api := &localapi.Server{Agent: syncAgent, Settings: store}
	if *allowOrigin != "" {
		api.AllowOrigins = []string{*allowOrigin}
	}
	srv := &http.Server{
		Addr:              *localAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("webgate-client listening", "addr", *localAddr, "server", wsURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("webgate-client shutting down")
	<-done
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
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

func parseLevel(v string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo
	}
	return level
}
