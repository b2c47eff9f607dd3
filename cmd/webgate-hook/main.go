// Command webgate-hook forwards one agent lifecycle event from stdin to the
// webgate hub. It always exits 0 so a missing hub never interrupts the agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"webgate/internal/hookclient"
	"webgate/internal/protocol"
)

func main() {
	flagSet := pflag.NewFlagSet("webgate-hook", pflag.ContinueOnError)
	var (
		serverURL = flagSet.String("server-url", getenv("WEBGATE_SERVER_URL", fmt.Sprintf("http://127.0.0.1:%d", protocol.DefaultPort)), "hub base url")
		event     = flagSet.StringP("event", "e", "", "override hook_event_name")
		sessionID = flagSet.StringP("session-id", "s", "", "override session_id")
		logLevel  = flagSet.String("log-level", getenv("WEBGATE_LOG_LEVEL", "warn"), "debug|info|warn|error")
	)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "webgate-hook:", err)
		}
		return
	}
	// stdout belongs to the hook runner.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)})))

	payload, err := hookclient.Decode(os.Stdin, *event, *sessionID)
	if err != nil {
		slog.Debug("skipping hook", "err", err)
		return
	}
	client, err := hookclient.New(*serverURL)
	if err != nil {
		slog.Debug("bad server-url", "err", err)
		return
	}
	if err := client.Notify(context.Background(), payload); err != nil {
		slog.Debug("hook not delivered", "session_id", payload.SessionID, "event", string(payload.HookEventName), "err", err)
	}
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
		return slog.LevelWarn
	}
	return level
}
