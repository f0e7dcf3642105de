// Command stream-relay bridges a conference chat with the chat of the platforms the conference
// is broadcast to, and drives the broadcaster job lifecycle. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the kv store (file, postgres, redis or memory) and restores session state.
//   - Runs the chat gateway (websocket bridge, or direct Twitch IRC and YouTube live chat).
//   - Runs the message relay and resumes polling a persisted broadcast.
//   - Keeps the stored YouTube token fresh in the background.
//   - Exposes the operator HTTP API with /healthz, /readyz, /status, /metrics and /broadcast.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-relay/broadcast"
	"github.com/onnwee/stream-relay/broadcastapi"
	"github.com/onnwee/stream-relay/chat"
	"github.com/onnwee/stream-relay/conference"
	"github.com/onnwee/stream-relay/config"
	"github.com/onnwee/stream-relay/gateway"
	"github.com/onnwee/stream-relay/kv"
	"github.com/onnwee/stream-relay/oauth"
	"github.com/onnwee/stream-relay/relay"
	"github.com/onnwee/stream-relay/server"
	"github.com/onnwee/stream-relay/session"
	"github.com/onnwee/stream-relay/telemetry"
	"github.com/onnwee/stream-relay/youtubeapi"
)

// chatGateway is what main runs on the platform side of the relay.
type chatGateway interface {
	relay.Gateway
	Connected() bool
	Run(ctx context.Context) error
}

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateRelay(); err != nil {
		slog.Error("invalid relay config", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("stream-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	if err := run(cfg); err != nil {
		slog.Error("stream-relay exited with error", slog.Any("err", err))
		shutdown()
		os.Exit(1)
	}
	slog.Info("shut down cleanly")
}

func run(cfg *config.Config) error {
	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kv.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer func() {
		if err := kv.Close(store); err != nil {
			slog.Error("failed to close kv store", slog.Any("err", err))
		}
	}()

	state := session.New(cfg.MeetingID, cfg.BackendUserID, store, cfg.DedupCapacity)
	if err := state.Load(ctx); err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	if id, status := state.CurrentStream(); id != "" {
		slog.Info("restored current broadcast", slog.String("stream_id", id), slog.String("status", status))
	}

	var yt *youtubeapi.Service
	if cfg.YTClientID != "" {
		yt = youtubeapi.New(cfg, store)
	}

	gw, err := buildGateway(cfg, yt)
	if err != nil {
		return err
	}

	conf := conference.New(cfg.ConferenceAPIURL, cfg.MeetingID, cfg.ConferenceAPIToken, cfg.HTTPTimeout)
	rl := relay.New(state, conf, gw,
		relay.WithCommands(relay.NewCommands(cfg.Platforms)),
		relay.WithPollInterval(cfg.ConferencePollInterval),
		relay.WithBatchWindow(cfg.InboundBatchWindow),
		relay.WithCompactInterval(cfg.DedupCompactInterval),
	)

	deps := server.Deps{Store: store, State: state, Relay: rl, Gateway: gw, YouTube: yt}

	var ctl *broadcast.Controller
	if err := cfg.ValidateBroadcast(); err != nil {
		slog.Info("broadcast control disabled", slog.Any("reason", err))
	} else {
		api := broadcastapi.New(cfg.APIURL, cfg.HTTPTimeout)
		api.Token = cfg.APIToken
		ctl = broadcast.NewController(api, api, state,
			broadcast.WithPollInterval(cfg.BroadcastPoll),
			broadcast.WithMaxAttempts(cfg.BroadcastAttempts),
		)
		defer ctl.Close()
		deps.Broadcast = ctl
		if cfg.BroadcastAutoResume {
			ctl.Resume(ctx)
		}
	}

	startPprof()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error { return rl.Run(gctx) })
	g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, deps) })
	if yt != nil {
		refresher := oauth.NewRefresher("youtube", yt, 10*time.Minute, 20*time.Minute)
		g.Go(func() error { return refresher.Run(gctx) })
	}

	slog.Info("stream-relay started",
		slog.String("meeting_id", cfg.MeetingID),
		slog.String("gateway_mode", cfg.GatewayMode),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.Bool("broadcast_control", ctl != nil),
		slog.Bool("tracing", telemetry.IsTracingEnabled()))

	err = g.Wait()
	slog.Info("shutting down")

	// Flush the processed set with a fresh context; the run context is already cancelled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := state.Save(saveCtx); serr != nil {
		slog.Error("failed to save session state", slog.Any("err", serr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildGateway returns the websocket bridge client or, in direct mode, a mux over the
// configured platform adapters.
func buildGateway(cfg *config.Config, yt *youtubeapi.Service) (chatGateway, error) {
	if cfg.GatewayMode == config.GatewayWebsocket {
		var opts []gateway.Option
		if cfg.ChatGatewayToken != "" {
			opts = append(opts, gateway.WithHeader(http.Header{"Authorization": {"Bearer " + cfg.ChatGatewayToken}}))
		}
		gw, err := gateway.New(cfg.ChatGatewayURL, cfg.MeetingID, opts...)
		if err != nil {
			return nil, fmt.Errorf("build chat gateway: %w", err)
		}
		slog.Info("chat gateway configured", slog.String("url", gw.URL()), slog.String("component", "gateway"))
		return gw, nil
	}

	var adapters []chat.Adapter
	if err := cfg.ValidateTwitch(); err == nil {
		adapters = append(adapters, chat.NewTwitchAdapter(cfg.TwitchChannel, cfg.TwitchBotUsername, cfg.TwitchOAuthToken))
	} else {
		slog.Info("twitch chat disabled", slog.Any("reason", err))
	}
	if err := cfg.ValidateYouTube(); err == nil && yt != nil {
		adapters = append(adapters, youtubeapi.NewLiveChat(cfg.YTLiveChatID, yt.Client))
	} else if err != nil {
		slog.Info("youtube chat disabled", slog.Any("reason", err))
	}
	if len(adapters) == 0 {
		return nil, errors.New("GATEWAY_MODE=direct but no platform adapter is configured")
	}
	mux := chat.NewMux(adapters...)
	slog.Info("direct chat adapters configured", slog.Any("platforms", mux.Platforms()), slog.String("component", "chat"))
	return mux, nil
}

// setupLogging configures the default logger. Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// startPprof serves the default mux's /debug/pprof when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
