package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bpou/digital-dash/dashd/bluetooth"
	"github.com/bpou/digital-dash/dashd/config"
	"github.com/bpou/digital-dash/dashd/media"
	"github.com/bpou/digital-dash/dashd/mqtt"
	"github.com/bpou/digital-dash/dashd/runner"
	"github.com/bpou/digital-dash/dashd/server"
	"github.com/bpou/digital-dash/dashd/utils"
	"github.com/bpou/digital-dash/dashd/ws"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := ws.NewWebSocketHub()
	// The bridge joins once the now-playing pipeline exists, before anything
	// can broadcast.
	events := utils.Broadcasters{hub}

	run := runner.New()
	bt := bluetooth.NewBluetoothManager(run, bluetooth.Config{
		Bluetoothctl: cfg.Bluetoothctl,
		Pactl:        cfg.Pactl,
		Adapter:      cfg.Adapter,
		ScanTimeout:  cfg.ScanTimeout,
	}, &events)

	var obexClient media.ObexClient
	if client, err := media.NewDBusObexClient(cfg.ObexBus); err != nil {
		slog.Warn("obexd unavailable, cover art over bluetooth disabled", "error", err)
	} else {
		obexClient = client
		defer client.Close()
	}

	local := media.NewLocalCache(cfg.ArtworkMaxBytes, cfg.PublicURL)
	opts := media.Options{
		Devices:  bt,
		Player:   media.NewPlayer(run, cfg.Busctl, cfg.Adapter),
		Obex:     media.NewObexManager(obexClient),
		Local:    local,
		CoverArt: media.NewCoverArtFetcher(local, cfg.CoverArtTimeout),
		Web:      webStore(cfg),
	}
	if cfg.WebArtworkEnabled {
		opts.Searcher = media.NewWebSearcher(cfg.WebArtworkURL)
	}
	nowPlaying := media.NewNowPlaying(opts)

	if cfg.MQTTBrokerURL != "" {
		client, err := mqtt.Connect(cfg.MQTTBrokerURL, "dashd")
		if err != nil {
			slog.Warn("mqtt unavailable, vehicle bridge disabled", "error", err)
		} else {
			bridge := mqtt.NewBridge(client, cfg.MQTTTopicPrefix, nowPlaying)
			if err := bridge.Start(); err != nil {
				slog.Warn("mqtt subscribe failed", "error", err)
			}
			events = append(events, bridge)
			defer bridge.Close()
		}
	}

	err = bt.StartMonitor(ctx, func(address string, connected bool) {
		if !connected {
			nowPlaying.Forget(context.Background(), address)
		}
	})
	if err != nil {
		slog.Warn("connection monitor unavailable", "error", err)
	}
	if err := bt.StartNetworkMonitor(ctx); err != nil {
		slog.Warn("network monitor unavailable", "error", err)
	}

	srv := server.New(server.Deps{
		Bluetooth:  bt,
		Pairing:    bt.Pairing,
		Scan:       bt.Scan,
		Audio:      bt.Audio,
		NowPlaying: nowPlaying,
		Artwork:    local,
		Events:     hub,
	}, cfg.ArtworkMaxBytes)
	httpSrv := server.NewHTTPServer(cfg.Addr(), srv.Handler())

	go func() {
		slog.Info("dashd started", "addr", cfg.Addr(), "public_url", cfg.PublicURL)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	hub.Close()
	nowPlaying.Close(shutdownCtx)
	bt.Close()
}

// webStore picks redis when configured and reachable, else the in-process
// cache.
func webStore(cfg *config.Config) media.WebStore {
	if cfg.RedisAddr == "" {
		return media.NewWebCache(cfg.WebArtworkTTL)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unavailable, using in-memory web artwork cache", "addr", cfg.RedisAddr, "error", err)
		_ = rdb.Close()
		return media.NewWebCache(cfg.WebArtworkTTL)
	}

	slog.Info("web artwork cache on redis", "addr", cfg.RedisAddr)
	return media.NewRedisWebStore(rdb, cfg.WebArtworkTTL)
}
