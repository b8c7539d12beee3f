package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"parley/server/internal/core"
	"parley/server/internal/httpapi"
	"parley/server/internal/store"
	"parley/server/internal/wt"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", ":8080", "HTTP/websocket listen address")
	dbPath := flag.String("db", "parley.db", "SQLite database path")
	memory := flag.Bool("memory", false, "Use the in-memory message store instead of SQLite")
	wtAddr := flag.String("wt-addr", "", "WebTransport (HTTP/3) listen address; empty disables it")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting relay", "version", Version, "addr", *addr)

	var storage store.MessagesDAO
	if *memory {
		slog.Info("using in-memory message store")
		storage = store.NewMemory()
	} else {
		sqliteStore, err := store.OpenSQLite(*dbPath)
		if err != nil {
			slog.Error("open sqlite store", "err", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := sqliteStore.Close(); closeErr != nil {
				slog.Error("close sqlite store", "err", closeErr)
			}
		}()
		storage = sqliteStore
	}

	router := core.NewRouter(storage)
	server := httpapi.New(router, storage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	go router.Run(ctx)

	if *wtAddr != "" {
		tlsConfig, fingerprint, err := wt.GenerateTLSConfig(14*24*time.Hour, "")
		if err != nil {
			slog.Error("generate tls config", "err", err)
			os.Exit(1)
		}
		slog.Info("webtransport enabled", "addr", *wtAddr, "cert_sha256", fingerprint)
		wtServer := wt.NewServer(*wtAddr, tlsConfig, router)
		go func() {
			if err := wtServer.Run(ctx); err != nil {
				slog.Error("webtransport server error", "err", err)
			}
		}()
	}

	slog.Info("listening", "addr", *addr)
	if err := server.Run(ctx, *addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
