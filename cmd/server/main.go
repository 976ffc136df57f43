// Command server runs the collaborative editing sync server: a WebSocket
// endpoint per document plus a small REST surface for creating documents
// and browsing their history. State lives in Postgres when DATABASE_URL is
// set and in memory otherwise; with REDIS_ADDR set, broadcasts are relayed
// between instances.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"cowrite/pkg/auth"
	"cowrite/pkg/history"
	"cowrite/pkg/hub"
	"cowrite/pkg/relay"
	"cowrite/pkg/store"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := flag.String("addr", envOr("LISTEN_ADDR", ":8081"), "listen address")
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "postgres connection url (empty for in-memory)")
	redisAddr := flag.String("redis", os.Getenv("REDIS_ADDR"), "redis address for cross-instance relay (empty to disable)")
	passkey := flag.String("passkey", os.Getenv("PASSKEY"), "shared secret clients must present (empty for open access)")
	announce := flag.Bool("announce", envOr("ANNOUNCE", "true") == "true", "advertise the server over mDNS")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		persistence store.Persistence
		versions    history.Store
	)
	if *dbURL != "" {
		pool, err := pgxpool.New(ctx, *dbURL)
		if err != nil {
			logger.Error("connect to postgres", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Error("ping postgres", "err", err)
			os.Exit(1)
		}
		pg := store.NewPostgres(pool)
		if err := pg.Init(ctx); err != nil {
			logger.Error("init schema", "err", err)
			os.Exit(1)
		}
		persistence = pg
		versions = pg
		logger.Info("using postgres", "url", *dbURL)
	} else {
		persistence = store.NewMemory()
		versions = history.NewMemoryStore()
		logger.Info("using in-memory store; documents will not survive a restart")
	}

	var (
		broadcasts hub.Relay
		leases     Leaser
	)
	if *redisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: *redisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("ping redis", "err", err)
			os.Exit(1)
		}
		red := relay.NewRedis(client, logger)
		broadcasts = red
		leases = red
		logger.Info("relaying broadcasts through redis", "addr", *redisAddr)
	}

	var gate auth.Authenticator = auth.Open{}
	if *passkey != "" {
		gate = auth.NewPasskey(*passkey)
	}

	a := newApp(ctx, appConfig{
		Logger:  logger,
		Store:   persistence,
		History: versions,
		Relay:   broadcasts,
		Leaser:  leases,
		Auth:    gate,
	})

	if *announce {
		if port, err := portOf(*addr); err != nil {
			logger.Warn("mdns disabled, cannot parse listen address", "addr", *addr, "err", err)
		} else if srv, err := zeroconf.Register("cowrite", "_cowrite._tcp", "local.", port, nil, nil); err != nil {
			logger.Warn("mdns registration failed", "err", err)
		} else {
			defer srv.Shutdown()
			logger.Info("announced over mdns", "service", "_cowrite._tcp", "port", port)
		}
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()
	logger.Info("listening", "addr", *addr)

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
		a.wait()
	}
}

func portOf(addr string) (int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return 0, errors.New("no port in address")
	}
	return strconv.Atoi(addr[i+1:])
}
