package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agent462/drover/internal/api"
	"github.com/agent462/drover/internal/cache"
	"github.com/agent462/drover/internal/config"
	"github.com/agent462/drover/internal/executor"
	"github.com/agent462/drover/internal/queue"
	"github.com/agent462/drover/internal/relay"
	"github.com/agent462/drover/internal/ssh"
	"github.com/agent462/drover/internal/store"
	"github.com/agent462/drover/internal/transport"
)

var serveFlags struct {
	listen   string
	database string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue, scheduler, relay hub and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveFlags.listen != "" {
			cfg.Listen = serveFlags.listen
		}
		if serveFlags.database != "" {
			cfg.Database.Path = serveFlags.database
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, slog.Default())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveFlags.listen, "listen", "l", "", "listen address (overrides config)")
	serveCmd.Flags().StringVarP(&serveFlags.database, "database", "d", "", "sqlite database file (overrides config)")
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	execCache := cache.NewExecutionCache(st, st,
		cache.WithTaskTTL(cfg.Queue.TaskCacheTTL.Duration),
		cache.WithStatsRefresh(cfg.Queue.StatsRefresh.Duration),
		cache.WithLogger(logger),
	)
	manager := queue.NewManager(st, execCache, logger)
	if _, err := manager.Recover(ctx); err != nil {
		return err
	}

	if cfg.Relay.APIKey == "" {
		logger.Warn("relay.api_key is empty: proxy agents cannot connect", "env", config.EnvRelayAPIKey)
	}
	hub := relay.NewHub(cfg.Relay.APIKey,
		relay.WithCommandTimeout(cfg.Relay.CommandTimeout.Duration),
		relay.WithPingInterval(cfg.Relay.PingInterval.Duration),
		relay.WithLogger(logger),
		relay.WithPresenceFunc(func(proxyID string, online bool) {
			if err := st.TouchProxy(context.WithoutCancel(ctx), proxyID, time.Now()); err != nil {
				logger.Warn("record proxy presence", "proxy_id", proxyID, "err", err)
			}
		}),
	)

	pool := ssh.NewPool(ssh.ClientConfig{
		AcceptUnknownHosts: cfg.SSH.AcceptUnknownHosts,
		KnownHostsFile:     cfg.SSH.KnownHosts,
		DialTimeout:        cfg.SSH.DialTimeout.Duration,
	})
	defer ssh.CloseAgent()

	tr := transport.New(st, pool, hub, transport.WithLogger(logger))
	exec := executor.New(tr, execCache, st, manager, executor.WithLogger(logger))
	processor := queue.NewProcessor(manager, exec,
		queue.WithConcurrency(cfg.Queue.Concurrency),
		queue.WithInterval(cfg.Queue.Interval.Duration),
		queue.WithLogger(logger),
	)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: cfg.Listen,
		Handler: api.NewRouter(api.Deps{
			Queue:     manager,
			Scheduler: processor,
			History:   st,
			Editor:    st,
			Tasks:     execCache,
			Prober:    tr,
			Presence:  hub,
			Relay:     hub,
			Logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return execCache.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("drover listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	processor.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}

		graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.Queue.ShutdownGrace.Duration)
		defer cancelGrace()
		if err := processor.Stop(graceCtx); err != nil {
			logger.Warn("queue items were cancelled at shutdown", "err", err)
		}

		hub.Close()
		if err := pool.Close(); err != nil {
			logger.Warn("close ssh pool", "err", err)
		}
		return nil
	})

	return g.Wait()
}
