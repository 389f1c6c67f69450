package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/gcomms/internal/adapters/http"
	"github.com/dkeye/gcomms/internal/adapters/rtc"
	peerlink "github.com/dkeye/gcomms/internal/adapters/signal"
	"github.com/dkeye/gcomms/internal/adapters/storage"
	"github.com/dkeye/gcomms/internal/app/heartbeat"
	"github.com/dkeye/gcomms/internal/app/loop"
	"github.com/dkeye/gcomms/internal/app/orch"
	"github.com/dkeye/gcomms/internal/app/persist"
	"github.com/dkeye/gcomms/internal/app/reconnect"
	"github.com/dkeye/gcomms/internal/config"
	"github.com/dkeye/gcomms/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	sub, closeStore, err := storage.Open(storage.Options{
		Backend:      cfg.Storage.Backend,
		SQLitePath:   cfg.Storage.SQLitePath,
		QuotaBytes:   cfg.Storage.QuotaBytes,
		ConsulAddr:   cfg.Storage.ConsulAddr,
		ConsulPrefix: cfg.Storage.ConsulPrefix,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("close storage")
		}
	}()

	clk := clock.New()
	lp := loop.New(clk)

	linkCfg := peerlink.DefaultConfig()
	linkCfg.PingPeriod = cfg.PingPeriod
	linkCfg.WriteTimeout = cfg.WriteTimeout
	linkCfg.ReadLimit = cfg.ReadLimit
	linkCfg.Directory = make(map[domain.PeerID]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		linkCfg.Directory[domain.PeerID(p.ID)] = p.URL
	}
	tr := peerlink.New(ctx, domain.PeerID(cfg.NodeID), linkCfg)

	media, err := rtc.NewRegistry(rtc.Config{ICEServers: cfg.Media.ICEServers, LocalAudio: cfg.Media.Audio}, tr)
	if err != nil {
		return fmt.Errorf("media registry: %w", err)
	}

	store := persist.New(sub, clk, persist.Config{MaxSessionAge: cfg.Session.MaxAge})
	o := orch.New(orch.Config{
		Heartbeat: heartbeat.Config{
			Interval:       cfg.Heartbeat.Interval,
			StaleThreshold: cfg.Heartbeat.StaleThreshold,
		},
		Reconnect: reconnect.Config{
			MaxAttempts:    cfg.Reconnect.MaxAttempts,
			BaseDelay:      cfg.Reconnect.BaseDelay,
			MaxDelay:       cfg.Reconnect.MaxDelay,
			AttemptTimeout: cfg.Reconnect.AttemptTimeout,
		},
		QueueTimeout:      cfg.JoinQueue.Timeout,
		JoinTimeout:       cfg.Join.Timeout,
		WaitRetry:         cfg.Join.WaitRetry,
		HashInterval:      cfg.Sync.HashInterval,
		MaxRepull:         cfg.Sync.MaxRepull,
		JoinRateLimit:     cfg.Join.RateLimit,
		JoinRateInterval:  cfg.Join.RateInterval,
		BackpressureLimit: cfg.BackpressureLimit,
	}, lp, tr, media, store)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lp.Run(gctx) })

	r, err := router.SetupRouter(gctx, cfg, lp, o, tr)
	if err != nil {
		return fmt.Errorf("setup router: %w", err)
	}
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Str("node", cfg.NodeID).Msg("gcomms node started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return lp.Call(gctx, func() error {
			if offer, ok := o.Rejoin(); ok {
				log.Info().Str("session", offer.SessionCode).Str("offer", offer.Message).Msg("stored session available, POST /api/commands/resume to rejoin")
			}
			return nil
		})
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		media.Close()
		tr.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
