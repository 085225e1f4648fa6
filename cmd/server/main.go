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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Stage/internal/adapters/http"
	"github.com/dkeye/Stage/internal/adapters/rtc"
	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/ids"
	"github.com/dkeye/Stage/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

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
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	engine := rtc.NewEngine(rtc.Options{
		ICEServers:       cfg.RTC.ICEServers,
		PublicIP:         cfg.RTC.PublicIP,
		UDPPortMin:       cfg.RTC.UDPPortMin,
		UDPPortMax:       cfg.RTC.UDPPortMax,
		GatherTimeout:    cfg.RTC.GatherTimeout,
		HandshakeTimeout: cfg.RTC.HandshakeTimeout,
		IncludeLoopback:  cfg.RTC.IncludeLoopback,
	})
	reg := app.NewRegistry(engine, ids.NewSSRCPool(),
		app.WithRoomOptions(core.RoomOptions{ReconnectTimeout: cfg.ReconnectTimeout}))
	m := metrics.New(reg.List)
	o := orch.New(reg, app.SimplePolicy{}, m, cfg.HandlerTimeout)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(ctx, cfg, o, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Stage server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return errors.Join(srv.Shutdown(shutdownCtx), reg.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
