package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lke-infra/vlanctl/internal/allocator"
	"github.com/lke-infra/vlanctl/internal/cloud"
	"github.com/lke-infra/vlanctl/internal/config"
	coordetcd "github.com/lke-infra/vlanctl/internal/coordstore/etcd"
	"github.com/lke-infra/vlanctl/internal/leadership"
	"github.com/lke-infra/vlanctl/internal/metrics"
	"github.com/lke-infra/vlanctl/internal/retry"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadAllocator()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load allocator config")
	}
	log.Logger = log.Level(loggerLevelFromString(cfg.LoggerLevel))

	store, err := coordetcd.NewClient(ctx, cfg.EtcdEndpoints, 5*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to etcd")
	}
	defer store.Close()

	cloudClient := cloud.NewClient(cfg.CloudBaseURL, cfg.CloudToken, cfg.Region, cfg.RequestTimeout, cfg.CloudRPS)

	var stats metrics.Metrics = metrics.Nop{}
	if cfg.StatsdAddr != "" {
		stats = metrics.NewStatsd(cfg.InstanceID, cfg.StatsdAddr)
	}

	var svc *allocator.Service
	manager := leadership.NewManager(
		store,
		cfg.InstanceID,
		cfg.LeaseTTL,
		cfg.PollInterval,
		leadership.OnElected(func(ctx context.Context) {
			err := retry.Bounded(ctx, 3, 2*time.Second, func() error {
				return svc.LoadPool(ctx)
			})
			if err != nil {
				// Requests 503 until the pool loads on a later transition;
				// serving nothing is safer than serving a stale pool.
				log.Error().Err(err).Msg("failed to load pool after winning election")
				svc.UnloadPool()
			}
		}),
		leadership.OnDemoted(func(context.Context) {
			svc.UnloadPool()
		}),
	)

	svc, err = allocator.NewService(
		store,
		manager,
		cloudClient,
		stats,
		cfg.SubnetCIDR,
		cfg.VLANLabel,
		cfg.PoolSnapshotPath,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create allocation service")
	}

	go manager.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: allocator.NewHandler(svc),
	}
	go func() {
		log.Info().Msgf("allocator %s listening on %s", cfg.InstanceID, cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to serve http")
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shut down http server")
	}
}
