package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lke-infra/vlanctl/internal/agent"
	"github.com/lke-infra/vlanctl/internal/allocclient"
	"github.com/lke-infra/vlanctl/internal/cloud"
	"github.com/lke-infra/vlanctl/internal/config"
	coordetcd "github.com/lke-infra/vlanctl/internal/coordstore/etcd"
	"github.com/lke-infra/vlanctl/internal/netops"
	"github.com/lke-infra/vlanctl/internal/orchestrator"
	"github.com/lke-infra/vlanctl/internal/rebootlock"
)

const (
	requeueDelay    = 60 * time.Second
	lockBackoff     = 10 * time.Second
	teardownTimeout = 30 * time.Second
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

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load agent config")
	}
	log.Logger = log.Level(loggerLevelFromString(cfg.LoggerLevel))

	store, err := coordetcd.NewClient(ctx, cfg.EtcdEndpoints, 5*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to etcd")
	}
	defer store.Close()

	cloudClient := cloud.NewClient(cfg.CloudBaseURL, cfg.CloudToken, cfg.Region, cfg.RequestTimeout, cfg.CloudRPS)

	directory, err := orchestrator.NewClient(cfg.OrchestratorURL, cfg.OrchestratorToken, cfg.RequestTimeout, false)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create orchestrator client")
	}

	lock := rebootlock.New(store, cfg.NodeName, lockBackoff)
	alloc := allocclient.NewClient(cfg.AllocatorURL, cfg.NodeName, cfg.RequestTimeout)

	nodeAgent, err := agent.New(cfg, cloudClient, alloc, netops.New(), directory, lock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create agent")
	}

	if len(os.Args) > 1 && os.Args[1] == "teardown" {
		runTeardown(nodeAgent)
		return
	}

	result, err := nodeAgent.Run(ctx, requeueDelay)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted: graceful teardown releases the lease unless a
			// reboot marker says otherwise.
			runTeardown(nodeAgent)
			return
		}
		log.Fatal().Err(err).Msg("agent run failed")
	}

	switch result {
	case agent.ResultRebootRequested:
		log.Warn().Msgf("reboot requested for node %s, exiting", cfg.NodeName)
	case agent.ResultReady:
		log.Info().Msgf("node %s attachment up to date", cfg.NodeName)
	}
}

func runTeardown(nodeAgent *agent.Agent) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := nodeAgent.Teardown(ctx); err != nil {
		log.Error().Err(err).Msg("teardown failed")
		os.Exit(1)
	}
}
