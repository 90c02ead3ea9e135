package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/setavenger/blindbit-statedb/internal/backend"
	"github.com/setavenger/blindbit-statedb/internal/chainsim"
	"github.com/setavenger/blindbit-statedb/internal/config"
	"github.com/setavenger/blindbit-statedb/internal/indexer"
	"github.com/setavenger/blindbit-statedb/internal/logging"
	"github.com/setavenger/blindbit-statedb/internal/metrics"
	"github.com/setavenger/blindbit-statedb/internal/server"
	"github.com/setavenger/blindbit-statedb/internal/statedb"
)

var (
	displayVersion bool
	Version        = "0.0.0"
)

func init() {
	flag.StringVar(
		&config.BaseDirectory,
		"datadir",
		config.DefaultBaseDirectory,
		"Set the base directory for blindbit statedb. Default directory is ~/.blindbit-statedb",
	)
	flag.BoolVar(
		&displayVersion,
		"version",
		false,
		"show version of blindbit-statedb",
	)
}

func main() {
	flag.Parse()
	if displayVersion {
		fmt.Println("blindbit-statedb version:", Version) // using fmt because loggers are not initialised
		os.Exit(0)
	}

	if err := run(); err != nil {
		logging.L.Err(err).Msg("program failed")
		os.Exit(1)
	}
}

func run() (err error) {
	config.SetDirectories()
	if err := os.MkdirAll(config.BaseDirectory, 0750); err != nil {
		return fmt.Errorf("create base directory: %w", err)
	}
	logging.L.Info().Msgf("base directory %s", config.BaseDirectory)

	if err := config.LoadConfigs(filepath.Join(config.BaseDirectory, config.ConfigFileName)); err != nil {
		return err
	}
	// the config file may point somewhere else
	config.SetDirectories()

	if config.LogToFile {
		if err := logging.SetLogOutput(config.LogsPath, "statedb.log", true); err != nil {
			logging.L.Warn().Err(err).Msg("Failed to initialize file logging")
		}
	}
	defer func() {
		err = multierr.Append(err, logging.Close())
	}()

	mode, err := config.Pruning()
	if err != nil {
		return err
	}

	store, err := backend.Open(config.Backend, config.DBPath, config.NodeCacheSize)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := store.Close()
		if closeErr == nil {
			logging.L.Debug().Msg("db closed successfully")
		}
		err = multierr.Append(err, closeErr)
	}()

	registry := prometheus.NewRegistry()
	collector := metrics.NewStateDBCollector(registry)

	state, err := statedb.New(mode, store, statedb.WithMetrics(collector))
	if err != nil {
		return err
	}

	depth := uint64(config.SimFinalityDepth)
	source := &chainsim.Source{
		Generator: chainsim.New(chainsim.Config{
			Seed:            config.SimSeed,
			ForkProbability: config.SimForkProbability,
			KeysPerBlock:    config.SimKeysPerBlock,
			DeletesPerBlock: config.SimDeletesPerBlock,
			// a fork must not outlive the finalization of its root
			MaxForkLength: int(depth) + 1,
		}),
		Interval: config.SimBlockInterval,
	}
	builder := indexer.NewBuilder(store, state, source, depth, indexer.WithMetrics(collector))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logging.L.Info().Msg("Program Started")
	defer logging.L.Info().Msg("Program shut down")

	errChan := make(chan error, 2)
	go func() {
		errChan <- server.RunServer(ctx, &server.ApiHandler{
			State:    state,
			Store:    store,
			Backend:  config.Backend,
			Gatherer: registry,
		}, config.HTTPHost)
	}()
	go func() {
		errChan <- builder.ContinuousSync(ctx)
	}()

	// the first result decides, the other side is stopped and drained
	first := <-errChan
	cancel()
	second := <-errChan
	if errors.Is(first, context.Canceled) {
		logging.L.Info().Msg("Program interrupted")
		first = nil
	}
	if errors.Is(second, context.Canceled) {
		second = nil
	}
	return multierr.Combine(first, second)
}
