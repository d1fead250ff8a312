// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// cowstore is a daemon running a transactional copy-on-write extent store.
// Extents are addressed logically, the store keeps the forward and reverse
// mappings, journals every commit and places extent data on a device, by
// default an s3 bucket.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/store contains the store and all its parts. See the package
// descriptions in the source code for more details.
//
// - internal/store/device/null contains trivial implementation of the device
// which does nothing but correctly. It can be used for benchmarking the
// transaction manager without any backend.
//
// - internal/config contains configuration package which is common for all
// parts.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/cowstore/internal/config"
	"github.com/asch/cowstore/internal/store"
)

// Parse configuration from file and environment variables, creates the store
// and runs it until it is signaled by SIGINT or SIGTERM to gracefully finish.
func main() {
	err := config.Configure()
	if err != nil {
		log.Panic().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	reg := prometheus.NewRegistry()

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort, reg)
	}

	s, err := store.NewWithDefaults(reg)
	if err != nil {
		log.Panic().Err(err).Send()
	}

	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		log.Panic().Err(err).Send()
	}

	log.Info().Msgf("Store on %s device running!", config.Cfg.Device)

	waitForStop()

	log.Info().Msg("Stopping the store.")

	if err := s.Stop(ctx); err != nil {
		log.Panic().Err(err).Send()
	}
}

// Blocks until SIGINT or SIGTERM came in.
func waitForStop() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)

	<-stopChan
	log.Info().Msg("Received interrupt!")
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support and exports metrics. Useful for
// perfomance debugging.
func runProfiler(port int, reg *prometheus.Registry) {
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}
