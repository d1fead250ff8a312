// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package store

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Register SIGUSR1 as a trigger for reclaim. The handler stops with ctx.
func (s *Store) registerSigUSR1Handler(ctx context.Context) {
	s.sigusr1 = make(chan os.Signal, 1)
	signal.Notify(s.sigusr1, syscall.SIGUSR1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.sigusr1:
			}

			s.reclaim(ctx)
		}
	}()
}

func (s *Store) unregisterSigUSR1Handler() {
	signal.Stop(s.sigusr1)
}

// Runs reclaim with the configured threshold and releases segments it
// emptied.
func (s *Store) reclaim(ctx context.Context) {
	log.Info().Msgf("Reclaim started with threshold %1.2f.", s.reclaimThreshold)

	moved, err := s.Cleaner.Reclaim(ctx, s.reclaimThreshold)
	if err != nil {
		log.Info().Err(err).Send()
		return
	}

	released, err := s.Cleaner.ReleaseEmpty(ctx)
	if err != nil {
		log.Info().Err(err).Send()
		return
	}

	log.Info().Int("extents", moved).Int("segments", released).Msg("Reclaim finished.")
}
