package connections

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-broker/internal/broker"
)

// Sweeper periodically re-tests every active connection.
type Sweeper struct {
	registry *Registry
	factory  AdapterFactory
	interval time.Duration
	timeout  time.Duration
}

func NewSweeper(registry *Registry, f AdapterFactory, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{
		registry: registry,
		factory:  f,
		interval: interval,
		timeout:  broker.DefaultTimeout,
	}
}

// Start runs sweeps until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "connection_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting connection sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down connection sweeper")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("connection sweep failed")
			}
		}
	}
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked     int
	Healthy     int
	Deactivated int
	Failed      int
}

// Sweep tests each active connection once.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	logger := log.With().Str("component", "connection_sweeper").Logger()

	conns, err := s.registry.store.ListActive(ctx)
	if err != nil {
		return SweepResult{}, err
	}

	var res SweepResult
	for i := range conns {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		conn := &conns[i]
		res.Checked++

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		result, err := Test(callCtx, s.registry, s.factory, conn)
		cancel()

		switch {
		case result.OK:
			res.Healthy++
		case result.Deactivated:
			res.Deactivated++
		default:
			res.Failed++
			logger.Warn().Err(err).
				Str("connection_id", conn.ID).
				Str("broker", conn.BrokerName).
				Msg("connection check failed, leaving unchanged")
		}
	}

	logger.Info().
		Int("checked", res.Checked).
		Int("healthy", res.Healthy).
		Int("deactivated", res.Deactivated).
		Int("failed", res.Failed).
		Msg("connection sweep complete")
	return res, nil
}
