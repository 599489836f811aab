package triggers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultPollInterval = time.Second

// Scheduler calls Evaluator.Tick on an interval.
type Scheduler struct {
	evaluator *Evaluator
	clock     Clock
	interval  time.Duration
	prune     func(ctx context.Context, cutoff time.Time) (int64, error)
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	PollInterval time.Duration
	Clock        Clock
	// ClaimRetention prunes SQL claims older than this. Zero keeps them.
	ClaimRetention time.Duration
}

// NewScheduler creates a scheduler for e.
func NewScheduler(e *Evaluator, cfg SchedulerConfig) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = e.clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		evaluator: e,
		clock:     cfg.Clock,
		interval:  cfg.PollInterval,
		retention: cfg.ClaimRetention,
		ctx:       ctx,
		cancel:    cancel,
	}
	if c, ok := e.claimer.(*SQLClaimer); ok && cfg.ClaimRetention > 0 {
		s.prune = c.PruneClaims
	}
	return s
}

// Start begins the poll loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.pollLoop()

	log.Info().Dur("poll_interval", s.interval).Msg("Scheduler started")
}

// Stop ends the poll loop and waits for the current tick.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var lastPrune time.Time
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := s.clock.Now()
			if _, err := s.evaluator.Tick(s.ctx, now); err != nil && s.ctx.Err() == nil {
				log.Error().Err(err).Msg("Failed to process due schedules")
			}
			if s.prune != nil && now.Sub(lastPrune) >= time.Hour {
				lastPrune = now
				if n, err := s.prune(s.ctx, now.Add(-s.retention)); err != nil {
					log.Warn().Err(err).Msg("Failed to prune schedule claims")
				} else if n > 0 {
					log.Debug().Int64("deleted", n).Msg("Pruned schedule claims")
				}
			}
		}
	}
}
