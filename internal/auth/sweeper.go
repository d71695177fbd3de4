package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs the abandoned-session sweep every 15 minutes.
const DefaultSweepSchedule = "*/15 * * * *"

// Sweeper periodically closes audit sessions whose token can no longer be
// valid. A session older than the token lifetime was abandoned.
type Sweeper struct {
	recorder *SessionRecorder
	maxAge   time.Duration
	schedule string
	timeout  time.Duration
	log      zerolog.Logger
}

func NewSweeper(recorder *SessionRecorder, maxAge time.Duration, schedule string, log zerolog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{
		recorder: recorder,
		maxAge:   maxAge,
		schedule: schedule,
		timeout:  30 * time.Second,
		log:      log,
	}
}

// Start schedules the sweep and stops it when ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", s.schedule, err)
	}
	c.Start()
	s.log.Info().Str("schedule", s.schedule).Dur("max_age", s.maxAge).Msg("audit session sweeper started")
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// RunOnce performs a single sweep and returns how many sessions it closed.
func (s *Sweeper) RunOnce(ctx context.Context) int64 {
	if ctx.Err() != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.recorder.CloseAbandoned(ctx, s.maxAge)
	if err != nil {
		s.log.Error().Err(err).Msg("audit session sweep failed")
		return 0
	}
	if n > 0 {
		s.log.Info().Int64("closed", n).Msg("closed abandoned audit sessions")
	}
	return n
}
