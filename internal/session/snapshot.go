package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Snapshotter periodically appends a full-state snapshot event to every
// live session, keeping a recent state inside each ring so reconnecting
// clients rarely need the out-of-band snapshot fetch.
type Snapshotter struct {
	manager  *Manager
	schedule cronlib.Schedule
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSnapshotter parses the cron expression and builds a Snapshotter.
func NewSnapshotter(manager *Manager, cronExpr string, logger *slog.Logger) (*Snapshotter, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot schedule %q: %w", cronExpr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{
		manager:  manager,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// Start begins the snapshot loop in a background goroutine.
func (s *Snapshotter) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("snapshotter started")
}

// Stop cancels the loop and waits for it to exit.
func (s *Snapshotter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("snapshotter stopped")
}

func (s *Snapshotter) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick()
		}
	}
}

func (s *Snapshotter) tick() {
	for _, sess := range s.manager.All() {
		ev := sess.AppendStateSnapshot()
		s.logger.Debug("state snapshot appended", "session_id", sess.ID, "seq", ev.Seq)
	}
}
