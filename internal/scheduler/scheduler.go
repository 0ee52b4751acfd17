package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kidgate/internal/audit"
	"kidgate/internal/clock"
	"kidgate/internal/database"

	"github.com/rs/zerolog"
)

const (
	DefaultInterval     = time.Minute
	DefaultOfflineAfter = 10 * time.Minute
)

// Scheduler periodically marks active devices that stopped sending
// heartbeats as offline.
type Scheduler struct {
	db           *database.DB
	audit        *audit.Logger
	clock        clock.Clock
	log          zerolog.Logger
	interval     time.Duration
	offlineAfter time.Duration
	stop         chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
}

func New(db *database.DB, auditLog *audit.Logger, log zerolog.Logger, clk clock.Clock, interval, offlineAfter time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		db:           db,
		audit:        auditLog,
		clock:        clk,
		log:          log.With().Str("component", "scheduler").Logger(),
		interval:     interval,
		offlineAfter: offlineAfter,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.run()
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	// Run immediately on start
	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	codes, err := s.SweepOffline(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Offline sweep failed")
		return
	}
	if len(codes) > 0 {
		s.log.Info().Int("count", len(codes)).Strs("devices", codes).Msg("Marked devices offline")
	}
}

// SweepOffline moves every active device whose last heartbeat is older than
// the offline threshold to offline and returns their codes. Devices that
// never sent a heartbeat are judged by their pairing time.
func (s *Scheduler) SweepOffline(ctx context.Context) ([]string, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.offlineAfter)

	var codes []string
	err := s.db.SelectContext(ctx, &codes, s.db.Rebind(`
		UPDATE devices SET status = 'offline', updated_at = ?
		WHERE status = 'active' AND COALESCE(last_seen_at, paired_at, created_at) < ?
		RETURNING device_code
	`), now, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweep offline devices: %w", err)
	}

	for _, code := range codes {
		s.audit.Log(ctx, audit.EventDeviceOffline, "scheduler", code, map[string]interface{}{
			"offline_after": s.offlineAfter.String(),
		})
	}
	return codes, nil
}
