// internal/scheduler/runner.go
package scheduler

import (
	"context"
	"log"
)

// Run cycles until ctx is cancelled. One goroutine per port; exchanges on
// the port never overlap. Device errors never stop the loop.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("scheduler started (port=%s devices=%d ranges=%d)", s.cfg.Name, len(s.devices), len(s.plan.Ranges()))
	defer func() {
		if err := s.port.Close(); err != nil {
			log.Printf("port close failed (port=%s): %v", s.cfg.Name, err)
		}
		log.Printf("scheduler stopped (port=%s)", s.cfg.Name)
	}()

	for {
		if err := s.Cycle(ctx); err != nil {
			return
		}
	}
}
