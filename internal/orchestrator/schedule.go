package orchestrator

import (
	"errors"
	"log"

	"github.com/robfig/cron/v3"
)

// Schedule starts a run on a cron cadence. A run already in progress is
// skipped by the orchestrator's busy guard; an unreachable surface is
// logged and retried at the next tick.
type Schedule struct {
	cron *cron.Cron
}

// NewSchedule creates a Schedule from a standard five-field cron expression
func NewSchedule(expr string, o *Orchestrator) (*Schedule, error) {
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		err := o.Start()
		switch {
		case err == nil:
		case errors.Is(err, ErrBusy):
			log.Printf("scheduled start skipped: %v", err)
		default:
			log.Printf("scheduled start failed: %v", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return &Schedule{cron: c}, nil
}

// Start begins firing on schedule
func (s *Schedule) Start() {
	s.cron.Start()
}

// Stop halts the schedule; a started run keeps going
func (s *Schedule) Stop() {
	s.cron.Stop()
}
