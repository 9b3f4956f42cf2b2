// Package jobs holds the service's scheduled background work.
package jobs

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

type Publisher interface {
	Publish(clinicID int64)
	ActiveClinics() []int64
}

// Rollover pushes a fresh snapshot to every watched clinic when the local day
// changes, so open displays drop yesterday's queue without waiting for a
// mutation.
type Rollover struct {
	publisher Publisher
}

func NewRollover(publisher Publisher) *Rollover {
	return &Rollover{publisher: publisher}
}

// Run publishes once for each active clinic and reports how many were
// signalled.
func (r *Rollover) Run() int {
	clinics := r.publisher.ActiveClinics()
	for _, id := range clinics {
		r.publisher.Publish(id)
	}
	log.Info().Int("clinics", len(clinics)).Msg("day rollover published")
	return len(clinics)
}

// Schedule starts a cron scheduler in loc running the rollover on spec. The
// caller stops the returned scheduler on shutdown.
func Schedule(spec string, loc *time.Location, rollover *Rollover) (*cron.Cron, error) {
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, func() { rollover.Run() }); err != nil {
		return nil, fmt.Errorf("rollover schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
