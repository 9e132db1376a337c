package entitlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultRevalidateSchedule re-validates once a day.
const DefaultRevalidateSchedule = "@every 24h"

const revalidateTimeout = 30 * time.Second

// Revalidator periodically re-validates the activation against the license
// server. Failures are logged, never surfaced.
type Revalidator struct {
	resolver *Resolver
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewRevalidator creates a revalidator. An empty schedule uses
// DefaultRevalidateSchedule.
func NewRevalidator(resolver *Resolver, schedule string, logger zerolog.Logger) *Revalidator {
	if schedule == "" {
		schedule = DefaultRevalidateSchedule
	}
	return &Revalidator{
		resolver: resolver,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With().Str("component", "revalidator").Logger(),
	}
}

// Start schedules re-validation and runs it once in the background.
func (v *Revalidator) Start() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.running {
		return errors.New("revalidator already running")
	}

	if _, err := v.cron.AddFunc(v.schedule, v.run); err != nil {
		return err
	}

	v.cron.Start()
	v.running = true

	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		v.run()
	}()

	v.logger.Info().Str("schedule", v.schedule).Msg("revalidator started")
	return nil
}

// Stop stops the schedule. The returned context is done once running jobs
// have finished.
func (v *Revalidator) Stop() context.Context {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	v.running = false
	v.logger.Info().Msg("stopping revalidator")
	cronCtx := v.cron.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		v.wg.Wait()
		cancel()
	}()
	return ctx
}

// RunNow re-validates synchronously.
func (v *Revalidator) RunNow() {
	v.run()
}

func (v *Revalidator) run() {
	ctx, cancel := context.WithTimeout(context.Background(), revalidateTimeout)
	defer cancel()

	res, problem := v.resolver.Resolve(ctx)
	d := DecisionFor(res)

	event := v.logger.Info()
	if problem != nil {
		event = v.logger.Warn().Err(problem)
	}
	event.
		Str("mode", string(d.Mode)).
		Str("tier", string(d.Tier)).
		Msg("license revalidated")
}
