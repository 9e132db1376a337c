package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/folio/internal/metrics"
)

// ReporterConfig holds configuration for the usage reporter.
type ReporterConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultReporterConfig returns the default reporter settings.
func DefaultReporterConfig() ReporterConfig {
	return ReporterConfig{
		QueueSize:    256,
		MaxRetries:   3,
		RetryBackoff: 2 * time.Second,
	}
}

// UsageReporter delivers usage events to the license server in the
// background. Report never blocks; events are dropped when the buffer is
// full or retries run out.
type UsageReporter struct {
	client  Client
	config  ReporterConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics

	events chan UsageEvent

	mu      sync.RWMutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewUsageReporter creates a usage reporter. Call Start to begin delivery.
func NewUsageReporter(client Client, config ReporterConfig, logger zerolog.Logger, m *metrics.Metrics) *UsageReporter {
	defaults := DefaultReporterConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &UsageReporter{
		client:  client,
		config:  config,
		logger:  logger.With().Str("component", "usage_reporter").Logger(),
		metrics: m,
		events:  make(chan UsageEvent, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the delivery worker. Calling it more than once is a no-op.
func (r *UsageReporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true

	r.wg.Add(1)
	go r.run()

	r.logger.Info().
		Int("queue_size", r.config.QueueSize).
		Int("max_retries", r.config.MaxRetries).
		Msg("usage reporter started")
}

// Report queues an event and reports whether it was accepted.
func (r *UsageReporter) Report(event UsageEvent) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		r.drop(event, "reporter stopped")
		return false
	}

	select {
	case r.events <- event:
		return true
	default:
		r.drop(event, "queue full")
		return false
	}
}

// Pending returns the number of queued events.
func (r *UsageReporter) Pending() int {
	return len(r.events)
}

// Stop stops accepting events and drains the queue until ctx is done.
// In-flight deliveries are abandoned once ctx expires. A reporter that was
// never started drops its queue.
func (r *UsageReporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if !started {
		r.cancel()
		r.discard("reporter never started")
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		r.logger.Info().Msg("usage reporter stopped")
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		r.logger.Warn().Int("abandoned", len(r.events)).Msg("usage reporter stopped before draining")
		return ctx.Err()
	}
}

func (r *UsageReporter) run() {
	defer r.wg.Done()

	for {
		select {
		case event := <-r.events:
			r.deliver(event)
		case <-r.stopCh:
			r.drain()
			return
		}
	}
}

func (r *UsageReporter) drain() {
	for {
		select {
		case event := <-r.events:
			if r.ctx.Err() != nil {
				r.drop(event, "shutdown deadline")
				continue
			}
			r.deliver(event)
		default:
			return
		}
	}
}

// deliver sends one event with bounded retries and linear backoff.
func (r *UsageReporter) deliver(event UsageEvent) {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-r.ctx.Done():
				r.drop(event, "shutdown deadline")
				return
			case <-time.After(time.Duration(attempt) * r.config.RetryBackoff):
			}
		}

		err := r.client.LogUsage(r.ctx, event)
		if err == nil {
			r.metrics.RecordUsageSent(string(event.Feature))
			return
		}
		lastErr = err

		if errors.Is(err, ErrRequestRejected) {
			break
		}
		r.logger.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Str("feature", string(event.Feature)).
			Msg("usage report failed")
	}

	r.logger.Warn().Err(lastErr).Str("feature", string(event.Feature)).Msg("usage report dropped after retries")
	r.metrics.RecordUsageDropped()
}

// discard drops everything still queued.
func (r *UsageReporter) discard(reason string) {
	for {
		select {
		case event := <-r.events:
			r.drop(event, reason)
		default:
			return
		}
	}
}

func (r *UsageReporter) drop(event UsageEvent, reason string) {
	r.logger.Warn().
		Str("feature", string(event.Feature)).
		Str("reason", reason).
		Msg("usage report dropped")
	r.metrics.RecordUsageDropped()
}
