// Package machineid derives a stable, hashed identifier for the current host.
// The raw hardware and OS identifiers never leave the process; only their
// SHA-256 digest is stored or sent to the license server.
package machineid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// sourceTimeout bounds each identifier lookup.
const sourceTimeout = 2 * time.Second

// Provider returns the hashed machine identifier. ID never fails.
type Provider interface {
	ID() string
}

// Source is one strategy for reading a host identifier.
type Source interface {
	Name() string
	Value(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc struct {
	SourceName string
	Fn         func(ctx context.Context) (string, error)
}

// Name implements Source.
func (s SourceFunc) Name() string { return s.SourceName }

// Value implements Source.
func (s SourceFunc) Value(ctx context.Context) (string, error) { return s.Fn(ctx) }

// HostProvider hashes the values of its sources once per process.
type HostProvider struct {
	sources []Source
	logger  zerolog.Logger

	once sync.Once
	id   string
}

// New creates a HostProvider. With no sources, DefaultSources is used.
func New(logger zerolog.Logger, sources ...Source) *HostProvider {
	if len(sources) == 0 {
		sources = DefaultSources()
	}
	return &HostProvider{
		sources: sources,
		logger:  logger.With().Str("component", "machine_id").Logger(),
	}
}

// DefaultSources returns the hardware address, OS host identifier and
// hostname strategies, in that order.
func DefaultSources() []Source {
	return []Source{HardwareAddr{}, HostID{}, Hostname{}}
}

// ID returns the hex SHA-256 of every available source value.
func (p *HostProvider) ID() string {
	p.once.Do(func() {
		p.id = p.compute()
	})
	return p.id
}

func (p *HostProvider) compute() string {
	var parts []string
	for _, src := range p.sources {
		ctx, cancel := context.WithTimeout(context.Background(), sourceTimeout)
		value, err := src.Value(ctx)
		cancel()
		if err != nil {
			p.logger.Debug().Err(err).Str("source", src.Name()).Msg("machine id source unavailable")
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			p.logger.Debug().Str("source", src.Name()).Msg("machine id source returned empty value")
			continue
		}
		parts = append(parts, src.Name()+"="+value)
	}

	if len(parts) == 0 {
		p.logger.Warn().Msg("no machine id sources available, using platform fallback")
		parts = append(parts, "fallback="+runtime.GOOS+"/"+runtime.GOARCH)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Static is a fixed identifier, used in tests and to simulate other machines.
type Static string

// ID implements Provider.
func (s Static) ID() string { return string(s) }

// Short returns an abbreviated id suitable for display.
func Short(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
