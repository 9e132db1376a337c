// Package entitlement resolves what this install may do right now from the
// activation record, the license server and the trial meter.
package entitlement

import (
	"time"

	"github.com/MacJediWizard/folio/internal/license"
	"github.com/MacJediWizard/folio/internal/trial"
)

// Mode is how a decision was reached.
type Mode string

const (
	// ModeOnline means the license server confirmed the license just now.
	ModeOnline Mode = "online"
	// ModeOffline means only the local signature check passed.
	ModeOffline Mode = "offline"
	// ModeCached means the local signature check passed and the server
	// confirmed the license within the freshness window.
	ModeCached Mode = "cached"
	// ModeTrial means no usable activation exists.
	ModeTrial Mode = "trial"
)

// Resolution is one of Online, Offline, Cached or Trial. Use Match to handle
// every case.
type Resolution interface {
	Mode() Mode
	resolution()
}

// Online is a license the server confirmed during this resolve.
type Online struct {
	Claims     *license.Claims
	VerifiedAt time.Time
}

// Offline is a locally verified license with no recent server confirmation.
type Offline struct {
	Claims         *license.Claims
	LastVerifiedAt *time.Time
}

// Cached is a locally verified license the server confirmed recently.
type Cached struct {
	Claims     *license.Claims
	VerifiedAt time.Time
}

// Trial is the free tier.
type Trial struct {
	Snapshot trial.Snapshot
}

func (Online) Mode() Mode  { return ModeOnline }
func (Offline) Mode() Mode { return ModeOffline }
func (Cached) Mode() Mode  { return ModeCached }
func (Trial) Mode() Mode   { return ModeTrial }

func (Online) resolution()  {}
func (Offline) resolution() {}
func (Cached) resolution()  {}
func (Trial) resolution()   {}

// Match calls the handler for r's case. A nil r is treated as an exhausted
// trial.
func Match[T any](r Resolution, online func(Online) T, offline func(Offline) T, cached func(Cached) T, onTrial func(Trial) T) T {
	switch v := r.(type) {
	case Online:
		return online(v)
	case Offline:
		return offline(v)
	case Cached:
		return cached(v)
	case Trial:
		return onTrial(v)
	default:
		return onTrial(Trial{Snapshot: trial.Snapshot{State: trial.StateExhausted}})
	}
}

// ClaimsOf returns the license claims behind r, or nil for the trial.
func ClaimsOf(r Resolution) *license.Claims {
	return Match(r,
		func(o Online) *license.Claims { return o.Claims },
		func(o Offline) *license.Claims { return o.Claims },
		func(c Cached) *license.Claims { return c.Claims },
		func(Trial) *license.Claims { return nil },
	)
}

// Decision is the flattened answer to "what may this install do now". It is
// recomputed per call and never persisted.
type Decision struct {
	Tier    license.Tier `json:"tier"`
	Allowed bool         `json:"allowed"`
	// RemainingConversions is set for the trial only.
	RemainingConversions *int `json:"remaining_conversions,omitempty"`
	// SizeLimitBytes is license.Unlimited when there is no ceiling.
	SizeLimitBytes int64             `json:"size_limit_bytes"`
	Mode           Mode              `json:"validation_mode"`
	Features       []license.Feature `json:"features"`
	// NeedsReactivation is set when the decision was degraded; Problem
	// carries the cause and the recovery action.
	NeedsReactivation bool   `json:"needs_reactivation,omitempty"`
	Problem           string `json:"problem,omitempty"`
}

// Grants reports whether the decision includes the feature.
func (d Decision) Grants(feature license.Feature) bool {
	for _, f := range d.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// DecisionWith is DecisionFor annotated with the problem Resolve reported
// alongside the resolution.
func DecisionWith(r Resolution, problem error) Decision {
	d := DecisionFor(r)
	if problem != nil {
		d.NeedsReactivation = true
		d.Problem = problem.Error()
	}
	return d
}

// DecisionFor flattens a resolution.
func DecisionFor(r Resolution) Decision {
	licensed := func(mode Mode, c *license.Claims) Decision {
		return Decision{
			Tier:           c.Tier,
			Allowed:        true,
			SizeLimitBytes: c.SizeLimit(),
			Mode:           mode,
			Features:       c.EffectiveFeatures(),
		}
	}

	return Match(r,
		func(o Online) Decision { return licensed(ModeOnline, o.Claims) },
		func(o Offline) Decision { return licensed(ModeOffline, o.Claims) },
		func(c Cached) Decision { return licensed(ModeCached, c.Claims) },
		func(t Trial) Decision {
			remaining := t.Snapshot.Remaining
			return Decision{
				Tier:                 license.TierTrial,
				Allowed:              t.Snapshot.State == trial.StateActive,
				RemainingConversions: &remaining,
				SizeLimitBytes:       license.SizeLimit(license.TierTrial),
				Mode:                 ModeTrial,
				Features:             append([]license.Feature(nil), t.Snapshot.Allowed...),
			}
		},
	)
}
