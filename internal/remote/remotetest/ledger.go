// Package remotetest provides an in-memory license server for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/MacJediWizard/folio/internal/license"
	"github.com/MacJediWizard/folio/internal/remote"
)

type ledgerLicense struct {
	claims   license.Claims
	revoked  bool
	machines map[string]struct{}
}

// Ledger is an in-memory remote.Client. It recognizes every token signed for
// its verifier, counts distinct machines per license and supports
// revocation, injected latency and injected failures.
type Ledger struct {
	verifier *license.Verifier

	mu       sync.Mutex
	licenses map[string]*ledgerLicense
	usage    []remote.UsageEvent
	calls    map[string]int
	delay    time.Duration
	failure  error

	// Now is the clock used to judge expiry. Defaults to time.Now.
	Now func() time.Time
	// Key, when set, is required in the X-Folio-Key header by Handler.
	Key string
}

var _ remote.Client = (*Ledger)(nil)

// NewLedger creates an empty ledger trusting tokens signed for verifier.
func NewLedger(verifier *license.Verifier) *Ledger {
	return &Ledger{
		verifier: verifier,
		licenses: make(map[string]*ledgerLicense),
		calls:    make(map[string]int),
		Now:      time.Now,
	}
}

// AddLicense records a sold license.
func (l *Ledger) AddLicense(c *license.Claims) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLocked(c)
}

func (l *Ledger) addLocked(c *license.Claims) *ledgerLicense {
	if lic, ok := l.licenses[c.LicenseID]; ok {
		return lic
	}
	lic := &ledgerLicense{claims: *c, machines: make(map[string]struct{})}
	l.licenses[c.LicenseID] = lic
	return lic
}

// Revoke marks a license as revoked.
func (l *Ledger) Revoke(licenseID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lic, ok := l.licenses[licenseID]; ok {
		lic.revoked = true
	}
}

// SetDelay makes every call wait d, or until its context is done.
func (l *Ledger) SetDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
}

// SetFailure makes every call fail with err. Pass nil to clear it.
func (l *Ledger) SetFailure(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failure = err
}

// Calls returns how many times op was invoked.
func (l *Ledger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// Usage returns the usage events received so far.
func (l *Ledger) Usage() []remote.UsageEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]remote.UsageEvent, len(l.usage))
	copy(out, l.usage)
	return out
}

// Activations returns the machines holding a slot for the license, sorted.
func (l *Ledger) Activations(licenseID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	lic, ok := l.licenses[licenseID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(lic.machines))
	for m := range lic.machines {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// enter counts the call and applies injected latency and failure.
func (l *Ledger) enter(ctx context.Context, op string) error {
	l.mu.Lock()
	l.calls[op]++
	delay, failure := l.delay, l.failure
	l.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", license.ErrRemoteUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
	return failure
}

// Validate implements remote.Client.
func (l *Ledger) Validate(ctx context.Context, token, machineID string) (*remote.ValidateResult, error) {
	if err := l.enter(ctx, "validate"); err != nil {
		return nil, err
	}

	claims, err := l.verifier.Verify(token, l.Now())
	switch {
	case errors.Is(err, license.ErrExpiredToken):
		return &remote.ValidateResult{Status: remote.StatusExpired, Message: err.Error()}, nil
	case err != nil:
		return &remote.ValidateResult{Status: remote.StatusInvalid, Message: err.Error()}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	lic := l.addLocked(claims)
	if lic.revoked {
		return &remote.ValidateResult{Status: remote.StatusRevoked, Message: "license revoked"}, nil
	}
	c := lic.claims
	return &remote.ValidateResult{Status: remote.StatusValid, Claims: &c}, nil
}

// RegisterActivation implements remote.Client. Registering a machine that
// already holds a slot succeeds without using another one.
func (l *Ledger) RegisterActivation(ctx context.Context, licenseID, machineID string) (*remote.RegisterResult, error) {
	if err := l.enter(ctx, "register"); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	lic, ok := l.licenses[licenseID]
	if !ok {
		return &remote.RegisterResult{OK: false, Reason: "unknown license"}, nil
	}
	limit := lic.claims.MaxActivations
	if lic.revoked {
		return &remote.RegisterResult{OK: false, Reason: "license revoked", MaxActivations: limit}, nil
	}
	if _, held := lic.machines[machineID]; !held && len(lic.machines) >= limit {
		return &remote.RegisterResult{
			OK:             false,
			Reason:         "all activation slots in use",
			ActiveMachines: len(lic.machines),
			MaxActivations: limit,
		}, nil
	}
	lic.machines[machineID] = struct{}{}
	return &remote.RegisterResult{OK: true, ActiveMachines: len(lic.machines), MaxActivations: limit}, nil
}

// ReleaseActivation implements remote.Client.
func (l *Ledger) ReleaseActivation(ctx context.Context, licenseID, machineID string) error {
	if err := l.enter(ctx, "release"); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lic, ok := l.licenses[licenseID]; ok {
		delete(lic.machines, machineID)
	}
	return nil
}

// LogUsage implements remote.Client.
func (l *Ledger) LogUsage(ctx context.Context, event remote.UsageEvent) error {
	if err := l.enter(ctx, "usage"); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.usage = append(l.usage, event)
	return nil
}

// Handler serves the ledger over the license server's HTTP API.
func (l *Ledger) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/licenses/validate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token     string `json:"token"`
			MachineID string `json:"machine_id"`
		}
		if !decode(w, r, &req) {
			return
		}
		res, err := l.Validate(r.Context(), req.Token, req.MachineID)
		respond(w, res, err)
	})

	mux.HandleFunc("POST /v1/activations/register", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			LicenseID string `json:"license_id"`
			MachineID string `json:"machine_id"`
		}
		if !decode(w, r, &req) {
			return
		}
		res, err := l.RegisterActivation(r.Context(), req.LicenseID, req.MachineID)
		respond(w, res, err)
	})

	mux.HandleFunc("POST /v1/activations/release", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			LicenseID string `json:"license_id"`
			MachineID string `json:"machine_id"`
		}
		if !decode(w, r, &req) {
			return
		}
		respond(w, nil, l.ReleaseActivation(r.Context(), req.LicenseID, req.MachineID))
	})

	mux.HandleFunc("POST /v1/usage", func(w http.ResponseWriter, r *http.Request) {
		var ev remote.UsageEvent
		if !decode(w, r, &ev) {
			return
		}
		respond(w, nil, l.LogUsage(r.Context(), ev))
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Key != "" && r.Header.Get(remote.KeyHeader) != l.Key {
			http.Error(w, "invalid project key", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, body any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if body == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}
