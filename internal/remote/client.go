// Package remote talks to the optional license server: token validation,
// activation slot bookkeeping and usage logging.
package remote

import (
	"context"
	"time"

	"github.com/MacJediWizard/folio/internal/license"
)

// Status is the license server's verdict on a token.
type Status string

const (
	// StatusValid means the license is in good standing.
	StatusValid Status = "valid"
	// StatusRevoked means the license was revoked (refund, chargeback, abuse).
	StatusRevoked Status = "revoked"
	// StatusExpired means the license term has ended.
	StatusExpired Status = "expired"
	// StatusInvalid means the server does not recognize the token.
	StatusInvalid Status = "invalid"
)

// ValidateResult is the response to Validate.
type ValidateResult struct {
	Status  Status          `json:"status"`
	Claims  *license.Claims `json:"claims,omitempty"`
	Message string          `json:"message,omitempty"`
}

// RegisterResult is the response to RegisterActivation.
type RegisterResult struct {
	OK             bool   `json:"ok"`
	Reason         string `json:"reason,omitempty"`
	ActiveMachines int    `json:"active_machines,omitempty"`
	MaxActivations int    `json:"max_activations,omitempty"`
}

// UsageEvent is one conversion reported for a paid license.
type UsageEvent struct {
	LicenseID string          `json:"license_id"`
	MachineID string          `json:"machine_id"`
	Feature   license.Feature `json:"feature"`
	Bytes     int64           `json:"bytes"`
	Success   bool            `json:"success"`
	At        time.Time       `json:"at"`
}

// Client is the license server contract. Implementations return an error
// wrapping license.ErrRemoteUnavailable whenever the server cannot answer.
type Client interface {
	// Validate asks the server whether the token is still in good standing.
	Validate(ctx context.Context, token, machineID string) (*ValidateResult, error)
	// RegisterActivation claims an activation slot for the machine.
	RegisterActivation(ctx context.Context, licenseID, machineID string) (*RegisterResult, error)
	// ReleaseActivation frees the machine's activation slot.
	ReleaseActivation(ctx context.Context, licenseID, machineID string) error
	// LogUsage records one conversion.
	LogUsage(ctx context.Context, event UsageEvent) error
}
