package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/MacJediWizard/folio/internal/license"
	"github.com/MacJediWizard/folio/internal/metrics"
)

// KeyHeader carries the pre-shared project key.
const KeyHeader = "X-Folio-Key"

// API paths relative to the base URL.
const (
	pathValidate = "/v1/licenses/validate"
	pathRegister = "/v1/activations/register"
	pathRelease  = "/v1/activations/release"
	pathUsage    = "/v1/usage"
)

const maxResponseSize = 1 << 20

// ErrRequestRejected is returned for 4xx responses: the server answered, but
// refused the request.
var ErrRequestRejected = errors.New("license server rejected request")

// BreakerConfig configures the circuit breaker around the server.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens it.
	FailureThreshold uint32
	// OpenTimeout is how long it stays open before a trial request.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		OpenTimeout:      60 * time.Second,
	}
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	BaseURL string
	Key     string
	// Timeout bounds each call (default 5s).
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    BreakerConfig
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// HTTPClient implements Client over JSON/HTTPS.
type HTTPClient struct {
	baseURL string
	key     string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*response]
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type response struct {
	status int
	body   []byte
}

// NewHTTPClient creates a license server client.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid license server URL %q", opts.BaseURL)
	}
	if opts.Key == "" {
		return nil, errors.New("license server key is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Breaker.FailureThreshold == 0 {
		opts.Breaker = DefaultBreakerConfig()
	}

	c := &HTTPClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		key:     opts.Key,
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		logger:  opts.Logger.With().Str("component", "license_server").Logger(),
		metrics: opts.Metrics,
	}

	threshold := opts.Breaker.FailureThreshold
	c.breaker = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "license-server",
		MaxRequests: 1,
		Timeout:     opts.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			c.metrics.SetBreakerOpen(to == gobreaker.StateOpen)
		},
	})

	return c, nil
}

type validateRequest struct {
	Token     string `json:"token"`
	MachineID string `json:"machine_id"`
}

type activationRequest struct {
	LicenseID string `json:"license_id"`
	MachineID string `json:"machine_id"`
}

// Validate implements Client.
func (c *HTTPClient) Validate(ctx context.Context, token, machineID string) (*ValidateResult, error) {
	var result ValidateResult
	if err := c.call(ctx, "validate", pathValidate, validateRequest{Token: token, MachineID: machineID}, &result); err != nil {
		return nil, err
	}
	if result.Status == "" {
		return nil, fmt.Errorf("%w: validate response has no status", license.ErrRemoteUnavailable)
	}
	return &result, nil
}

// RegisterActivation implements Client.
func (c *HTTPClient) RegisterActivation(ctx context.Context, licenseID, machineID string) (*RegisterResult, error) {
	var result RegisterResult
	if err := c.call(ctx, "register", pathRegister, activationRequest{LicenseID: licenseID, MachineID: machineID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReleaseActivation implements Client.
func (c *HTTPClient) ReleaseActivation(ctx context.Context, licenseID, machineID string) error {
	return c.call(ctx, "release", pathRelease, activationRequest{LicenseID: licenseID, MachineID: machineID}, nil)
}

// LogUsage implements Client.
func (c *HTTPClient) LogUsage(ctx context.Context, event UsageEvent) error {
	return c.call(ctx, "usage", pathUsage, event, nil)
}

// call POSTs body as JSON and decodes a 2xx response into out. Transport
// failures, timeouts, 5xx responses and an open breaker all wrap
// license.ErrRemoteUnavailable.
func (c *HTTPClient) call(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.breaker.Execute(func() (*response, error) {
		return c.post(ctx, path, payload)
	})
	elapsed := time.Since(start)

	if err != nil {
		c.metrics.RecordRemoteCall(op, "unavailable", elapsed)
		c.logger.Debug().Err(err).Str("op", op).Dur("elapsed", elapsed).Msg("license server call failed")
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open", license.ErrRemoteUnavailable)
		}
		if errors.Is(err, license.ErrRemoteUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", license.ErrRemoteUnavailable, err)
	}

	if resp.status >= 400 {
		c.metrics.RecordRemoteCall(op, "rejected", elapsed)
		return fmt.Errorf("%w: %s returned %d: %s", ErrRequestRejected, op, resp.status, strings.TrimSpace(string(resp.body)))
	}

	c.metrics.RecordRemoteCall(op, "ok", elapsed)
	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", license.ErrRemoteUnavailable, op, err)
	}
	return nil
}

// post performs the request. 4xx responses are returned without error so
// they do not count against the breaker.
func (c *HTTPClient) post(ctx context.Context, path string, payload []byte) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(KeyHeader, c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", license.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", license.ErrRemoteUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: server returned %d", license.ErrRemoteUnavailable, resp.StatusCode)
	}
	return &response{status: resp.StatusCode, body: body}, nil
}
