package remote_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/folio/internal/license"
	"github.com/MacJediWizard/folio/internal/license/licensetest"
	"github.com/MacJediWizard/folio/internal/remote"
	"github.com/MacJediWizard/folio/internal/remote/remotetest"
)

const testKey = "project-key"

func newLedgerServer(t *testing.T) (*remotetest.Ledger, *remote.HTTPClient) {
	t.Helper()
	ledger := remotetest.NewLedger(licensetest.Verifier(t))
	ledger.Key = testKey
	srv := httptest.NewServer(ledger.Handler())
	t.Cleanup(srv.Close)

	client, err := remote.NewHTTPClient(remote.HTTPOptions{
		BaseURL: srv.URL,
		Key:     testKey,
		Timeout: time.Second,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return ledger, client
}

func TestNewHTTPClient_Validation(t *testing.T) {
	_, err := remote.NewHTTPClient(remote.HTTPOptions{BaseURL: "not a url", Key: testKey})
	assert.Error(t, err)

	_, err = remote.NewHTTPClient(remote.HTTPOptions{BaseURL: "https://license.example.com"})
	assert.Error(t, err)

	_, err = remote.NewHTTPClient(remote.HTTPOptions{BaseURL: "https://license.example.com", Key: testKey})
	assert.NoError(t, err)
}

func TestHTTPClient_Validate(t *testing.T) {
	ledger, client := newLedgerServer(t)
	ctx := context.Background()

	claims := licensetest.NewClaims(license.TierPro, 2)
	token := licensetest.Sign(t, claims)

	res, err := client.Validate(ctx, token, "machine-a")
	require.NoError(t, err)
	assert.Equal(t, remote.StatusValid, res.Status)
	require.NotNil(t, res.Claims)
	assert.Equal(t, claims.LicenseID, res.Claims.LicenseID)
	assert.Equal(t, license.TierPro, res.Claims.Tier)

	ledger.Revoke(claims.LicenseID)
	res, err = client.Validate(ctx, token, "machine-a")
	require.NoError(t, err)
	assert.Equal(t, remote.StatusRevoked, res.Status)

	res, err = client.Validate(ctx, "FOLIO1.garbage.garbage", "machine-a")
	require.NoError(t, err)
	assert.Equal(t, remote.StatusInvalid, res.Status)
}

func TestHTTPClient_RegisterAndRelease(t *testing.T) {
	ledger, client := newLedgerServer(t)
	ctx := context.Background()

	claims := licensetest.NewClaims(license.TierPro, 1)
	ledger.AddLicense(claims)

	res, err := client.RegisterActivation(ctx, claims.LicenseID, "machine-a")
	require.NoError(t, err)
	assert.True(t, res.OK)

	// Same machine again does not use a second slot.
	res, err = client.RegisterActivation(ctx, claims.LicenseID, "machine-a")
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = client.RegisterActivation(ctx, claims.LicenseID, "machine-b")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 1, res.MaxActivations)
	assert.NotEmpty(t, res.Reason)

	require.NoError(t, client.ReleaseActivation(ctx, claims.LicenseID, "machine-a"))
	assert.Empty(t, ledger.Activations(claims.LicenseID))

	res, err = client.RegisterActivation(ctx, claims.LicenseID, "machine-b")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, []string{"machine-b"}, ledger.Activations(claims.LicenseID))
}

func TestHTTPClient_LogUsage(t *testing.T) {
	ledger, client := newLedgerServer(t)

	ev := remote.UsageEvent{
		LicenseID: "lic",
		MachineID: "machine-a",
		Feature:   license.FeatureOCR,
		Bytes:     1024,
		Success:   true,
		At:        licensetest.IssuedAt,
	}
	require.NoError(t, client.LogUsage(context.Background(), ev))

	usage := ledger.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, ev.Feature, usage[0].Feature)
	assert.Equal(t, int64(1024), usage[0].Bytes)
}

func TestHTTPClient_WrongKeyIsRejected(t *testing.T) {
	ledger := remotetest.NewLedger(licensetest.Verifier(t))
	ledger.Key = testKey
	srv := httptest.NewServer(ledger.Handler())
	defer srv.Close()

	client, err := remote.NewHTTPClient(remote.HTTPOptions{BaseURL: srv.URL, Key: "wrong", Logger: zerolog.Nop()})
	require.NoError(t, err)

	err = client.LogUsage(context.Background(), remote.UsageEvent{})
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrRequestRejected)
	assert.NotErrorIs(t, err, license.ErrRemoteUnavailable)
}

func TestHTTPClient_TimeoutIsUnavailable(t *testing.T) {
	ledger := remotetest.NewLedger(licensetest.Verifier(t))
	ledger.SetDelay(5 * time.Second)
	srv := httptest.NewServer(ledger.Handler())
	defer srv.Close()

	client, err := remote.NewHTTPClient(remote.HTTPOptions{
		BaseURL: srv.URL,
		Key:     testKey,
		Timeout: 50 * time.Millisecond,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Validate(context.Background(), "FOLIO1.a.b", "machine-a")
	assert.ErrorIs(t, err, license.ErrRemoteUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPClient_ServerErrorTripsBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := remote.NewHTTPClient(remote.HTTPOptions{
		BaseURL: srv.URL,
		Key:     testKey,
		Breaker: remote.BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := client.Validate(context.Background(), "FOLIO1.a.b", "m")
		assert.ErrorIs(t, err, license.ErrRemoteUnavailable)
	}
	assert.Equal(t, int32(3), hits.Load())

	_, err = client.Validate(context.Background(), "FOLIO1.a.b", "m")
	assert.ErrorIs(t, err, license.ErrRemoteUnavailable)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(3), hits.Load(), "open breaker must not reach the server")
}

func TestHTTPClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := remote.NewHTTPClient(remote.HTTPOptions{BaseURL: srv.URL, Key: testKey, Logger: zerolog.Nop()})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := client.LogUsage(context.Background(), remote.UsageEvent{})
		assert.True(t, errors.Is(err, remote.ErrRequestRejected))
	}
	assert.Equal(t, int32(5), hits.Load())
}

func TestHTTPClient_MissingStatusIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"hello"}`))
	}))
	defer srv.Close()

	client, err := remote.NewHTTPClient(remote.HTTPOptions{BaseURL: srv.URL, Key: testKey, Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = client.Validate(context.Background(), "FOLIO1.a.b", "m")
	assert.ErrorIs(t, err, license.ErrRemoteUnavailable)
}
