// Package idpupdater implements IdpCertUpdater: the periodic task that
// fetches the IDP's OpenID discovery document, extracts and verifies its
// signing certificate through TslManager, and republishes it. Grounded on
// the teacher's cmd/expiration-mailer "fetch, decide, act, reschedule"
// looper shape (cmd/expiration-mailer/main.go's findExpiringCertificates
// loop), generalized from a ticker-driven batch job to a self-rescheduling
// single-resource refresh using the jmhodges/clock Timer collaborator
// spec.md §5 calls for.
package idpupdater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmhodges/clock"
	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/gematik/erp-tsl-core/certinfo"
	"github.com/gematik/erp-tsl-core/errors"
	"github.com/gematik/erp-tsl-core/goodkey"
	"github.com/gematik/erp-tsl-core/log"
	"github.com/gematik/erp-tsl-core/ocspclient"
	"github.com/gematik/erp-tsl-core/truststore"
)

// HTTPClient fetches a URL's body, the same narrow collaborator
// tslservice.HTTPClient names (kept as its own type here so idpupdater
// does not import tslservice just for an interface).
type HTTPClient interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Verifier is the subset of TslManager that IdpCertUpdater depends on,
// narrowed to avoid an import cycle and to make the update algorithm
// testable against a stub.
type Verifier interface {
	VerifyCertificate(ctx context.Context, mode truststore.Mode, cert *certinfo.Certificate, typeRestrictions []certinfo.CertType, desc ocspclient.CheckDescriptor) (truststore.OcspResponse, *errors.TslError)
}

// State is the IdpCertUpdater's externally observable health.
type State int

const (
	Unhealthy State = iota
	Healthy
)

// Status is the fine-grained outcome of one update attempt, returned by
// TriggerUpdate; State is the coarser health view.
type Status int

const (
	Success Status = iota
	WellknownDownloadFailed
	DiscoveryDownloadFailed
	VerificationFailed
	UnknownFailure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "Success"
	case WellknownDownloadFailed:
		return "WellknownDownloadFailed"
	case DiscoveryDownloadFailed:
		return "DiscoveryDownloadFailed"
	case VerificationFailed:
		return "VerificationFailed"
	default:
		return "UnknownFailure"
	}
}

// Config configures one IdpCertUpdater instance; field names mirror the
// tslconfig keys in spec.md §6.
type Config struct {
	WellKnownURL               string
	CertificateMaxAge          time.Duration // IDP_CERTIFICATE_MAX_AGE_HOURS, default 24h
	UpdateInterval             time.Duration // IDP_UPDATE_INTERVAL_MINUTES
	NoValidCertificateInterval time.Duration // IDP_NO_VALID_CERTIFICATE_UPDATE_INTERVAL_SECONDS
	OcspGracePeriod            time.Duration
}

const wellknownClaim = "uri_puk_idp_sig"

// IdpCertUpdater is the state machine described by spec.md §4.7.
type IdpCertUpdater struct {
	cfg      Config
	http     HTTPClient
	verifier Verifier
	keyPolicy *goodkey.Policy
	clk      clock.Clock
	logger   log.Logger

	updateActive int32 // atomic re-entrancy guard

	mu                   sync.RWMutex
	state                State
	current              *certinfo.Certificate
	failureCount         int
	lastSuccessfulUpdate time.Time

	timerMu sync.Mutex
	timer   clock.Timer
}

// New validates cfg (the endpoint must be https://) and constructs an
// IdpCertUpdater. It does not schedule anything; call Start to fire the
// first update, and register RegisterHookFn with the manager separately.
func New(cfg Config, httpClient HTTPClient, verifier Verifier, keyPolicy *goodkey.Policy, clk clock.Clock, logger log.Logger) (*IdpCertUpdater, error) {
	parsed, err := url.Parse(cfg.WellKnownURL)
	if err != nil || parsed.Scheme != "https" {
		return nil, fmt.Errorf("IDP_UPDATE_ENDPOINT must be an https:// URL, got %q", cfg.WellKnownURL)
	}
	if cfg.CertificateMaxAge <= 0 {
		cfg.CertificateMaxAge = 24 * time.Hour
	}
	return &IdpCertUpdater{
		cfg:      cfg,
		http:     httpClient,
		verifier: verifier,
		keyPolicy: keyPolicy,
		clk:      clk,
		logger:   logger,
		state:    Unhealthy,
	}, nil
}

// RegisterHookFn returns a closure suitable for TslManager.AddPostUpdateHook:
// every successful TSL refresh also triggers an IDP refresh attempt.
func (u *IdpCertUpdater) RegisterHookFn(ctx context.Context) func() {
	return func() { u.TriggerUpdate(ctx) }
}

// Start schedules the first update immediately (spec.md §4.7: "On process
// start: schedule an immediate update").
func (u *IdpCertUpdater) Start(ctx context.Context) {
	u.scheduleIn(ctx, 0)
}

// State returns the current health state.
func (u *IdpCertUpdater) State() State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.state
}

// CurrentCertificate returns the published IDP signing certificate, or nil
// if none is currently trusted.
func (u *IdpCertUpdater) CurrentCertificate() *certinfo.Certificate {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.current
}

// Stop cancels any pending scheduled update.
func (u *IdpCertUpdater) Stop() {
	u.timerMu.Lock()
	defer u.timerMu.Unlock()
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}

// TriggerUpdate runs one update attempt, guarded by an atomic re-entrancy
// flag so a post-update hook firing during an in-progress IDP update does
// not recurse (spec.md §4.7/§5).
func (u *IdpCertUpdater) TriggerUpdate(ctx context.Context) Status {
	if !atomic.CompareAndSwapInt32(&u.updateActive, 0, 1) {
		return UnknownFailure
	}
	defer atomic.StoreInt32(&u.updateActive, 0)

	status := u.runUpdate(ctx)
	u.applyResult(status)
	u.scheduleNext(ctx)
	return status
}

func (u *IdpCertUpdater) runUpdate(ctx context.Context) Status {
	wellknown, err := u.http.Get(ctx, u.cfg.WellKnownURL)
	if err != nil {
		u.logger.AuditErr(fmt.Errorf("fetching IDP well-known document: %w", err))
		return WellknownDownloadFailed
	}

	discoveryURL, err := extractDiscoveryURL(wellknown)
	if err != nil {
		u.logger.AuditErr(fmt.Errorf("parsing IDP well-known JWT: %w", err))
		return WellknownDownloadFailed
	}

	discovery, err := u.http.Get(ctx, discoveryURL)
	if err != nil {
		u.logger.AuditErr(fmt.Errorf("fetching IDP discovery JWK: %w", err))
		return DiscoveryDownloadFailed
	}

	cert, err := extractSingleCertificate(discovery, u.keyPolicy)
	if err != nil {
		u.logger.AuditErr(fmt.Errorf("parsing IDP discovery JWK: %w", err))
		return DiscoveryDownloadFailed
	}

	desc := ocspclient.CheckDescriptor{Mode: ocspclient.ProvidedOrCache, GracePeriod: u.cfg.OcspGracePeriod}
	if _, vErr := u.verifier.VerifyCertificate(ctx, truststore.ModeTsl, cert, []certinfo.CertType{certinfo.CFdSig}, desc); vErr != nil {
		u.logger.AuditErr(fmt.Errorf("verifying IDP signing certificate: %w", vErr))
		return VerificationFailed
	}

	now := u.clk.Now()
	if now.Before(cert.NotBefore()) || now.After(cert.NotAfter()) {
		u.logger.AuditErr(fmt.Errorf("IDP signing certificate is not valid at this time"))
		return VerificationFailed
	}

	u.publish(cert)
	return Success
}

// extractDiscoveryURL parses raw as a compact JWS (without verifying its
// signature, per spec.md §4.7) and reads the uri_puk_idp_sig claim from
// its payload.
func extractDiscoveryURL(raw []byte) (string, error) {
	sig, err := jose.ParseSigned(string(raw))
	if err != nil {
		return "", fmt.Errorf("not a compact JWS: %w", err)
	}
	payload := sig.UnsafePayloadWithoutVerification()

	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", fmt.Errorf("decoding JWT payload: %w", err)
	}
	uri, ok := claims[wellknownClaim].(string)
	if !ok || uri == "" {
		return "", fmt.Errorf("JWT payload is missing the %s claim", wellknownClaim)
	}
	return uri, nil
}

// extractSingleCertificate parses raw as a JWK (RFC 7517) carrying an x5c
// array and returns the sole certificate it contains.
func extractSingleCertificate(raw []byte, keyPolicy *goodkey.Policy) (*certinfo.Certificate, error) {
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(raw, &jwk); err != nil {
		return nil, fmt.Errorf("decoding JWK: %w", err)
	}
	if len(jwk.Certificates) != 1 {
		return nil, fmt.Errorf("expected exactly one x5c certificate, got %d", len(jwk.Certificates))
	}
	return certinfo.ParseDer(jwk.Certificates[0].Raw, keyPolicy)
}

func (u *IdpCertUpdater) publish(cert *certinfo.Certificate) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.current = cert
	u.state = Healthy
	u.failureCount = 0
	u.lastSuccessfulUpdate = u.clk.Now()
}

// applyResult implements spec.md §4.7's failure handling: on success, reset
// the failure count and record lastSuccessfulUpdate (done in publish); on
// any failure, increment the count, and reset (clear) the published
// certificate if the staleness threshold has elapsed.
func (u *IdpCertUpdater) applyResult(status Status) {
	if status == Success {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failureCount++
	if u.lastSuccessfulUpdate.IsZero() || u.clk.Now().Sub(u.lastSuccessfulUpdate) >= u.cfg.CertificateMaxAge {
		u.current = nil
		u.state = Unhealthy
	}
}

// scheduleNext re-arms the timer: sooner if unhealthy (no usable
// certificate), later on the configured interval if healthy.
func (u *IdpCertUpdater) scheduleNext(ctx context.Context) {
	u.mu.RLock()
	state := u.state
	u.mu.RUnlock()

	delay := u.cfg.UpdateInterval
	if state == Unhealthy {
		delay = u.cfg.NoValidCertificateInterval
	}
	u.scheduleIn(ctx, delay)
}

func (u *IdpCertUpdater) scheduleIn(ctx context.Context, delay time.Duration) {
	u.timerMu.Lock()
	defer u.timerMu.Unlock()
	if u.timer != nil {
		u.timer.Stop()
	}
	u.timer = u.clk.AfterFunc(delay, func() { u.TriggerUpdate(ctx) })
}
