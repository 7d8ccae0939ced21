// Package tslservice implements TslService: the refresh algorithm that
// keeps a TrustStore's snapshot current, and the certificate-verification
// pipeline that consults it. A Refresher runs one refresh at a time across
// every store it is handed; concurrent callers for the same store share the
// in-flight refresh through golang.org/x/sync/singleflight.
package tslservice

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/jmhodges/clock"
	"golang.org/x/sync/singleflight"

	"github.com/gematik/erp-tsl-core/certinfo"
	"github.com/gematik/erp-tsl-core/errors"
	"github.com/gematik/erp-tsl-core/goodkey"
	"github.com/gematik/erp-tsl-core/ocspclient"
	"github.com/gematik/erp-tsl-core/truststore"
	"github.com/gematik/erp-tsl-core/tslxml"
)

// HTTPClient fetches a URL's body over HTTPS, modeled as the narrow
// interface TslService and OcspClient actually need (the spec's
// "HttpClient" external collaborator).
type HTTPClient interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// TriggerResult reports whether a refresh attempt actually replaced the
// store's snapshot.
type TriggerResult int

const (
	NotUpdated TriggerResult = iota
	Updated
)

const maxDownloadAttemptsPerURL = 3

// Refresher bundles every collaborator TriggerTslUpdateIfNecessary and
// CheckCertificate need. Its mutex serializes refreshes of all stores, and
// its singleflight group, keyed by store mode, lets concurrent callers for
// the same store share one refresh (testable property 7).
type Refresher struct {
	http      HTTPClient
	sender    ocspclient.RequestSender
	validator tslxml.SchemaValidator
	keyPolicy *goodkey.Policy
	clk       clock.Clock
	group     singleflight.Group
	mu        sync.Mutex // held for the whole of every refresh
}

// NewRefresher constructs a Refresher. validator and keyPolicy may be nil.
func NewRefresher(httpClient HTTPClient, sender ocspclient.RequestSender, validator tslxml.SchemaValidator, keyPolicy *goodkey.Policy, clk clock.Clock) *Refresher {
	return &Refresher{http: httpClient, sender: sender, validator: validator, keyPolicy: keyPolicy, clk: clk}
}

// TriggerTslUpdateIfNecessary implements spec.md §4.5.1. expectedSignerCerts
// is non-nil only for a BNA-mode refresh (the signer must appear verbatim
// in that list rather than chain to an anchor).
func (r *Refresher) TriggerTslUpdateIfNecessary(
	ctx context.Context,
	store *truststore.TrustStore,
	onlyIfOutdated bool,
	expectedSignerCerts []*certinfo.Certificate,
) (TriggerResult, *errors.TslError) {
	key := string(store.Mode())
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		res, tErr := r.refresh(ctx, store, onlyIfOutdated, expectedSignerCerts)
		if tErr != nil {
			return res, tErr
		}
		return res, nil
	})
	result, _ := v.(TriggerResult)
	if err != nil {
		if tErr, ok := err.(*errors.TslError); ok {
			return result, tErr
		}
		return result, errors.Wrap(errors.UnknownError, err, "refreshing trust store")
	}
	return result, nil
}

func (r *Refresher) refresh(
	ctx context.Context,
	store *truststore.TrustStore,
	onlyIfOutdated bool,
	expectedSignerCerts []*certinfo.Certificate,
) (TriggerResult, *errors.TslError) {
	// Step 1: fast path.
	if onlyIfOutdated && store.Stored() && !store.IsTslTooOld() {
		return NotUpdated, nil
	}

	updateURLs := store.UpdateURLs()

	// Step 2: hash probe (skipped on bootstrap).
	if store.Stored() {
		newHash, hashErr := r.probeHash(ctx, updateURLs)
		if hashErr != nil {
			return NotUpdated, hashErr
		}
		// Step 3: needs-refresh decision.
		if !store.IsTslTooOld() && newHash == store.Hash() {
			return NotUpdated, nil
		}
	}

	// Step 4: download.
	raw, downloadErr := r.download(ctx, updateURLs)
	if downloadErr != nil {
		return NotUpdated, downloadErr
	}

	// Step 5: parse.
	parsed, parseErr := tslxml.Parse(raw, store.Mode(), r.validator, r.keyPolicy)
	if parseErr != nil {
		return NotUpdated, errors.WithStore(parseErr, store.Ref())
	}

	// Step 6: signer-certificate check (TUC_PKI_011).
	if sErr := r.checkSignerCertificate(store, parsed.SignerCert, expectedSignerCerts); sErr != nil {
		return NotUpdated, errors.WithStore(sErr, store.Ref())
	}

	// Step 7: id/sequence progression.
	if idErr := checkIdSequenceProgression(store, parsed); idErr != nil {
		return NotUpdated, errors.WithStore(idErr, store.Ref())
	}

	// Step 8: OCSP check of the TSL signer (TSL mode only).
	if store.Mode() == truststore.ModeTsl {
		if ocspErr := r.checkSignerOcsp(ctx, store, parsed); ocspErr != nil {
			return NotUpdated, errors.WithStore(ocspErr, store.Ref())
		}
	}

	// Step 9: swap.
	store.RefillFromSnapshot(parsed.Snapshot)

	// Step 10: post-conditions.
	if store.IsTslTooOld() {
		store.DistrustCertificates()
		if store.Mode() == truststore.ModeTsl {
			return NotUpdated, errors.WithStore(errors.New(errors.ValidityWarning2, "store remains too old after refresh"), store.Ref())
		}
		return NotUpdated, errors.WithStore(errors.New(errors.VlUpdateError, "BNA store remains too old after refresh"), store.Ref())
	}
	if !store.Stored() {
		return NotUpdated, errors.New(errors.TslInitError, "store never held a successfully parsed document")
	}

	return Updated, nil
}

func (r *Refresher) probeHash(ctx context.Context, updateURLs []string) (string, *errors.TslError) {
	for _, url := range updateURLs {
		body, err := r.http.Get(ctx, strings.TrimSuffix(url, ".xml")+".xml.sha2")
		if err != nil {
			continue
		}
		hash := strings.ToLower(strings.TrimSpace(string(body)))
		if !isHex(hash) {
			hash = hex.EncodeToString([]byte(hash))
		}
		return hash, nil
	}
	return "", errors.New(errors.TslDownloadError, "exhausted all update URLs probing .sha2 hash")
}

func isHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func (r *Refresher) download(ctx context.Context, updateURLs []string) ([]byte, *errors.TslError) {
	for _, url := range updateURLs {
		var lastErr error
		for attempt := 0; attempt < maxDownloadAttemptsPerURL; attempt++ {
			body, err := r.http.Get(ctx, url)
			if err == nil {
				return body, nil
			}
			lastErr = err
		}
		_ = lastErr
	}
	return nil, errors.New(errors.TslDownloadError, "exhausted all update URLs downloading TSL document")
}

func (r *Refresher) checkSignerCertificate(store *truststore.TrustStore, signer *certinfo.Certificate, expectedSignerCerts []*certinfo.Certificate) *errors.TslError {
	now := r.clk.Now()
	if now.Before(signer.NotBefore()) || now.After(signer.NotAfter()) {
		return errors.New(errors.CertificateNotValidTime, "TSL signer certificate is not valid at this time")
	}
	if signer.KeyUsage()&2 == 0 { // x509.KeyUsageContentCommitment (nonRepudiation) == 1<<1 == 2
		return errors.New(errors.WrongKeyUsage, "TSL signer certificate lacks the nonRepudiation key usage")
	}
	if !hasTslSigningEKU(signer) {
		return errors.New(errors.WrongExtendedKeyUsage, "TSL signer certificate lacks the id-tsl-kp-tslSigning EKU")
	}

	if len(expectedSignerCerts) > 0 {
		for _, expected := range expectedSignerCerts {
			if expected.Equal(signer) {
				return nil
			}
		}
		return errors.New(errors.CertificateNotValidMath, "TSL signer certificate does not match any expected BNA signer certificate")
	}

	anchors := store.GetTslSignerCas()
	if len(anchors) == 0 {
		return errors.New(errors.TslCaNotLoaded, "no trust anchor configured to validate the TSL signer")
	}
	for _, anchor := range anchors {
		if certinfo.VerifySignedBy(signer, anchor) {
			return nil
		}
	}
	return errors.New(errors.CertificateNotValidMath, "TSL signer certificate is not signed by any accepted anchor CA")
}

// hasTslSigningEKU reports whether cert's extended-key-usage list contains
// id-tsl-kp-tslSigning (0.4.0.2231.3.0). Vendor-specific EKU OIDs with no
// x509.ExtKeyUsage constant surface only through UnknownExtKeyUsage.
func hasTslSigningEKU(cert *certinfo.Certificate) bool {
	for _, oid := range cert.Raw().UnknownExtKeyUsage {
		if oid.Equal(certinfo.IdTslKpTslSigning) {
			return true
		}
	}
	return false
}

// checkIdSequenceProgression implements spec.md §4.5.1 step 7. TSL mode
// accepts either a new id with a strictly greater sequence number, or the
// same id with the same sequence number (the document was re-fetched
// unchanged); any other combination is TslIdIncorrect. BNA mode only
// checks that the sequence number increased. On bootstrap (store not yet
// populated) any sequence number is accepted.
func checkIdSequenceProgression(store *truststore.TrustStore, parsed *tslxml.Parsed) *errors.TslError {
	if !store.Stored() {
		return nil
	}
	if store.Mode() == truststore.ModeBna {
		if parsed.Sequence <= store.Sequence() {
			return errors.New(errors.TslIdIncorrect, "BNA sequence number did not increase (stored=%d, new=%d)", store.Sequence(), parsed.Sequence)
		}
		return nil
	}

	sameID := parsed.DocumentID == store.DocumentID()
	switch {
	case !sameID && parsed.Sequence > store.Sequence():
		return nil
	case sameID && parsed.Sequence == store.Sequence():
		return nil
	default:
		return errors.New(errors.TslIdIncorrect,
			"TSL id/sequence progression invalid (stored id=%q seq=%d, new id=%q seq=%d)",
			store.DocumentID(), store.Sequence(), parsed.DocumentID, parsed.Sequence)
	}
}

// checkSignerOcsp implements spec.md §4.5.1 step 8: the TSL signer's
// issuer must be present in the freshly parsed map with a usable OCSP
// supply point, and an OCSP check against it must come back good. On
// first-ever bootstrap every issuer certificate carried by the document
// being validated is offered as a trust-introducing OCSP responder
// candidate, since no prior trust store exists to validate against.
func (r *Refresher) checkSignerOcsp(ctx context.Context, store *truststore.TrustStore, parsed *tslxml.Parsed) *errors.TslError {
	issuerID := certinfo.CertificateId{SubjectDN: parsed.SignerCert.IssuerDN(), SKI: parsed.SignerCert.AKI()}
	svc, ok := parsed.Snapshot.Services[issuerID]
	if !ok {
		return errors.New(errors.TslCaNotLoaded, "TSL signer's issuer is not present in the freshly parsed service-information map")
	}
	ocspURL := svc.PrimaryOcspURL()
	if ocspURL == "" {
		return errors.New(errors.ServiceSupplyPointMissing, "TSL signer issuer has no configured OCSP supply point")
	}

	var responderCerts []*certinfo.Certificate
	if !store.Stored() {
		for _, s := range parsed.Snapshot.Services {
			responderCerts = append(responderCerts, s.IssuerCert)
		}
	}

	status, ocspErr := ocspclient.FetchCurrentForTslSigner(ctx, parsed.SignerCert, svc.IssuerCert, r.sender, ocspURL, store, responderCerts, r.clk)
	if ocspErr != nil {
		return ocspErr
	}
	if status != truststore.OcspGood {
		return errors.New(errors.OcspCertUnknown, "TSL signer OCSP status is not good")
	}
	return nil
}
