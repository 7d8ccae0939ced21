// Package ocspclient implements OcspClient: building RFC 6960 OCSP
// requests, sending them through a caller-supplied transport, and
// normalizing responses (cached, provided, or freshly fetched) into a
// truststore.OcspResponse. It is grounded on the teacher's
// cmd/ocsp-updater, the one place in the retrieved pack that builds and
// sends an OCSP request by hand with golang.org/x/crypto/ocsp.
package ocspclient

import (
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509/pkix"
	"encoding/asn1"
	"time"

	"github.com/jmhodges/clock"
	"golang.org/x/crypto/ocsp"

	"github.com/gematik/erp-tsl-core/certinfo"
	"github.com/gematik/erp-tsl-core/errors"
	"github.com/gematik/erp-tsl-core/truststore"
)

// RequestSender performs the transport-level POST of a DER-encoded OCSP
// request to url and returns the DER-encoded response body. Implementations
// are expected to set the application/ocsp-request content type and honor
// ctx's deadline; tests substitute a fake.
type RequestSender interface {
	Send(ctx context.Context, url string, request []byte) ([]byte, error)
}

// CheckMode selects how aggressively fetchCurrent consults the cache versus
// the network, per spec.md's OcspCheckDescriptor enumeration.
type CheckMode int

const (
	ForceOcspRequestStrict CheckMode = iota
	ForceOcspRequestAllowCache
	ProvidedOrCache
	ProvidedOnly
	CachedOnly
)

// CheckDescriptor configures one fetchCurrent/fetchCurrentForTslSigner call.
type CheckDescriptor struct {
	Mode                CheckMode
	ProvidedResponse    []byte
	ReferenceTimePoint  *time.Time
	GracePeriod         time.Duration
	Noncacheable        bool
}

func allowsCache(mode CheckMode) bool {
	switch mode {
	case ForceOcspRequestStrict, ProvidedOnly:
		return false
	default:
		return true
	}
}

func usesProvided(mode CheckMode) bool {
	return mode == ProvidedOnly || mode == ProvidedOrCache
}

var oidCertHash = asn1.ObjectIdentifier{1, 3, 36, 8, 3, 13}

type certHashValue struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	CertHash      []byte
}

func digestFor(algOID asn1.ObjectIdentifier, data []byte) []byte {
	switch {
	case algOID.Equal(asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}): // sha1
		sum := sha1.Sum(data)
		return sum[:]
	case algOID.Equal(asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}): // sha256
		sum := sha256.Sum256(data)
		return sum[:]
	case algOID.Equal(asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}): // sha512
		sum := sha512.Sum512(data)
		return sum[:]
	default:
		sum := sha256.Sum256(data)
		return sum[:]
	}
}

// verifyCertHash locates the BSI TR-03145 CertHash extension (OID
// 1.3.36.8.3.13, an OCTET STRING digest of the subject certificate's DER
// under a caller-chosen hash algorithm) and checks it against leafDER.
func verifyCertHash(resp *ocsp.Response, leafDER []byte) *errors.TslError {
	for _, ext := range resp.Extensions {
		if !ext.Id.Equal(oidCertHash) {
			continue
		}
		var v certHashValue
		if _, err := asn1.Unmarshal(ext.Value, &v); err != nil {
			return errors.Wrap(errors.OcspStatusError, err, "parsing CertHash extension")
		}
		want := digestFor(v.HashAlgorithm.Algorithm, leafDER)
		if !bytes.Equal(want, v.CertHash) {
			return errors.New(errors.ProvidedOcspResponseNotValid, "CertHash digest mismatch for certificate")
		}
		return nil
	}
	return errors.New(errors.OcspStatusError, "OCSP response missing required CertHash extension")
}

// requiresHashExtension reports whether t needs CertHash validation: all
// types except the card-authentication family (spec.md §4.4: "QES and all
// non-card-auth types").
func requiresHashExtension(t certinfo.CertType) bool {
	switch t {
	case certinfo.CChAut, certinfo.CChAutAlt, certinfo.CHciAut:
		return false
	default:
		return true
	}
}

// validateResponder tries to verify resp's signature against issuer first
// (covering both a directly-issuer-signed response and a delegated
// responder certificate itself signed by issuer), then against each
// candidate in responderCerts in turn (covering a TSL-listed or explicitly
// supplied OCSP responder certificate that signs responses directly).
// Returns the verified *ocsp.Response, or an error if no candidate matches.
func validateResponder(raw []byte, leaf, issuer *certinfo.Certificate, responderCerts []*certinfo.Certificate) (*ocsp.Response, *errors.TslError) {
	if resp, err := ocsp.ParseResponseForCert(raw, leaf.Raw(), issuer.Raw()); err == nil {
		return resp, nil
	}
	for _, candidate := range responderCerts {
		if resp, err := ocsp.ParseResponseForCert(raw, leaf.Raw(), candidate.Raw()); err == nil {
			return resp, nil
		}
	}
	return nil, errors.New(errors.OcspStatusError, "OCSP response signer is not the issuer, a TSL-listed responder, or a supplied responder certificate")
}

func buildOcspResponse(resp *ocsp.Response, desc CheckDescriptor) truststore.OcspResponse {
	out := truststore.OcspResponse{
		ProducedAt:  resp.ProducedAt,
		GracePeriod: desc.GracePeriod,
		Raw:         resp.Raw,
	}
	switch resp.Status {
	case ocsp.Good:
		out.Status = truststore.OcspGood
	case ocsp.Revoked:
		out.Status = truststore.OcspRevoked
		out.RevocationTime = resp.RevokedAt
	default:
		out.Status = truststore.OcspUnknown
	}
	return out
}

// effectiveStatus applies the referenceTimePoint rule: a revocation is only
// effective when referenceTimePoint >= revocationTime.
func effectiveStatus(resp truststore.OcspResponse, referenceTimePoint *time.Time) truststore.OcspStatus {
	if resp.Status != truststore.OcspRevoked || referenceTimePoint == nil {
		return resp.Status
	}
	if referenceTimePoint.Before(resp.RevocationTime) {
		return truststore.OcspGood
	}
	return resp.Status
}

// FetchCurrent implements spec.md §4.4 fetchCurrent: consult the cache or a
// provided response as the descriptor permits, otherwise build and send a
// fresh OCSP request for (leaf, issuer) to ocspURL, validate the CertHash
// extension when required, validate the responder, apply the
// referenceTimePoint revocation rule, and cache the normalized result.
func FetchCurrent(
	ctx context.Context,
	leaf, issuer *certinfo.Certificate,
	sender RequestSender,
	ocspURL string,
	store *truststore.TrustStore,
	leafType certinfo.CertType,
	desc CheckDescriptor,
	clk clock.Clock,
) (truststore.OcspResponse, *errors.TslError) {
	refTime := clk.Now()
	if desc.ReferenceTimePoint != nil {
		refTime = *desc.ReferenceTimePoint
	}
	fingerprint := leaf.FingerprintSHA256()

	if allowsCache(desc.Mode) {
		if cached, ok := store.GetOcsp(fingerprint); ok && !cached.ProducedAt.Add(cached.GracePeriod).Before(refTime) {
			cached.FromCache = true
			return cached, nil
		}
		if desc.Mode == CachedOnly {
			return truststore.OcspResponse{}, errors.New(errors.OcspStatusError, "no cached OCSP response available")
		}
	}

	var raw []byte
	switch {
	case usesProvided(desc.Mode) && len(desc.ProvidedResponse) > 0:
		raw = desc.ProvidedResponse
	case desc.Mode == ProvidedOnly:
		return truststore.OcspResponse{}, errors.New(errors.OcspStatusError, "no provided OCSP response available")
	default:
		reqBytes, err := ocsp.CreateRequest(leaf.Raw(), issuer.Raw(), nil)
		if err != nil {
			return truststore.OcspResponse{}, errors.Wrap(errors.OcspStatusError, err, "building OCSP request")
		}
		body, err := sender.Send(ctx, ocspURL, reqBytes)
		if err != nil {
			return truststore.OcspResponse{}, errors.Wrap(errors.OcspStatusError, err, "sending OCSP request to %s", ocspURL)
		}
		raw = body
	}

	if requiresHashExtension(leafType) {
		parsed, err := ocsp.ParseResponse(raw, nil)
		if err != nil {
			return truststore.OcspResponse{}, errors.Wrap(errors.ProvidedOcspResponseNotValid, err, "parsing OCSP response")
		}
		if tErr := verifyCertHash(parsed, leaf.DER()); tErr != nil {
			return truststore.OcspResponse{}, tErr
		}
	}

	verified, tErr := validateResponder(raw, leaf, issuer, nil)
	if tErr != nil {
		return truststore.OcspResponse{}, tErr
	}

	normalized := buildOcspResponse(verified, desc)
	normalized.ReceivedAt = clk.Now()
	normalized.Status = effectiveStatus(normalized, desc.ReferenceTimePoint)

	if !desc.Noncacheable {
		store.PutOcsp(fingerprint, normalized)
	}
	return normalized, nil
}

// FetchCurrentForTslSigner implements spec.md §4.4
// fetchCurrentForTslSigner: the variant used during TSL-signer validation
// (TUC_PKI_011 step 8), which additionally accepts an explicit set of
// trust-introducing responder certificates (the OCSP responders listed in
// the TSL being validated, used on first-ever bootstrap before any trust
// store is populated). It never reads oldStore's cache; the normalized
// result, which carries a zero grace period, is offered to oldStore.PutOcsp.
func FetchCurrentForTslSigner(
	ctx context.Context,
	leaf, issuer *certinfo.Certificate,
	sender RequestSender,
	ocspURL string,
	oldStore *truststore.TrustStore,
	responderCerts []*certinfo.Certificate,
	clk clock.Clock,
) (truststore.OcspStatus, *errors.TslError) {
	reqBytes, err := ocsp.CreateRequest(leaf.Raw(), issuer.Raw(), nil)
	if err != nil {
		return truststore.OcspUnknown, errors.Wrap(errors.OcspStatusError, err, "building TSL-signer OCSP request")
	}
	raw, err := sender.Send(ctx, ocspURL, reqBytes)
	if err != nil {
		return truststore.OcspUnknown, errors.Wrap(errors.OcspStatusError, err, "sending TSL-signer OCSP request to %s", ocspURL)
	}

	parsed, parseErr := ocsp.ParseResponse(raw, nil)
	if parseErr != nil {
		return truststore.OcspUnknown, errors.Wrap(errors.ProvidedOcspResponseNotValid, parseErr, "parsing TSL-signer OCSP response")
	}
	if err := verifyCertHash(parsed, leaf.DER()); err != nil {
		return truststore.OcspUnknown, err
	}

	verified, vErr := validateResponder(raw, leaf, issuer, responderCerts)
	if vErr != nil {
		return truststore.OcspUnknown, vErr
	}

	result := buildOcspResponse(verified, CheckDescriptor{})
	if oldStore != nil {
		oldStore.PutOcsp(leaf.FingerprintSHA256(), result)
	}
	switch result.Status {
	case truststore.OcspGood:
		return truststore.OcspGood, nil
	case truststore.OcspRevoked:
		return truststore.OcspRevoked, errors.New(errors.OcspCertRevoked, "TSL signer certificate is revoked")
	default:
		return truststore.OcspUnknown, errors.New(errors.OcspCertUnknown, "TSL signer OCSP status unknown")
	}
}
