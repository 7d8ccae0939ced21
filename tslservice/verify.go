package tslservice

import (
	"context"
	"encoding/asn1"
	"strings"

	"github.com/gematik/erp-tsl-core/certinfo"
	"github.com/gematik/erp-tsl-core/errors"
	"github.com/gematik/erp-tsl-core/ocspclient"
	"github.com/gematik/erp-tsl-core/truststore"
)

// oidQcCompliance is id-etsi-qcs-QcCompliance (ETSI EN 319 412-5), the
// QC-statement every QES leaf type must assert.
var oidQcCompliance = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 1}

// qesTypes is the set certinfo.CertType values spec.md calls "QES leaves":
// they require a QC-statement and, in BNA mode, are the only types the
// BNA store is ever asked to verify.
var qesTypes = map[certinfo.CertType]bool{
	certinfo.CHpQes: true,
	certinfo.CChQes: true,
	certinfo.CHpEnc: true,
}

func isQesType(t certinfo.CertType) bool { return qesTypes[t] }

func containsType(set []certinfo.CertType, t certinfo.CertType) bool {
	for _, s := range set {
		if s == t {
			return true
		}
	}
	return false
}

func hasOID(haystack []asn1.ObjectIdentifier, needle asn1.ObjectIdentifier) bool {
	for _, o := range haystack {
		if o.Equal(needle) {
			return true
		}
	}
	return false
}

// OcspURLResolver resolves the OCSP URL to use for a QES leaf's AIA entry,
// applying the BNA OCSP-URL remapping and TI OCSP proxy rules from
// spec.md §4.4 step 3. Non-QES leaves always use the issuer's primary TSL
// supply point and never consult this collaborator.
type OcspURLResolver struct {
	BnaMapping map[string]string
	TiProxyURL string
}

func primarySupplyPoint(caInfo *truststore.CaInfo) string {
	if len(caInfo.SupplyPoints) == 0 {
		return ""
	}
	return caInfo.SupplyPoints[0]
}

func (res OcspURLResolver) resolveQesURL(aiaURL string) string {
	if res.BnaMapping != nil {
		if mapped, ok := res.BnaMapping[aiaURL]; ok {
			return mapped
		}
	}
	if res.TiProxyURL != "" {
		return strings.TrimSuffix(res.TiProxyURL, "/") + "/" + strings.TrimPrefix(aiaURL, "/")
	}
	return aiaURL
}

// CheckCertificate implements spec.md §4.5.2: classify, restrict,
// QC-statement check, critical-extension/key-usage/CA-flag check,
// validity, CA lookup, acceptance, authorization, chain build, EKU check,
// and finally an OCSP check. Any failure at any step evicts the cached
// OCSP entry for this leaf before the error is returned.
func (r *Refresher) CheckCertificate(
	ctx context.Context,
	leaf *certinfo.Certificate,
	typeRestrictions []certinfo.CertType,
	store *truststore.TrustStore,
	urlResolver OcspURLResolver,
	desc ocspclient.CheckDescriptor,
) (truststore.OcspResponse, *errors.TslError) {
	resp, tErr := r.checkCertificate(ctx, leaf, typeRestrictions, store, urlResolver, desc)
	if tErr != nil {
		store.EvictOcsp(leaf.FingerprintSHA256())
		return truststore.OcspResponse{}, errors.WithStore(tErr, store.Ref())
	}
	return resp, nil
}

func (r *Refresher) checkCertificate(
	ctx context.Context,
	leaf *certinfo.Certificate,
	typeRestrictions []certinfo.CertType,
	store *truststore.TrustStore,
	urlResolver OcspURLResolver,
	desc ocspclient.CheckDescriptor,
) (truststore.OcspResponse, *errors.TslError) {
	// 1. Classify + restrict.
	certType, classifyErr := certinfo.Classify(leaf)
	if classifyErr != nil {
		return truststore.OcspResponse{}, classifyErr
	}
	if len(typeRestrictions) > 0 && !containsType(typeRestrictions, certType) {
		return truststore.OcspResponse{}, errors.New(errors.CertTypeMismatch, "classified type %s is not in the allowed set", certType)
	}

	// 2. BNA mode only ever verifies QES types.
	if store.Mode() == truststore.ModeBna && !isQesType(certType) {
		return truststore.OcspResponse{}, errors.New(errors.CertTypeMismatch, "BNA store can only verify QES certificate types, got %s", certType)
	}

	// 3. QC-statement requirement for QES types.
	if isQesType(certType) && !hasOID(leaf.QCStatementOIDs(), oidQcCompliance) {
		return truststore.OcspResponse{}, errors.New(errors.QcStatementError, "QES certificate is missing the id-etsi-qcs-QcCompliance QC-statement")
	}

	// 4. Critical extensions / key usage / CA flag.
	if leaf.IsCA() {
		return truststore.OcspResponse{}, errors.New(errors.CertTypeMismatch, "leaf certificate must not carry the CA flag")
	}
	if rule, ok := certinfo.RuleFor(certType); ok {
		required := rule.RequiredKeyUsage(leaf.SigningAlgorithm())
		if required != 0 && leaf.KeyUsage()&required != required {
			return truststore.OcspResponse{}, errors.New(errors.WrongKeyUsage, "certificate does not carry the required key usage for type %s", certType)
		}
	}

	// 5. Validity period.
	now := r.clk.Now()
	if now.Before(leaf.NotBefore()) || now.After(leaf.NotAfter()) {
		return truststore.OcspResponse{}, errors.New(errors.CertificateNotValidTime, "certificate is not valid at this time")
	}

	// 6. CA lookup.
	caInfo, lookupErr := store.LookupCaCertificate(leaf)
	if lookupErr != nil {
		return truststore.OcspResponse{}, lookupErr
	}

	// 7. CA must be accepted at the leaf's notBefore.
	if !caInfo.AcceptedAt {
		if store.Mode() == truststore.ModeBna {
			return truststore.OcspResponse{}, errors.New(errors.CaCertificateRevokedInBnetzaVl, "issuing CA is not accepted in the BNetzA trust list at this certificate's notBefore")
		}
		return truststore.OcspResponse{}, errors.New(errors.CaCertificateRevokedInTsl, "issuing CA is not accepted in the TSL at this certificate's notBefore")
	}

	// 8. CA authorized for certType (TSL mode only).
	if store.Mode() == truststore.ModeTsl {
		if rule, ok := certinfo.RuleFor(certType); ok && len(rule.PolicyOID) > 0 {
			if !hasOID(caInfo.ExtensionOIDs, rule.PolicyOID) {
				return truststore.OcspResponse{}, errors.New(errors.CertTypeCaNotAuthorized, "issuing CA is not authorized to issue certificate type %s", certType)
			}
		}
	}

	// 9. Build chain.
	verifyTime := now
	if store.Mode() == truststore.ModeBna {
		verifyTime = leaf.NotBefore()
	}
	if _, chainErr := certinfo.BuildChain(leaf, store.GetTrustedCertificates(leaf), verifyTime); chainErr != nil {
		return truststore.OcspResponse{}, chainErr
	}

	// 10. Extended key usage.
	if rule, ok := certinfo.RuleFor(certType); ok && !certinfo.HasExtendedKeyUsage(leaf, rule.RequiredEKU) {
		return truststore.OcspResponse{}, errors.New(errors.WrongExtendedKeyUsage, "certificate is missing a required extended key usage for type %s", certType)
	}

	// 11. OCSP check. QES leaves resolve their OCSP URL from their own AIA
	// entry (subject to BNA remapping / TI proxy substitution); every other
	// type uses the issuing CA's primary TSL supply point.
	ocspURL := primarySupplyPoint(caInfo)
	if isQesType(certType) {
		aiaURLs := leaf.OCSPURLs()
		if len(aiaURLs) == 0 {
			return truststore.OcspResponse{}, errors.New(errors.ServiceSupplyPointMissing, "QES certificate carries no Authority Information Access OCSP URL")
		}
		ocspURL = urlResolver.resolveQesURL(aiaURLs[0])
	}
	if ocspURL == "" {
		return truststore.OcspResponse{}, errors.New(errors.ServiceSupplyPointMissing, "issuing CA has no configured OCSP supply point")
	}
	resp, ocspErr := ocspclient.FetchCurrent(ctx, leaf, caInfo.Cert, r.sender, ocspURL, store, certType, desc, r.clk)
	if ocspErr != nil {
		return truststore.OcspResponse{}, ocspErr
	}
	if resp.Status != truststore.OcspGood {
		if resp.Status == truststore.OcspRevoked {
			return truststore.OcspResponse{}, errors.New(errors.OcspCertRevoked, "certificate is revoked")
		}
		return truststore.OcspResponse{}, errors.New(errors.OcspCertUnknown, "certificate OCSP status is unknown")
	}

	return resp, nil
}
