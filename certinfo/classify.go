package certinfo

import (
	"crypto/x509"
	"encoding/asn1"

	"github.com/gematik/erp-tsl-core/errors"
)

// CertType is one of the Gematik certificate-profile identifiers the
// engine must classify every leaf into before verification proceeds.
type CertType string

const (
	CChAut    CertType = "C_CH_AUT"
	CChAutAlt CertType = "C_CH_AUT_ALT"
	CFdAut    CertType = "C_FD_AUT"
	CFdSig    CertType = "C_FD_SIG"
	CFdOsig   CertType = "C_FD_OSIG"
	CFdTlsS   CertType = "C_FD_TLS_S"
	CHciEnc   CertType = "C_HCI_ENC"
	CHciAut   CertType = "C_HCI_AUT"
	CHciOsig  CertType = "C_HCI_OSIG"
	CHpQes    CertType = "C_HP_QES"
	CChQes    CertType = "C_CH_QES"
	CHpEnc    CertType = "C_HP_ENC"
	CZdTlsS   CertType = "C_ZD_TLS_S"
)

// keyUsageRequirement expresses a key-usage requirement that may differ by
// signing algorithm, e.g. C_HCI_ENC wants keyAgreement for EC keys but
// {dataEncipherment, keyEncipherment} for RSA keys.
type keyUsageRequirement map[SigningAlgorithm]x509.KeyUsage

// certTypeRule is one row of the static classification table. Rules are
// tried in declared order; the first whose PolicyOID is present and whose
// RequiredRoleOIDs (if any) are all present wins.
type certTypeRule struct {
	Type             CertType
	PolicyOID        asn1.ObjectIdentifier
	RequiredRoleOIDs []asn1.ObjectIdentifier
	RequiredEKU      []x509.ExtKeyUsage
	RequiredKU       keyUsageRequirement
}

// Gematik policy OIDs, abbreviated here to the arc used across profiles;
// real deployments pin the full gematik policy-OID registry values.
var (
	policyChAut    = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 70}
	policyChAutAlt = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 212}
	policyFdAut    = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 203}
	policyFdSig    = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 204}
	policyFdOsig   = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 205}
	policyFdTlsS   = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 206}
	policyHciEnc   = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 215}
	policyHciAut   = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 216}
	policyHciOsig  = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 217}
	policyHpQes    = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 72}
	policyChQes    = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 73}
	policyHpEnc    = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 74}
	policyZdTlsS   = asn1.ObjectIdentifier{1, 2, 276, 0, 76, 4, 207}
)

// IdTslKpTslSigning is TUC_PKI_011's required TSL-signer EKU OID.
var IdTslKpTslSigning = asn1.ObjectIdentifier{0, 4, 0, 2231, 3, 0}

var classificationTable = []certTypeRule{
	{Type: CChAut, PolicyOID: policyChAut, RequiredEKU: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}},
	{Type: CChAutAlt, PolicyOID: policyChAutAlt, RequiredEKU: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}},
	{Type: CFdAut, PolicyOID: policyFdAut, RequiredEKU: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}},
	{Type: CFdSig, PolicyOID: policyFdSig},
	{Type: CFdOsig, PolicyOID: policyFdOsig},
	{Type: CFdTlsS, PolicyOID: policyFdTlsS, RequiredEKU: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}},
	{
		Type:      CHciEnc,
		PolicyOID: policyHciEnc,
		RequiredKU: keyUsageRequirement{
			EllipticCurve: x509.KeyUsageKeyAgreement,
			RsaPss:        x509.KeyUsageDataEncipherment | x509.KeyUsageKeyEncipherment,
		},
	},
	{Type: CHciAut, PolicyOID: policyHciAut, RequiredEKU: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}},
	{Type: CHciOsig, PolicyOID: policyHciOsig},
	{Type: CHpQes, PolicyOID: policyHpQes},
	{Type: CChQes, PolicyOID: policyChQes},
	{
		Type:      CHpEnc,
		PolicyOID: policyHpEnc,
		RequiredKU: keyUsageRequirement{
			EllipticCurve: x509.KeyUsageKeyAgreement,
			RsaPss:        x509.KeyUsageDataEncipherment | x509.KeyUsageKeyEncipherment,
		},
	},
	{Type: CZdTlsS, PolicyOID: policyZdTlsS, RequiredEKU: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}},
}

// allowedCriticalExtensions is the set every classified type must be
// restricted to; any other critical extension fails classification.
var allowedCriticalExtensions = []asn1.ObjectIdentifier{
	{2, 5, 29, 15}, // keyUsage
	{2, 5, 29, 19}, // basicConstraints
}

// Classify applies the declared-order classification table to cert,
// returning the first matching CertType, CertTypeInfoMissing if the
// certificate carries no certificatePolicies extension at all, or
// CertTypeMismatch if the extension is present but nothing matches (or a
// critical extension outside the allowed set is present, or the leaf is a
// CA certificate).
func Classify(cert *Certificate) (CertType, *errors.TslError) {
	if cert.IsCA() {
		return "", errors.New(errors.CertTypeMismatch, "leaf certificate must not be a CA certificate")
	}
	policies := cert.CertificatePolicyOIDs()
	if len(policies) == 0 {
		return "", errors.New(errors.CertTypeInfoMissing, "certificate carries no certificatePolicies extension")
	}
	if !cert.HasCriticalExtensionOnly(allowedCriticalExtensions...) {
		return "", errors.New(errors.CertTypeMismatch, "certificate carries a disallowed critical extension")
	}

	for _, rule := range classificationTable {
		if !hasOID(policies, rule.PolicyOID) {
			continue
		}
		if !hasAllOIDs(cert.AdmissionRoleOIDs(), rule.RequiredRoleOIDs) {
			continue
		}
		return rule.Type, nil
	}
	return "", errors.New(errors.CertTypeMismatch, "no certificate type matches the asserted policy OID")
}

// RuleFor looks up the static classification rule for a CertType, for use
// by the verification pipeline's EKU/KU checks.
func RuleFor(t CertType) (certTypeRule, bool) {
	for _, rule := range classificationTable {
		if rule.Type == t {
			return rule, true
		}
	}
	return certTypeRule{}, false
}

// RequiredKeyUsage resolves the key-usage requirement for the given
// signing algorithm, or 0 if the type has no key-usage requirement.
func (r certTypeRule) RequiredKeyUsage(alg SigningAlgorithm) x509.KeyUsage {
	if r.RequiredKU == nil {
		return 0
	}
	return r.RequiredKU[alg]
}

// HasExtendedKeyUsage reports whether cert's EKU list contains every OID
// rule.RequiredEKU names.
func HasExtendedKeyUsage(cert *Certificate, required []x509.ExtKeyUsage) bool {
	if len(required) == 0 {
		return true
	}
	have := map[x509.ExtKeyUsage]bool{}
	for _, eku := range cert.ExtKeyUsage() {
		have[eku] = true
	}
	for _, want := range required {
		if !have[want] {
			return false
		}
	}
	return true
}

func hasOID(haystack []asn1.ObjectIdentifier, needle asn1.ObjectIdentifier) bool {
	for _, oid := range haystack {
		if oid.Equal(needle) {
			return true
		}
	}
	return false
}

func hasAllOIDs(haystack []asn1.ObjectIdentifier, needles []asn1.ObjectIdentifier) bool {
	for _, n := range needles {
		if !hasOID(haystack, n) {
			return false
		}
	}
	return true
}
