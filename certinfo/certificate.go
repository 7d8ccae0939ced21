// Package certinfo implements CertificateOps: parsing X.509 certificates
// into an immutable Certificate value, classifying their Gematik
// certificate type, and performing bare signature/chain verification. It
// folds in the job the spec assigns to an external "CryptoBackend"
// collaborator, since crypto/x509 and golang.org/x/crypto/ocsp are
// themselves the real primitives the teacher reaches for to do the same
// job — no extra interface indirection is introduced here.
package certinfo

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/gematik/erp-tsl-core/errors"
	"github.com/gematik/erp-tsl-core/goodkey"
)

// SigningAlgorithm classifies the leaf's public-key algorithm family, used
// to select the key-usage table entry appropriate for RSA vs EC keys.
type SigningAlgorithm int

const (
	UnknownAlgorithm SigningAlgorithm = iota
	RsaPss
	EllipticCurve
)

// Certificate is an immutable, parsed X.509 certificate. Equality is
// bitwise equality of the DER encoding; no raw x509.Certificate pointer
// escapes — all access goes through the typed accessors below.
type Certificate struct {
	der  []byte
	cert *x509.Certificate
}

// CertificateId is the hash key into a TSL service-information map:
// (subjectDN, SubjectKeyIdentifier).
type CertificateId struct {
	SubjectDN string
	SKI       string
}

func (id CertificateId) String() string {
	return id.SubjectDN + "#" + id.SKI
}

// ParseDer parses a raw DER-encoded certificate.
func ParseDer(der []byte, keyPolicy *goodkey.Policy) (*Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(errors.CertReadError, err, "parsing DER certificate")
	}
	if keyPolicy != nil {
		if err := keyPolicy.CheckCertificate(cert); err != nil {
			return nil, errors.Wrap(errors.CertReadError, err, "certificate public key rejected")
		}
	}
	return &Certificate{der: der, cert: cert}, nil
}

// ParsePem parses a single PEM-encoded "CERTIFICATE" block.
func ParsePem(text string, keyPolicy *goodkey.Policy) (*Certificate, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New(errors.CertReadError, "no CERTIFICATE PEM block found")
	}
	return ParseDer(block.Bytes, keyPolicy)
}

// ParseBase64Der parses base64-encoded DER, tolerating embedded whitespace
// and newlines (the form TSL XML documents embed certificates in).
func ParseBase64Der(text string, keyPolicy *goodkey.Policy) (*Certificate, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, text)
	der, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, errors.Wrap(errors.CertReadError, err, "decoding base64 certificate")
	}
	return ParseDer(der, keyPolicy)
}

// DER returns the original DER bytes. The slice must not be mutated.
func (c *Certificate) DER() []byte { return c.der }

// Raw returns the underlying parsed certificate for callers (such as the
// OCSP client) that must interoperate with crypto/x509 and
// golang.org/x/crypto/ocsp APIs directly.
func (c *Certificate) Raw() *x509.Certificate { return c.cert }

// Equal reports bitwise equality of the DER encoding.
func (c *Certificate) Equal(other *Certificate) bool {
	if other == nil {
		return false
	}
	return bytes.Equal(c.der, other.der)
}

// SubjectDN renders the subject distinguished name in RFC 2253 order.
func (c *Certificate) SubjectDN() string { return c.cert.Subject.String() }

// IssuerDN renders the issuer distinguished name in RFC 2253 order.
func (c *Certificate) IssuerDN() string { return c.cert.Issuer.String() }

// SKI returns the lowercase hex Subject Key Identifier.
func (c *Certificate) SKI() string { return hex.EncodeToString(c.cert.SubjectKeyId) }

// AKI returns the lowercase hex Authority Key Identifier.
func (c *Certificate) AKI() string { return hex.EncodeToString(c.cert.AuthorityKeyId) }

// ID returns the CertificateId (subjectDN, SKI) pair used as a
// service-information map key.
func (c *Certificate) ID() CertificateId {
	return CertificateId{SubjectDN: c.SubjectDN(), SKI: c.SKI()}
}

// SerialHex returns the hex-encoded serial number.
func (c *Certificate) SerialHex() string {
	if c.cert.SerialNumber == nil {
		return ""
	}
	return fmt.Sprintf("%x", c.cert.SerialNumber)
}

// FingerprintSHA1 returns the lowercase hex SHA-1 digest of the DER form.
func (c *Certificate) FingerprintSHA1() string {
	sum := sha1.Sum(c.der)
	return hex.EncodeToString(sum[:])
}

// FingerprintSHA256 returns the lowercase hex SHA-256 digest of the DER
// form; this is the key OCSP response cache entries are indexed by.
func (c *Certificate) FingerprintSHA256() string {
	sum := sha256.Sum256(c.der)
	return hex.EncodeToString(sum[:])
}

// NotBefore and NotAfter expose the validity window.
func (c *Certificate) NotBefore() time.Time { return c.cert.NotBefore }
func (c *Certificate) NotAfter() time.Time  { return c.cert.NotAfter }

// PublicKey returns the parsed public key.
func (c *Certificate) PublicKey() interface{} { return c.cert.PublicKey }

// SigningAlgorithm classifies the public key family.
func (c *Certificate) SigningAlgorithm() SigningAlgorithm {
	switch c.cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return RsaPss
	case *ecdsa.PublicKey:
		return EllipticCurve
	default:
		return UnknownAlgorithm
	}
}

// OCSPURLs returns the Authority Information Access OCSP URL list.
func (c *Certificate) OCSPURLs() []string { return c.cert.OCSPServer }

// KeyUsage returns the key-usage bitset.
func (c *Certificate) KeyUsage() x509.KeyUsage { return c.cert.KeyUsage }

// ExtKeyUsage returns the extended-key-usage list.
func (c *Certificate) ExtKeyUsage() []x509.ExtKeyUsage { return c.cert.ExtKeyUsage }

// IsCA reports whether the basicConstraints CA flag is set.
func (c *Certificate) IsCA() bool { return c.cert.IsCA }

// CertificatePolicyOIDs returns the certificatePolicies extension's OID
// list.
func (c *Certificate) CertificatePolicyOIDs() []asn1.ObjectIdentifier {
	return c.cert.PolicyIdentifiers
}

// CriticalExtensionOIDs returns every extension OID marked critical.
func (c *Certificate) CriticalExtensionOIDs() []asn1.ObjectIdentifier {
	var out []asn1.ObjectIdentifier
	for _, ext := range c.cert.Extensions {
		if ext.Critical {
			out = append(out, ext.Id)
		}
	}
	return out
}

// HasCriticalExtensionOnly reports whether every critical extension OID in
// the certificate is a member of allowed.
func (c *Certificate) HasCriticalExtensionOnly(allowed ...asn1.ObjectIdentifier) bool {
	for _, oid := range c.CriticalExtensionOIDs() {
		found := false
		for _, want := range allowed {
			if oid.Equal(want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AdmissionRoleOIDs extracts the OIDs embedded in the ISIS-MTT
// AdmissionSyntax extension (OID 1.3.36.8.3.3), used to express the
// professional roles (e.g. "Versicherter", "Leistungserbringer") a
// Gematik card-auth certificate asserts. Parsing is a best-effort
// recursive OID scan rather than a full AdmissionSyntax ASN.1 grammar,
// since only the set of asserted OIDs (not their structural position)
// affects trust decisions here.
func (c *Certificate) AdmissionRoleOIDs() []asn1.ObjectIdentifier {
	return c.extensionOIDs(oidAdmission)
}

// QCStatementOIDs extracts statement-id OIDs from the id-pe-qcStatements
// extension (RFC 3739 / ETSI EN 319 412-5).
func (c *Certificate) QCStatementOIDs() []asn1.ObjectIdentifier {
	return c.extensionOIDs(oidQCStatements)
}

func (c *Certificate) extension(oid asn1.ObjectIdentifier) ([]byte, bool) {
	for _, ext := range c.cert.Extensions {
		if ext.Id.Equal(oid) {
			return ext.Value, true
		}
	}
	return nil, false
}

func (c *Certificate) extensionOIDs(oid asn1.ObjectIdentifier) []asn1.ObjectIdentifier {
	raw, ok := c.extension(oid)
	if !ok {
		return nil
	}
	return scanOIDs(raw)
}

// scanOIDs recursively walks a DER structure collecting every embedded
// OBJECT IDENTIFIER value it finds.
func scanOIDs(der []byte) []asn1.ObjectIdentifier {
	var out []asn1.ObjectIdentifier
	var rest = der
	for len(rest) > 0 {
		var raw asn1.RawValue
		next, err := asn1.Unmarshal(rest, &raw)
		if err != nil {
			return out
		}
		if raw.Tag == asn1.TagOID && raw.Class == asn1.ClassUniversal {
			var oid asn1.ObjectIdentifier
			if _, err := asn1.Unmarshal(rest[:len(rest)-len(next)], &oid); err == nil {
				out = append(out, oid)
			}
		} else if raw.IsCompound {
			out = append(out, scanOIDs(raw.Bytes)...)
		}
		rest = next
	}
	return out
}

var (
	oidAdmission    = asn1.ObjectIdentifier{1, 3, 36, 8, 3, 3}
	oidQCStatements = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 3}
)
