package tslxml

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gematik/erp-tsl-core/truststore"
)

type passValidator struct{}

func (passValidator) Validate([]byte) error { return nil }

type failValidator struct{}

func (failValidator) Validate([]byte) error { return fmt.Errorf("schema mismatch") }

func selfSignedDER(t *testing.T, key *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
		BasicConstraintsValid: true,
		SubjectKeyId: []byte{9, 9, 9},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func buildDoc(t *testing.T, signerKey *ecdsa.PrivateKey, signerDER []byte, issuerDER []byte) []byte {
	t.Helper()
	body := fmt.Sprintf(`<TrustServiceStatusList Id="doc-1"><SchemeInformation><TSLSequenceNumber>7</TSLSequenceNumber><NextUpdate><dateTime>2030-01-01T00:00:00Z</dateTime></NextUpdate><DistributionPoints><URI>https://example/tsl.xml</URI></DistributionPoints></SchemeInformation><TrustServiceProviderList><TrustServiceProvider><TSPServices><TSPService><ServiceInformation><ServiceTypeIdentifier>http://uri/CA</ServiceTypeIdentifier><ServiceStatus>http://uri/svcstatus/granted</ServiceStatus><StatusStartingTime>2020-01-01T00:00:00Z</StatusStartingTime><ServiceDigitalIdentity><DigitalId><X509Certificate>%s</X509Certificate></DigitalId></ServiceDigitalIdentity></ServiceInformation></TSPService></TSPServices></TrustServiceProvider></TrustServiceProviderList></TrustServiceStatusList>`,
		base64.StdEncoding.EncodeToString(issuerDER))

	// Digest covers the document with the Signature element removed, as
	// stripSignatureElement reconstructs it (body has the closing tag
	// already baked in, so the "stripped" form used for signing is body
	// itself with no trailing </TrustServiceStatusList> duplication).
	unsignedForm := body[:len(body)-len("</TrustServiceStatusList>")] + "</TrustServiceStatusList>"
	digest := sha256.Sum256([]byte(unsignedForm))
	sig, err := ecdsa.SignASN1(rand.Reader, signerKey, digest[:])
	require.NoError(t, err)

	signature := fmt.Sprintf(`<Signature><SignedInfo><SignatureMethod Algorithm="ecdsa-sha256"/></SignedInfo><SignatureValue>%s</SignatureValue><KeyInfo><X509Data><X509Certificate>%s</X509Certificate></X509Data></KeyInfo></Signature>`,
		base64.StdEncoding.EncodeToString(sig), base64.StdEncoding.EncodeToString(signerDER))

	full := body[:len(body)-len("</TrustServiceStatusList>")] + signature + "</TrustServiceStatusList>"
	return []byte(full)
}

func TestParseRejectsSchemaFailure(t *testing.T) {
	_, tErr := Parse([]byte("<root/>"), truststore.ModeTsl, failValidator{}, nil)
	require.NotNil(t, tErr)
}

func TestParseRejectsMissingSignature(t *testing.T) {
	_, tErr := Parse([]byte(`<TrustServiceStatusList Id="x"><SchemeInformation><NextUpdate><dateTime>2030-01-01T00:00:00Z</dateTime></NextUpdate></SchemeInformation></TrustServiceStatusList>`),
		truststore.ModeTsl, passValidator{}, nil)
	require.NotNil(t, tErr)
}

func TestParseExtractsSequenceAndServices(t *testing.T) {
	signerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signerDER := selfSignedDER(t, signerKey, "Signer")
	issuerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	issuerDER := selfSignedDER(t, issuerKey, "Issuer")

	raw := buildDoc(t, signerKey, signerDER, issuerDER)

	parsed, tErr := Parse(raw, truststore.ModeTsl, passValidator{}, nil)
	require.Nil(t, tErr)
	require.Equal(t, "doc-1", parsed.DocumentID)
	require.Equal(t, int64(7), parsed.Sequence)
	require.Len(t, parsed.Snapshot.Services, 1)
	require.Equal(t, []string{"https://example/tsl.xml"}, parsed.UpdateURLs)
}
