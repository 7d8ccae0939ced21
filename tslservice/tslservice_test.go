package tslservice

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/gematik/erp-tsl-core/certinfo"
	"github.com/gematik/erp-tsl-core/errors"
	"github.com/gematik/erp-tsl-core/ocspclient"
	"github.com/gematik/erp-tsl-core/truststore"
	"github.com/gematik/erp-tsl-core/tslxml"
)

// fakeHTTP serves fixed bodies keyed by URL, counting calls per URL.
type fakeHTTP struct {
	bodies map[string][]byte
	errs   map[string]error
	calls  map[string]int
}

func newFakeHTTP() *fakeHTTP {
	return &fakeHTTP{bodies: map[string][]byte{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeHTTP) Get(ctx context.Context, url string) ([]byte, error) {
	f.calls[url]++
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if body, ok := f.bodies[url]; ok {
		return body, nil
	}
	return nil, fmt.Errorf("no fixture for %s", url)
}

type getterFunc func(ctx context.Context, url string) ([]byte, error)

func (f getterFunc) Get(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

type passValidator struct{}

func (passValidator) Validate([]byte) error { return nil }

type stubSender struct {
	fn func(ctx context.Context, url string, req []byte) ([]byte, error)
}

func (s stubSender) Send(ctx context.Context, url string, req []byte) ([]byte, error) {
	return s.fn(ctx, url, req)
}

var serialCounter int64

func nextSerial() *big.Int {
	serialCounter++
	return big.NewInt(serialCounter)
}

// fakeClockAt returns a fake clock set to t.
func fakeClockAt(t time.Time) clock.FakeClock {
	clk := clock.NewFake()
	clk.Set(t)
	return clk
}

// genRootCA returns a self-signed CA key/cert pair.
func genRootCA(t *testing.T, cn string) (*ecdsa.PrivateKey, *x509.Certificate, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(48 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte(cn),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert, der
}

// genTslSigner issues a non-CA signer certificate under parent, carrying
// the id-tsl-kp-tslSigning EKU and nonRepudiation key usage TUC_PKI_011
// requires.
func genTslSigner(t *testing.T, cn string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) *certinfo.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(48 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
		AuthorityKeyId:        parent.SubjectKeyId,
		UnknownExtKeyUsage:    []asn1.ObjectIdentifier{certinfo.IdTslKpTslSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := certinfo.ParseDer(der, nil)
	require.NoError(t, err)
	return cert
}

// genLeaf issues a leaf certificate under parent asserting policyOID (and
// optionally an extended key usage and QC-statement), returning both the
// parsed certinfo.Certificate and the raw x509.Certificate (needed to
// build matching OCSP responses).
func genLeaf(t *testing.T, cn string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, policyOID asn1.ObjectIdentifier, eku []x509.ExtKeyUsage, qcCompliance bool) (*certinfo.Certificate, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          nextSerial(),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(48 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		AuthorityKeyId:        parent.SubjectKeyId,
		PolicyIdentifiers:     []asn1.ObjectIdentifier{policyOID},
		ExtKeyUsage:           eku,
		OCSPServer:            []string{"https://aia.example/ocsp"},
	}
	if qcCompliance {
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{
			Id:    asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 3},
			Value: mustMarshalOIDSequence(t, oidQcCompliance),
		})
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := certinfo.ParseDer(der, nil)
	require.NoError(t, err)
	raw, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, raw
}

func mustMarshalOIDSequence(t *testing.T, oid asn1.ObjectIdentifier) []byte {
	t.Helper()
	inner, err := asn1.Marshal(struct {
		StatementID asn1.ObjectIdentifier
	}{oid})
	require.NoError(t, err)
	out, err := asn1.Marshal([]asn1.RawValue{{FullBytes: inner}})
	require.NoError(t, err)
	return out
}

func buildGoodOcspResponse(t *testing.T, leaf, issuer *x509.Certificate, issuerKey *ecdsa.PrivateKey) []byte {
	t.Helper()
	sum := sha256.Sum256(leaf.Raw)
	certHash, err := asn1.Marshal(struct {
		HashAlgorithm pkix.AlgorithmIdentifier
		CertHash      []byte
	}{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}},
		CertHash:      sum[:],
	})
	require.NoError(t, err)

	tmpl := ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: leaf.SerialNumber,
		ThisUpdate:   time.Now().Add(-time.Minute),
		NextUpdate:   time.Now().Add(time.Hour),
		ExtraExtensions: []pkix.Extension{
			{Id: asn1.ObjectIdentifier{1, 3, 36, 8, 3, 13}, Value: certHash},
		},
	}
	raw, err := ocsp.CreateResponse(issuer, issuer, tmpl, issuerKey)
	require.NoError(t, err)
	return raw
}

func TestProbeHashUsesShaSuffixAndStopsAtFirstURL(t *testing.T) {
	http := newFakeHTTP()
	http.bodies["https://a/tsl.xml.sha2"] = []byte("deadbeef")
	r := NewRefresher(http, nil, passValidator{}, nil, fakeClockAt(time.Now()))

	hash, tErr := r.probeHash(context.Background(), []string{"https://a/tsl.xml"})
	require.Nil(t, tErr)
	require.Equal(t, "deadbeef", hash)
	require.Equal(t, 1, http.calls["https://a/tsl.xml.sha2"])
}

func TestProbeHashFallsThroughUpdateURLs(t *testing.T) {
	http := newFakeHTTP()
	http.errs["https://a/tsl.xml.sha2"] = fmt.Errorf("connection refused")
	http.bodies["https://b/tsl.xml.sha2"] = []byte("cafef00d")
	r := NewRefresher(http, nil, passValidator{}, nil, fakeClockAt(time.Now()))

	hash, tErr := r.probeHash(context.Background(), []string{"https://a/tsl.xml", "https://b/tsl.xml"})
	require.Nil(t, tErr)
	require.Equal(t, "cafef00d", hash)
}

func TestDownloadRetriesWithinAURLBeforeMovingOn(t *testing.T) {
	attempts := 0
	http := newFakeHTTP()
	http.bodies["https://b/tsl.xml"] = []byte("tsl-body")
	r := NewRefresher(http, nil, passValidator{}, nil, fakeClockAt(time.Now()))
	r.http = getterFunc(func(ctx context.Context, url string) ([]byte, error) {
		if url == "https://a/tsl.xml" {
			attempts++
			return nil, fmt.Errorf("timeout")
		}
		return http.Get(ctx, url)
	})

	body, tErr := r.download(context.Background(), []string{"https://a/tsl.xml", "https://b/tsl.xml"})
	require.Nil(t, tErr)
	require.Equal(t, []byte("tsl-body"), body)
	require.Equal(t, maxDownloadAttemptsPerURL, attempts)
}

func TestCheckIdSequenceProgressionBootstrapAlwaysAccepted(t *testing.T) {
	store := truststore.New(truststore.ModeTsl, nil, fakeClockAt(time.Now()), 8)
	tErr := checkIdSequenceProgression(store, &tslxml.Parsed{DocumentID: "x", Sequence: 1})
	require.Nil(t, tErr)
}

func TestCheckIdSequenceProgressionSameIdRequiresSameSequence(t *testing.T) {
	clk := fakeClockAt(time.Now())
	store := truststore.New(truststore.ModeTsl, nil, clk, 8)
	store.RefillFromSnapshot(truststore.Snapshot{DocumentID: "doc-1", Sequence: 5, NextUpdate: clk.Now().Add(time.Hour)})

	require.Nil(t, checkIdSequenceProgression(store, &tslxml.Parsed{DocumentID: "doc-1", Sequence: 5}))
	require.NotNil(t, checkIdSequenceProgression(store, &tslxml.Parsed{DocumentID: "doc-1", Sequence: 6}))
}

func TestCheckIdSequenceProgressionNewIdRequiresGreaterSequence(t *testing.T) {
	clk := fakeClockAt(time.Now())
	store := truststore.New(truststore.ModeTsl, nil, clk, 8)
	store.RefillFromSnapshot(truststore.Snapshot{DocumentID: "doc-1", Sequence: 5, NextUpdate: clk.Now().Add(time.Hour)})

	require.Nil(t, checkIdSequenceProgression(store, &tslxml.Parsed{DocumentID: "doc-2", Sequence: 6}))
	require.NotNil(t, checkIdSequenceProgression(store, &tslxml.Parsed{DocumentID: "doc-2", Sequence: 5}))
}

func TestCheckIdSequenceProgressionBnaOnlyChecksSequence(t *testing.T) {
	clk := fakeClockAt(time.Now())
	store := truststore.New(truststore.ModeBna, nil, clk, 8)
	store.RefillFromSnapshot(truststore.Snapshot{DocumentID: "ignored", Sequence: 3, NextUpdate: clk.Now().Add(time.Hour)})

	require.Nil(t, checkIdSequenceProgression(store, &tslxml.Parsed{DocumentID: "anything", Sequence: 4}))
	require.NotNil(t, checkIdSequenceProgression(store, &tslxml.Parsed{DocumentID: "anything", Sequence: 3}))
}

func TestHasTslSigningEKU(t *testing.T) {
	rootKey, rootCert, _ := genRootCA(t, "Root")
	signer := genTslSigner(t, "Signer", rootCert, rootKey)
	require.True(t, hasTslSigningEKU(signer))
}

func TestCheckSignerCertificateAcceptsAnchorSignedSigner(t *testing.T) {
	clk := fakeClockAt(time.Now())
	rootKey, rootCert, rootDER := genRootCA(t, "Anchor")
	anchorCert, err := certinfo.ParseDer(rootDER, nil)
	require.NoError(t, err)

	signer := genTslSigner(t, "Signer", rootCert, rootKey)

	store := truststore.New(truststore.ModeTsl, []truststore.TrustAnchor{{Cert: anchorCert}}, clk, 8)
	r := NewRefresher(nil, nil, passValidator{}, nil, clk)

	tErr := r.checkSignerCertificate(store, signer, nil)
	require.Nil(t, tErr)
}

func TestCheckSignerCertificateRejectsUnknownSigner(t *testing.T) {
	clk := fakeClockAt(time.Now())
	_, _, anchorDER := genRootCA(t, "Anchor")
	anchorCert, err := certinfo.ParseDer(anchorDER, nil)
	require.NoError(t, err)

	otherKey, otherRoot, _ := genRootCA(t, "Other")
	otherSigner := genTslSigner(t, "NotSigner", otherRoot, otherKey)

	store := truststore.New(truststore.ModeTsl, []truststore.TrustAnchor{{Cert: anchorCert}}, clk, 8)
	r := NewRefresher(nil, nil, passValidator{}, nil, clk)

	tErr := r.checkSignerCertificate(store, otherSigner, nil)
	require.NotNil(t, tErr)
}

func TestCheckSignerCertificateBnaModeRequiresExactMatch(t *testing.T) {
	clk := fakeClockAt(time.Now())
	rootKey, rootCert, _ := genRootCA(t, "Root")
	expected := genTslSigner(t, "BnaSigner", rootCert, rootKey)

	store := truststore.New(truststore.ModeBna, nil, clk, 8)
	r := NewRefresher(nil, nil, passValidator{}, nil, clk)

	require.Nil(t, r.checkSignerCertificate(store, expected, []*certinfo.Certificate{expected}))

	other := genTslSigner(t, "NotExpected", rootCert, rootKey)
	require.NotNil(t, r.checkSignerCertificate(store, other, []*certinfo.Certificate{expected}))
}

func TestTriggerTslUpdateIfNecessarySkipsWhenFreshAndNotForced(t *testing.T) {
	clk := fakeClockAt(time.Now())
	store := truststore.New(truststore.ModeTsl, nil, clk, 8)
	store.RefillFromSnapshot(truststore.Snapshot{DocumentID: "d", Sequence: 1, NextUpdate: clk.Now().Add(time.Hour)})

	r := NewRefresher(newFakeHTTP(), nil, passValidator{}, nil, clk)
	result, tErr := r.TriggerTslUpdateIfNecessary(context.Background(), store, true, nil)
	require.Nil(t, tErr)
	require.Equal(t, NotUpdated, result)
}

func policyOIDFor(t certinfo.CertType) asn1.ObjectIdentifier {
	rule, ok := certinfo.RuleFor(t)
	if !ok {
		return nil
	}
	return rule.PolicyOID
}

func TestCheckCertificateRejectsTypeNotInRestrictionSet(t *testing.T) {
	clk := fakeClockAt(time.Now())
	r := NewRefresher(nil, stubSender{fn: func(ctx context.Context, url string, req []byte) ([]byte, error) {
		t.Fatal("OCSP should not be reached")
		return nil, nil
	}}, passValidator{}, nil, clk)

	caKey, caX509, caDER := genRootCA(t, "CA")
	caCert, err := certinfo.ParseDer(caDER, nil)
	require.NoError(t, err)

	leafCert, _ := genLeaf(t, "Leaf", caX509, caKey, policyOIDFor(certinfo.CChAut), []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, false)

	store := truststore.New(truststore.ModeTsl, []truststore.TrustAnchor{{Cert: caCert}}, clk, 8)
	store.RefillFromSnapshot(truststore.Snapshot{
		DocumentID: "d", Sequence: 1, NextUpdate: clk.Now().Add(time.Hour),
		Services: map[certinfo.CertificateId]truststore.ServiceInformation{
			caCert.ID(): {
				IssuerCert:   caCert,
				SupplyPoints: []string{"https://ocsp/ca"},
				History:      truststore.AcceptanceHistory{{Time: clk.Now().Add(-time.Hour), Accepted: true}},
			},
		},
	})

	_, tErr := r.CheckCertificate(context.Background(), leafCert, []certinfo.CertType{certinfo.CFdSig}, store, OcspURLResolver{}, ocspclient.CheckDescriptor{})
	require.NotNil(t, tErr)
	require.True(t, errors.Is(tErr, errors.CertTypeMismatch))
}

func TestCheckCertificateRejectsCaNotAcceptedAtNotBefore(t *testing.T) {
	clk := fakeClockAt(time.Now())
	r := NewRefresher(nil, stubSender{fn: func(ctx context.Context, url string, req []byte) ([]byte, error) {
		t.Fatal("OCSP should not be reached when CA acceptance fails")
		return nil, nil
	}}, passValidator{}, nil, clk)

	caKey, caX509, caDER := genRootCA(t, "CA")
	caCert, err := certinfo.ParseDer(caDER, nil)
	require.NoError(t, err)

	leafCert, _ := genLeaf(t, "Leaf", caX509, caKey, policyOIDFor(certinfo.CChAut), []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, false)

	store := truststore.New(truststore.ModeTsl, []truststore.TrustAnchor{{Cert: caCert}}, clk, 8)
	store.RefillFromSnapshot(truststore.Snapshot{
		DocumentID: "d", Sequence: 1, NextUpdate: clk.Now().Add(time.Hour),
		Services: map[certinfo.CertificateId]truststore.ServiceInformation{
			caCert.ID(): {
				IssuerCert:   caCert,
				SupplyPoints: []string{"https://ocsp/ca"},
				History:      truststore.AcceptanceHistory{{Time: clk.Now().Add(-time.Hour), Accepted: false}},
			},
		},
	})

	_, tErr := r.CheckCertificate(context.Background(), leafCert, nil, store, OcspURLResolver{}, ocspclient.CheckDescriptor{})
	require.NotNil(t, tErr)
	require.True(t, errors.Is(tErr, errors.CaCertificateRevokedInTsl))
}

func TestCheckCertificateGoodPathReturnsOcspGood(t *testing.T) {
	clk := fakeClockAt(time.Now())

	caKey, caX509, caDER := genRootCA(t, "CA")
	caCert, err := certinfo.ParseDer(caDER, nil)
	require.NoError(t, err)

	leafCert, leafX509 := genLeaf(t, "Leaf", caX509, caKey, policyOIDFor(certinfo.CChAut), []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, false)

	ocspRaw := buildGoodOcspResponse(t, leafX509, caX509, caKey)
	sender := stubSender{fn: func(ctx context.Context, url string, req []byte) ([]byte, error) {
		return ocspRaw, nil
	}}
	r := NewRefresher(nil, sender, passValidator{}, nil, clk)

	store := truststore.New(truststore.ModeTsl, []truststore.TrustAnchor{{Cert: caCert}}, clk, 8)
	store.RefillFromSnapshot(truststore.Snapshot{
		DocumentID: "d", Sequence: 1, NextUpdate: clk.Now().Add(time.Hour),
		Services: map[certinfo.CertificateId]truststore.ServiceInformation{
			caCert.ID(): {
				IssuerCert:   caCert,
				SupplyPoints: []string{"https://ocsp/ca"},
				History:      truststore.AcceptanceHistory{{Time: clk.Now().Add(-time.Hour), Accepted: true}},
			},
		},
	})

	resp, tErr := r.CheckCertificate(context.Background(), leafCert, nil, store, OcspURLResolver{}, ocspclient.CheckDescriptor{})
	require.Nil(t, tErr)
	require.Equal(t, truststore.OcspGood, resp.Status)
}

func TestCheckCertificateQesTypeRequiresQcCompliance(t *testing.T) {
	clk := fakeClockAt(time.Now())
	r := NewRefresher(nil, stubSender{fn: func(ctx context.Context, url string, req []byte) ([]byte, error) {
		t.Fatal("OCSP should not be reached when QC-statement check fails")
		return nil, nil
	}}, passValidator{}, nil, clk)

	caKey, caX509, caDER := genRootCA(t, "CA")
	caCert, err := certinfo.ParseDer(caDER, nil)
	require.NoError(t, err)

	leafCert, _ := genLeaf(t, "Leaf", caX509, caKey, policyOIDFor(certinfo.CHpQes), nil, false)

	store := truststore.New(truststore.ModeTsl, []truststore.TrustAnchor{{Cert: caCert}}, clk, 8)
	store.RefillFromSnapshot(truststore.Snapshot{
		DocumentID: "d", Sequence: 1, NextUpdate: clk.Now().Add(time.Hour),
		Services: map[certinfo.CertificateId]truststore.ServiceInformation{
			caCert.ID(): {
				IssuerCert:   caCert,
				SupplyPoints: []string{"https://ocsp/ca"},
				History:      truststore.AcceptanceHistory{{Time: clk.Now().Add(-time.Hour), Accepted: true}},
			},
		},
	})

	_, tErr := r.CheckCertificate(context.Background(), leafCert, nil, store, OcspURLResolver{}, ocspclient.CheckDescriptor{})
	require.NotNil(t, tErr)
	require.True(t, errors.Is(tErr, errors.QcStatementError))
}

func TestCheckCertificateBnaModeRejectsNonQesType(t *testing.T) {
	clk := fakeClockAt(time.Now())
	r := NewRefresher(nil, nil, passValidator{}, nil, clk)

	caKey, caX509, caDER := genRootCA(t, "CA")
	caCert, err := certinfo.ParseDer(caDER, nil)
	require.NoError(t, err)

	leafCert, _ := genLeaf(t, "Leaf", caX509, caKey, policyOIDFor(certinfo.CChAut), []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, false)

	store := truststore.New(truststore.ModeBna, []truststore.TrustAnchor{{Cert: caCert}}, clk, 8)
	store.RefillFromSnapshot(truststore.Snapshot{
		DocumentID: "d", Sequence: 1, NextUpdate: clk.Now().Add(time.Hour),
		Services: map[certinfo.CertificateId]truststore.ServiceInformation{
			caCert.ID(): {
				IssuerCert:   caCert,
				SupplyPoints: []string{"https://ocsp/ca"},
				History:      truststore.AcceptanceHistory{{Time: clk.Now().Add(-time.Hour), Accepted: true}},
			},
		},
	})

	_, tErr := r.CheckCertificate(context.Background(), leafCert, nil, store, OcspURLResolver{}, ocspclient.CheckDescriptor{})
	require.NotNil(t, tErr)
	require.True(t, errors.Is(tErr, errors.CertTypeMismatch))
}
