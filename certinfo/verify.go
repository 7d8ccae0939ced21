package certinfo

import (
	"crypto/x509"
	"time"

	"github.com/gematik/erp-tsl-core/errors"
)

// VerifySignedBy performs a bare mathematical signature check: does issuer's
// public key verify leaf's signature? It does not walk a chain, check
// validity periods, or consult any trust store.
func VerifySignedBy(leaf, issuer *Certificate) bool {
	return leaf.cert.CheckSignatureFrom(issuer.cert) == nil
}

// BuildChain builds a verified chain from leaf up to (and including) one
// member of trusted, using Go's partial-chain x509 verifier. The returned
// chain always contains at least one element on success. verifyTime is the
// point in time validity periods are checked against — the spec requires
// the leaf's NotBefore for BNA-mode verification (to accept historically
// valid QES certs) and "now" otherwise; callers select which to pass.
func BuildChain(leaf *Certificate, trusted []*Certificate, verifyTime time.Time) ([]*Certificate, *errors.TslError) {
	roots := x509.NewCertPool()
	bySubjectDER := map[string]*Certificate{}
	for _, t := range trusted {
		roots.AddCert(t.cert)
		bySubjectDER[string(t.der)] = t
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		CurrentTime:   verifyTime,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		Intermediates: x509.NewCertPool(),
	}

	chains, err := leaf.cert.Verify(opts)
	if err != nil {
		return nil, errors.Wrap(errors.CertificateNotValidMath, err, "building certificate chain")
	}
	if len(chains) == 0 || len(chains[0]) == 0 {
		return nil, errors.New(errors.CertificateNotValidMath, "verified chain is empty")
	}

	out := make([]*Certificate, 0, len(chains[0]))
	for _, c := range chains[0] {
		if c.Equal(leaf.cert) {
			out = append(out, leaf)
			continue
		}
		if known, ok := bySubjectDER[string(c.Raw)]; ok {
			out = append(out, known)
			continue
		}
		out = append(out, &Certificate{der: c.Raw, cert: c})
	}
	return out, nil
}
