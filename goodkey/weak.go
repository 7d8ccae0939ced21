// Package goodkey rejects public keys known to be weak before they are
// ever accepted into a Certificate value: keys on the Debian-weak-keys
// style blocklist (factored/duplicated RSA moduli, identified by the
// trailing bytes of the SHA-1 digest of their modulus) and keys vulnerable to the Infineon
// ROCA flaw (CVE-2017-15361), common on German health-card smartcards.
package goodkey

import (
	"bufio"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/rocacheck"
)

// suffixLen is the number of trailing bytes of a modulus's SHA-1 digest used
// as the blocklist key, matching the teacher's weak-key suffix file format.
const suffixLen = 10

type weakKeys struct {
	suffixes map[[suffixLen]byte]struct{}
}

func (wk *weakKeys) addSuffix(hexSuffix string) error {
	if len(hexSuffix) != suffixLen*2 {
		return fmt.Errorf("goodkey: invalid suffix length %d", len(hexSuffix))
	}
	var buf [suffixLen]byte
	for i := range buf {
		var b byte
		_, err := fmt.Sscanf(hexSuffix[i*2:i*2+2], "%02x", &b)
		if err != nil {
			return fmt.Errorf("goodkey: invalid suffix %q: %w", hexSuffix, err)
		}
		buf[i] = b
	}
	wk.suffixes[buf] = struct{}{}
	return nil
}

// Known reports whether the last suffixLen bytes of the SHA-1 digest of
// modulus bytes b match a known-weak suffix.
func (wk *weakKeys) Known(b []byte) bool {
	sum := sha1.Sum(b)
	var tail [suffixLen]byte
	copy(tail[:], sum[len(sum)-suffixLen:])
	_, found := wk.suffixes[tail]
	return found
}

// loadSuffixes reads every file in dir, one hex suffix per line (lines
// starting with '#' are comments), into a weakKeys blocklist.
func loadSuffixes(dir string) (*weakKeys, error) {
	wk := &weakKeys{suffixes: make(map[[suffixLen]byte]struct{})}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if err := wk.addSuffix(line); err != nil {
				f.Close()
				return nil, err
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
	}
	return wk, nil
}

// Policy bundles the loaded weak-key blocklist and exposes the single
// entry point CertificateOps calls while parsing a certificate.
type Policy struct {
	blocklist *weakKeys
}

// NewPolicy loads a weak-key blocklist from dir. An empty dir yields a
// policy that only runs the ROCA check.
func NewPolicy(dir string) (*Policy, error) {
	if dir == "" {
		return &Policy{blocklist: &weakKeys{suffixes: map[[suffixLen]byte]struct{}{}}}, nil
	}
	wk, err := loadSuffixes(dir)
	if err != nil {
		return nil, err
	}
	return &Policy{blocklist: wk}, nil
}

// Check inspects pub and returns a non-nil error describing why the key is
// unacceptable, or nil if the key passes.
func (p *Policy) Check(pub interface{}) error {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if key.N == nil {
			return fmt.Errorf("goodkey: RSA key has nil modulus")
		}
		if p.blocklist != nil && p.blocklist.Known(key.N.Bytes()) {
			return fmt.Errorf("goodkey: RSA key is on the known-weak-modulus blocklist")
		}
		if rocacheck.IsWeak(key) {
			return fmt.Errorf("goodkey: RSA key is vulnerable to the ROCA weak-key flaw (CVE-2017-15361)")
		}
		return nil
	default:
		// Non-RSA keys (EC) are not subject to the blocklist or ROCA check.
		return nil
	}
}

// CheckCertificate is a convenience wrapper that extracts the public key
// from cert before calling Check.
func (p *Policy) CheckCertificate(cert *x509.Certificate) error {
	return p.Check(cert.PublicKey)
}
