// Package truststore implements TrustStore: the thread-safe, in-memory
// snapshot of accepted CAs and cached OCSP responses that backs every
// certificate verification decision. A TrustStore's snapshot state is
// covered by one non-re-entrant RWMutex and its OCSP response cache by a
// separate mutex — the refresh path (tslservice)
// never re-acquires it while held, so reentrancy is never required (see
// the teacher's DESIGN NOTES on replacing the source's re-entrant mutex).
package truststore

import (
	"encoding/asn1"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmhodges/clock"

	"github.com/gematik/erp-tsl-core/certinfo"
	"github.com/gematik/erp-tsl-core/errors"
)

// Mode distinguishes the Gematik TSL store from the BNetzA-VL store; both
// are TrustStore instances, kept mutually consistent by TslManager.
type Mode string

const (
	ModeTsl Mode = "TSL"
	ModeBna Mode = "BNA"
)

// AcceptanceEntry is one point in a CA's time-indexed acceptance history.
type AcceptanceEntry struct {
	Time     time.Time
	Accepted bool
}

// AcceptanceHistory is sorted ascending by Time and must never be empty for
// an entry that reached the trust store.
type AcceptanceHistory []AcceptanceEntry

// At evaluates the history for a certificate whose NotBefore is at. Per the
// spec: if the history has exactly one entry with value true, accept
// unconditionally; otherwise walk entries in reverse time order and return
// the first entry whose time is <= at. If at is nil, use the latest entry.
// Returns (accepted, found).
func (h AcceptanceHistory) At(at *time.Time) (bool, bool) {
	if len(h) == 0 {
		return false, false
	}
	if len(h) == 1 && h[0].Accepted {
		return true, true
	}
	if at == nil {
		return h[len(h)-1].Accepted, true
	}
	for i := len(h) - 1; i >= 0; i-- {
		if !h[i].Time.After(*at) {
			return h[i].Accepted, true
		}
	}
	return false, false
}

// sorted returns a copy of h sorted ascending by time.
func sorted(h AcceptanceHistory) AcceptanceHistory {
	cp := make(AcceptanceHistory, len(h))
	copy(cp, h)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Time.Before(cp[j].Time) })
	return cp
}

// ServiceInformation is one TSL entry: an issuing CA certificate plus the
// service-type identifier, supply points, acceptance history, and the set
// of certificate-type extension OIDs the CA is authorized to issue.
type ServiceInformation struct {
	IssuerCert    *certinfo.Certificate
	ServiceType   string // service-type identifier URI
	SupplyPoints  []string
	History       AcceptanceHistory
	ExtensionOIDs []asn1.ObjectIdentifier
}

// PrimaryOcspURL returns the first supply point, the primary OCSP URL for
// this CA, or "" if none is configured.
func (si ServiceInformation) PrimaryOcspURL() string {
	if len(si.SupplyPoints) == 0 {
		return ""
	}
	return si.SupplyPoints[0]
}

// BnaSideInfo is the BNetzA-specific side-channel data transported through
// the TSL document (update URLs, signer certs, and OCSP URL remapping are
// all carried inside the Gematik TSL on behalf of the BNA store).
type BnaSideInfo struct {
	SupplyPoints []string
	SignerCerts  []*certinfo.Certificate
	OcspMapping  map[string]string
}

// Snapshot is the full replaceable state of one TrustStore, produced
// wholesale by a successful parse+validate of a TSL/BNA document.
type Snapshot struct {
	DocumentID string
	Sequence   int64
	NextUpdate time.Time
	Hash       string
	UpdateURLs []string
	Bna        BnaSideInfo
	Services   map[certinfo.CertificateId]ServiceInformation
}

// CaInfo is what LookupCaCertificate returns for a matched issuer.
type CaInfo struct {
	Cert          *certinfo.Certificate
	AcceptedAt    bool
	ExtensionOIDs []asn1.ObjectIdentifier
	SupplyPoints  []string
}

// TrustAnchor is one configured self-signed root, optionally gated by a
// future activation time (a second anchor configured for a scheduled CA
// rollover).
type TrustAnchor struct {
	Cert         *certinfo.Certificate
	ActivatesAt  time.Time // zero value means "always active"
}

func (a TrustAnchor) active(now time.Time) bool {
	return a.ActivatesAt.IsZero() || !now.Before(a.ActivatesAt)
}

// OcspResponse is the normalized result of an OCSP check, cached by the
// subject certificate's SHA-256 fingerprint.
type OcspResponse struct {
	Status         OcspStatus
	RevocationTime time.Time
	GracePeriod    time.Duration
	ProducedAt     time.Time
	ReceivedAt     time.Time
	FromCache      bool
	Raw            []byte
}

// OcspStatus is the decoded RFC 6960 certificate status.
type OcspStatus int

const (
	OcspGood OcspStatus = iota
	OcspRevoked
	OcspUnknown
)

// TrustStore is a thread-safe, in-memory snapshot of one mode's (TSL or
// BNA) accepted CAs and OCSP response cache.
type TrustStore struct {
	mode Mode
	clk  clock.Clock

	mu      sync.RWMutex
	stored  bool
	snap    Snapshot
	anchors []TrustAnchor

	cacheMu sync.Mutex
	cache   *lru.Cache[string, OcspResponse]
}

// New constructs an empty TrustStore for the given mode. anchors is the
// configured set of trust-anchor root certificates (only meaningful for
// ModeTsl); cacheSize bounds the OCSP response cache's backing LRU.
func New(mode Mode, anchors []TrustAnchor, clk clock.Clock, cacheSize int) *TrustStore {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, _ := lru.New[string, OcspResponse](cacheSize)
	return &TrustStore{
		mode:    mode,
		clk:     clk,
		anchors: anchors,
		cache:   cache,
	}
}

// Mode returns TSL or BNA.
func (s *TrustStore) Mode() Mode { return s.mode }

// Stored reports whether the store has ever held a successfully parsed
// document (the spec's "hasTsl").
func (s *TrustStore) Stored() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stored
}

// RefillFromSnapshot replaces every field of the store's state in one
// critical section. A snapshot with a NextUpdate, as every parsed document
// has, marks the store as populated; a seed snapshot without one (such as
// one carrying only update URLs) leaves Stored unchanged.
func (s *TrustStore) RefillFromSnapshot(snap Snapshot) {
	services := make(map[certinfo.CertificateId]ServiceInformation, len(snap.Services))
	for id, svc := range snap.Services {
		svc.History = sorted(svc.History)
		services[id] = svc
	}
	snap.Services = services

	s.mu.Lock()
	s.snap = snap
	s.stored = s.stored || !snap.NextUpdate.IsZero()
	s.mu.Unlock()
}

// Ref identifies the currently installed snapshot for error correlation.
func (s *TrustStore) Ref() errors.StoreRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return errors.StoreRef{Mode: string(s.mode), ID: s.snap.DocumentID, Sequence: s.snap.Sequence}
}

// DocumentID, Sequence, Hash, NextUpdate, UpdateURLs, BnaSideInfo expose
// the installed snapshot's metadata to the refresh algorithm.
func (s *TrustStore) DocumentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.DocumentID
}
func (s *TrustStore) Sequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Sequence
}
func (s *TrustStore) Hash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Hash
}
func (s *TrustStore) NextUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.NextUpdate
}
func (s *TrustStore) UpdateURLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.snap.UpdateURLs))
	copy(out, s.snap.UpdateURLs)
	return out
}
func (s *TrustStore) BnaSideInfo() BnaSideInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Bna
}

// IsTslTooOld reports whether nextUpdate <= now.
func (s *TrustStore) IsTslTooOld() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.NextUpdate.IsZero() {
		return true
	}
	return !s.snap.NextUpdate.After(s.clk.Now())
}

// GetTslSignerCas returns the configured trust anchors that are active at
// the current time (respecting a future second-anchor activation time).
func (s *TrustStore) GetTslSignerCas() []*certinfo.Certificate {
	now := s.clk.Now()
	var out []*certinfo.Certificate
	for _, a := range s.anchors {
		if a.active(now) {
			out = append(out, a.Cert)
		}
	}
	return out
}

// LookupCaCertificate finds the service-information entry whose issuer
// matches cert's (issuer DN, AKI), and requires that entry's certificate's
// SKI equal cert's AKI.
func (s *TrustStore) LookupCaCertificate(cert *certinfo.Certificate) (*CaInfo, *errors.TslError) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id := certinfo.CertificateId{SubjectDN: cert.IssuerDN(), SKI: cert.AKI()}
	svc, ok := s.snap.Services[id]
	if !ok {
		// Distinguish unknown issuer DN from known DN with SKI mismatch.
		for candidateID, candidate := range s.snap.Services {
			if candidateID.SubjectDN == cert.IssuerDN() && candidate.IssuerCert.SKI() != cert.AKI() {
				return nil, errors.New(errors.AuthorityKeyIdDifferent,
					"issuer %q known but AuthorityKeyId %q does not match any entry's SKI", cert.IssuerDN(), cert.AKI())
			}
		}
		return nil, errors.New(errors.CaCertMissing, "no CA entry for issuer %q", cert.IssuerDN())
	}
	if svc.IssuerCert.SKI() != cert.AKI() {
		return nil, errors.New(errors.AuthorityKeyIdDifferent,
			"CA entry SKI %q does not match certificate AuthorityKeyId %q", svc.IssuerCert.SKI(), cert.AKI())
	}

	nb := cert.NotBefore()
	accepted, found := svc.History.At(&nb)
	if !found {
		accepted = false
	}
	return &CaInfo{Cert: svc.IssuerCert, AcceptedAt: accepted, ExtensionOIDs: svc.ExtensionOIDs, SupplyPoints: svc.SupplyPoints}, nil
}

// HasCaCertificateWithSubject reports whether any service-information
// entry's issuer has the given subject DN.
func (s *TrustStore) HasCaCertificateWithSubject(dn string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.snap.Services {
		if id.SubjectDN == dn {
			return true
		}
	}
	return false
}

// IsCertificateInTsl reports whether cert itself (by fingerprint) appears
// as an issuer certificate in the service-information map.
func (s *TrustStore) IsCertificateInTsl(cert *certinfo.Certificate) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, svc := range s.snap.Services {
		if svc.IssuerCert.Equal(cert) {
			return true
		}
	}
	return false
}

// CertificateHasTypeIdentifier reports whether the CA entry whose issuer
// matches cert's issuer authorizes the given certificate-type extension
// OID.
func (s *TrustStore) CertificateHasTypeIdentifier(cert *certinfo.Certificate, oid asn1.ObjectIdentifier) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := certinfo.CertificateId{SubjectDN: cert.IssuerDN(), SKI: cert.AKI()}
	svc, ok := s.snap.Services[id]
	if !ok {
		return false
	}
	for _, want := range svc.ExtensionOIDs {
		if want.Equal(oid) {
			return true
		}
	}
	return false
}

// IsOcspResponderInTsl reports whether cert is listed anywhere as an OCSP
// responder certificate (modeled here as appearing as an issuer entry,
// since Gematik responder certs are themselves published as TSL issuer
// entries).
func (s *TrustStore) IsOcspResponderInTsl(cert *certinfo.Certificate) bool {
	return s.IsCertificateInTsl(cert)
}

// GetTrustedCertificates returns the subset of CA certificates acceptable
// at referenceCert's NotBefore (or now, if referenceCert is nil).
func (s *TrustStore) GetTrustedCertificates(referenceCert *certinfo.Certificate) []*certinfo.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var at *time.Time
	if referenceCert != nil {
		nb := referenceCert.NotBefore()
		at = &nb
	}
	var out []*certinfo.Certificate
	for _, svc := range s.snap.Services {
		if accepted, found := svc.History.At(at); found && accepted {
			out = append(out, svc.IssuerCert)
		}
	}
	return out
}

// DistrustCertificates clears the service-information map and BNA
// side-info, used when recovery from a stale/failed refresh fails.
func (s *TrustStore) DistrustCertificates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Services = map[certinfo.CertificateId]ServiceInformation{}
	s.snap.Bna = BnaSideInfo{}
}

// --- OCSP response cache ---

// graceExpired reports whether resp's age exceeds its own grace period as
// of now.
func graceExpired(resp OcspResponse, now time.Time) bool {
	return now.Sub(resp.ProducedAt) >= resp.GracePeriod
}

// PutOcsp caches resp under fingerprint (the leaf's SHA-256 DER digest),
// evicting any entries (including this one, if stale) whose grace period
// has elapsed.
func (s *TrustStore) PutOcsp(fingerprint string, resp OcspResponse) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.evictExpiredLocked()
	if graceExpired(resp, s.clk.Now()) {
		return
	}
	s.cache.Add(fingerprint, resp)
}

// GetOcsp returns the cached response for fingerprint, if any and still
// within its grace period; expired entries are evicted as a side effect.
func (s *TrustStore) GetOcsp(fingerprint string) (OcspResponse, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.evictExpiredLocked()
	resp, ok := s.cache.Get(fingerprint)
	if !ok {
		return OcspResponse{}, false
	}
	return resp, true
}

// EvictOcsp removes any cached entry for fingerprint (used when a
// verification pipeline step fails after an OCSP entry was already
// populated for this leaf).
func (s *TrustStore) EvictOcsp(fingerprint string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache.Remove(fingerprint)
}

func (s *TrustStore) evictExpiredLocked() {
	now := s.clk.Now()
	for _, key := range s.cache.Keys() {
		resp, ok := s.cache.Peek(key)
		if ok && graceExpired(resp, now) {
			s.cache.Remove(key)
		}
	}
}

// HealthData is an observability snapshot, derived on demand and never
// stored.
type HealthData struct {
	HasTsl     bool
	Outdated   bool
	Hash       string
	NextUpdate time.Time
	ID         string
	Sequence   int64
}

// Health returns the current HealthData snapshot.
func (s *TrustStore) Health() HealthData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return HealthData{
		HasTsl:     s.stored,
		Outdated:   s.stored && !s.snap.NextUpdate.After(s.clk.Now()),
		Hash:       s.snap.Hash,
		NextUpdate: s.snap.NextUpdate,
		ID:         s.snap.DocumentID,
		Sequence:   s.snap.Sequence,
	}
}
