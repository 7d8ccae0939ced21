package truststore

import (
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"

	"github.com/gematik/erp-tsl-core/certinfo"
)

func TestAcceptanceHistorySingleTrueShortcut(t *testing.T) {
	h := AcceptanceHistory{{Time: time.Unix(100, 0), Accepted: true}}
	accepted, found := h.At(nil)
	require.True(t, found)
	require.True(t, accepted)
}

func TestAcceptanceHistoryReverseWalk(t *testing.T) {
	h := AcceptanceHistory{
		{Time: time.Unix(100, 0), Accepted: true},
		{Time: time.Unix(200, 0), Accepted: false},
		{Time: time.Unix(300, 0), Accepted: true},
	}
	at := time.Unix(250, 0)
	accepted, found := h.At(&at)
	require.True(t, found)
	require.False(t, accepted)

	at = time.Unix(50, 0)
	_, found = h.At(&at)
	require.False(t, found)
}

func TestIsTslTooOld(t *testing.T) {
	clk := clock.NewFake()
	clk.Set(time.Unix(1000, 0))
	store := New(ModeTsl, nil, clk, 16)
	require.True(t, store.IsTslTooOld(), "store with no snapshot is always too old")

	store.RefillFromSnapshot(Snapshot{NextUpdate: time.Unix(2000, 0)})
	require.False(t, store.IsTslTooOld())

	clk.Set(time.Unix(2001, 0))
	require.True(t, store.IsTslTooOld())
}

func TestOcspCacheGracePeriodEviction(t *testing.T) {
	clk := clock.NewFake()
	clk.Set(time.Unix(0, 0))
	store := New(ModeTsl, nil, clk, 16)

	store.PutOcsp("fp1", OcspResponse{
		Status:      OcspGood,
		ProducedAt:  clk.Now(),
		GracePeriod: 10 * time.Second,
	})
	_, ok := store.GetOcsp("fp1")
	require.True(t, ok)

	clk.Add(11 * time.Second)
	_, ok = store.GetOcsp("fp1")
	require.False(t, ok, "entry should be evicted once its grace period elapses")
}

func TestHasCaCertificateWithSubject(t *testing.T) {
	clk := clock.NewFake()
	store := New(ModeTsl, nil, clk, 16)

	issuerID := certinfo.CertificateId{SubjectDN: "CN=Root CA", SKI: "aa"}
	store.RefillFromSnapshot(Snapshot{
		Services: map[certinfo.CertificateId]ServiceInformation{
			issuerID: {History: AcceptanceHistory{{Time: time.Unix(0, 0), Accepted: true}}},
		},
	})
	require.True(t, store.HasCaCertificateWithSubject("CN=Root CA"))
	require.False(t, store.HasCaCertificateWithSubject("CN=Other"))
}

func TestDistrustCertificatesClearsServices(t *testing.T) {
	clk := clock.NewFake()
	store := New(ModeTsl, nil, clk, 16)
	id := certinfo.CertificateId{SubjectDN: "CN=X", SKI: "bb"}
	store.RefillFromSnapshot(Snapshot{
		Services: map[certinfo.CertificateId]ServiceInformation{
			id: {History: AcceptanceHistory{{Time: time.Unix(0, 0), Accepted: true}}},
		},
	})
	require.True(t, store.HasCaCertificateWithSubject("CN=X"))
	store.DistrustCertificates()
	require.False(t, store.HasCaCertificateWithSubject("CN=X"))
}

func TestHealthReflectsOutdated(t *testing.T) {
	clk := clock.NewFake()
	clk.Set(time.Unix(100, 0))
	store := New(ModeBna, nil, clk, 16)
	store.RefillFromSnapshot(Snapshot{DocumentID: "doc-1", Sequence: 3, NextUpdate: time.Unix(50, 0)})
	h := store.Health()
	require.True(t, h.HasTsl)
	require.True(t, h.Outdated)
	require.Equal(t, "doc-1", h.ID)
	require.Equal(t, int64(3), h.Sequence)
}

func TestGetTslSignerCasRespectsActivation(t *testing.T) {
	clk := clock.NewFake()
	clk.Set(time.Unix(100, 0))
	future := TrustAnchor{Cert: nil, ActivatesAt: time.Unix(200, 0)}
	current := TrustAnchor{Cert: nil, ActivatesAt: time.Time{}}
	store := New(ModeTsl, []TrustAnchor{current, future}, clk, 16)
	require.Len(t, store.GetTslSignerCas(), 1)

	clk.Set(time.Unix(200, 0))
	require.Len(t, store.GetTslSignerCas(), 2)
}
