// Package tslmanager implements TslManager: the façade that owns both the
// TSL and BNA trust stores, serializes their refreshes behind the single
// process-global lock spec.md §5 requires, fans out post-update
// notifications, and exposes the verification surface callers actually use
// (verifyCertificate, getCertificateOcspResponse, getTrustedCertificateStore,
// healthCheck). Grounded on the teacher's cmd/shell.go bootstrap shape
// (config loaded once at construction, a small set of collaborators wired
// together and handed to long-lived components) generalized to a two-store
// façade instead of a single AMQP-RPC service.
package tslmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/gematik/erp-tsl-core/certinfo"
	"github.com/gematik/erp-tsl-core/errors"
	"github.com/gematik/erp-tsl-core/log"
	"github.com/gematik/erp-tsl-core/ocspclient"
	"github.com/gematik/erp-tsl-core/truststore"
	"github.com/gematik/erp-tsl-core/tslservice"
)

// PostUpdateHook is notified after every successful TSL refresh. Hooks are
// run synchronously, in insertion order, from a copy of the hook list taken
// under the manager's hook-list mutex; the mutex is not held while they
// run. A hook that panics is recovered, logged and otherwise ignored
// (spec.md §4.6: "hook exceptions are logged but never propagate").
type PostUpdateHook func()

// HookID identifies a registered hook for later removal. Ids are never
// reused within a TslManager's lifetime, even after disablement, so a
// caller's saved id always either names its own hook or a no-op.
type HookID int

// HealthData reports the health of both trust stores.
type HealthData struct {
	Tsl truststore.HealthData
	Bna truststore.HealthData
}

// TslManager is the façade described by spec.md §4.6. It owns the TSL and
// BNA TrustStore instances and the Refresher that knows how to fill them.
type TslManager struct {
	tsl *truststore.TrustStore
	bna *truststore.TrustStore

	refresher *tslservice.Refresher
	resolver  tslservice.OcspURLResolver

	logger log.Logger

	hookMu sync.Mutex
	hooks  []PostUpdateHook // nil entries are disabled but keep their slot
}

// New constructs a TslManager and performs the construct-time initial
// download described by spec.md §4.6: refresh the TSL store, propagate its
// carried BNA update URLs and expected signer certificates to the BNA
// store, refresh the BNA store, then copy the BNA OCSP-URL remapping back
// into the resolver used for QES OCSP lookups. If either store is still
// empty after this sequence, construction fails.
func New(
	ctx context.Context,
	tsl, bna *truststore.TrustStore,
	refresher *tslservice.Refresher,
	tiProxyURL string,
	logger log.Logger,
) (*TslManager, error) {
	m := &TslManager{
		tsl:       tsl,
		bna:       bna,
		refresher: refresher,
		resolver:  tslservice.OcspURLResolver{TiProxyURL: tiProxyURL},
		logger:    logger,
	}

	if err := m.internalUpdate(ctx, false); err != nil {
		return nil, fmt.Errorf("initial trust store bootstrap failed: %w", err)
	}
	if !tsl.Stored() {
		return nil, fmt.Errorf("TSL store is still empty after initial bootstrap")
	}
	if !bna.Stored() {
		return nil, fmt.Errorf("BNA store is still empty after initial bootstrap")
	}
	return m, nil
}

// internalUpdate refreshes the TSL store, then propagates its carried BNA
// side-channel data (update URLs, expected signer certs, OCSP-URL mapping)
// into a BNA refresh. onlyIfOutdated controls whether either refresh takes
// the fast no-op path when the store it targets is already fresh.
func (m *TslManager) internalUpdate(ctx context.Context, onlyIfOutdated bool) error {
	tslResult, tErr := m.refresher.TriggerTslUpdateIfNecessary(ctx, m.tsl, onlyIfOutdated, nil)
	if tErr != nil {
		m.logger.AuditErr(tErr)
		return tErr
	}

	bnaInfo := m.tsl.BnaSideInfo()
	bnaSnap := truststore.Snapshot{
		UpdateURLs: bnaInfo.SupplyPoints,
	}
	m.bna.RefillFromSnapshot(bnaSnap)

	bnaResult, bErr := m.refresher.TriggerTslUpdateIfNecessary(ctx, m.bna, onlyIfOutdated, bnaInfo.SignerCerts)
	if bErr != nil {
		m.logger.AuditErr(bErr)
		return bErr
	}

	m.hookMu.Lock()
	m.resolver.BnaMapping = bnaInfo.OcspMapping
	m.hookMu.Unlock()

	if tslResult == tslservice.Updated {
		m.notifyPostUpdateHooks()
	}
	_ = bnaResult
	return nil
}

// VerifyCertificate implements spec.md §4.6 verifyCertificate: refresh the
// target store if it is outdated, then delegate to the certificate
// verification pipeline.
func (m *TslManager) VerifyCertificate(
	ctx context.Context,
	mode truststore.Mode,
	cert *certinfo.Certificate,
	typeRestrictions []certinfo.CertType,
	desc ocspclient.CheckDescriptor,
) (truststore.OcspResponse, *errors.TslError) {
	store := m.storeFor(mode)
	if _, err := m.internalUpdateForStore(ctx, store); err != nil {
		return truststore.OcspResponse{}, err
	}
	return m.refresher.CheckCertificate(ctx, cert, typeRestrictions, store, m.resolverSnapshot(), desc)
}

// GetCertificateOcspResponse is an alias for VerifyCertificate: spec.md §4.6
// lists it separately, but it is the same operation under a different name
// for callers that only want the OCSP response and not a boolean verdict.
func (m *TslManager) GetCertificateOcspResponse(
	ctx context.Context,
	mode truststore.Mode,
	cert *certinfo.Certificate,
	typeRestrictions []certinfo.CertType,
	desc ocspclient.CheckDescriptor,
) (truststore.OcspResponse, *errors.TslError) {
	return m.VerifyCertificate(ctx, mode, cert, typeRestrictions, desc)
}

// GetTrustedCertificateStore returns the requested mode's TrustStore after
// ensuring it is not stale.
func (m *TslManager) GetTrustedCertificateStore(ctx context.Context, mode truststore.Mode) (*truststore.TrustStore, error) {
	store := m.storeFor(mode)
	if _, err := m.internalUpdateForStore(ctx, store); err != nil {
		return nil, err
	}
	return store, nil
}

func (m *TslManager) storeFor(mode truststore.Mode) *truststore.TrustStore {
	if mode == truststore.ModeBna {
		return m.bna
	}
	return m.tsl
}

// internalUpdateForStore runs the same construct-time cascade as New, but
// with onlyIfOutdated=true so a fresh store is a cheap no-op.
func (m *TslManager) internalUpdateForStore(ctx context.Context, store *truststore.TrustStore) (tslservice.TriggerResult, *errors.TslError) {
	if store == m.bna {
		// A BNA-only verification still needs the BNA store current, which
		// in turn needs the TSL store's side-channel data current.
		if err := m.internalUpdate(ctx, true); err != nil {
			if tErr, ok := err.(*errors.TslError); ok {
				return tslservice.NotUpdated, tErr
			}
			return tslservice.NotUpdated, errors.Wrap(errors.UnknownError, err, "refreshing BNA store")
		}
		return tslservice.NotUpdated, nil
	}
	if err := m.internalUpdate(ctx, true); err != nil {
		if tErr, ok := err.(*errors.TslError); ok {
			return tslservice.NotUpdated, tErr
		}
		return tslservice.NotUpdated, errors.Wrap(errors.UnknownError, err, "refreshing TSL store")
	}
	return tslservice.Updated, nil
}

// resolverSnapshot returns a copy of the OCSP URL resolver's current
// configuration, safe to hand to a concurrent verification call.
func (m *TslManager) resolverSnapshot() tslservice.OcspURLResolver {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	return m.resolver
}

// UpdateTrustStoresOnDemand forces a refresh of both stores irrespective of
// freshness (spec.md §4.6).
func (m *TslManager) UpdateTrustStoresOnDemand(ctx context.Context) error {
	return m.internalUpdate(ctx, false)
}

// AddPostUpdateHook registers fn to run after every successful TSL refresh
// and returns a stable id for later disablement.
func (m *TslManager) AddPostUpdateHook(fn PostUpdateHook) HookID {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks = append(m.hooks, fn)
	return HookID(len(m.hooks) - 1)
}

// DisablePostUpdateHook nulls out the hook at id, leaving its slot in place
// so that every other registered id remains stable.
func (m *TslManager) DisablePostUpdateHook(id HookID) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	if int(id) < 0 || int(id) >= len(m.hooks) {
		return
	}
	m.hooks[id] = nil
}

// notifyPostUpdateHooks runs every still-enabled hook, in insertion order,
// from a copy of the hook list taken under the hook-list mutex, which is
// released before the first hook runs. A hook panic is recovered and logged rather
// than allowed to propagate and take down the refresh caller.
func (m *TslManager) notifyPostUpdateHooks() {
	m.hookMu.Lock()
	hooks := make([]PostUpdateHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.hookMu.Unlock()

	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		m.runHookSafely(hook)
	}
}

func (m *TslManager) runHookSafely(hook PostUpdateHook) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.AuditErr(fmt.Errorf("post-update hook panicked: %v", r))
		}
	}()
	hook()
}

// HealthCheck returns an observability snapshot of both trust stores,
// suitable for exposure over the gRPC health service (see health.go).
func (m *TslManager) HealthCheck() HealthData {
	return HealthData{
		Tsl: m.tsl.Health(),
		Bna: m.bna.Health(),
	}
}
