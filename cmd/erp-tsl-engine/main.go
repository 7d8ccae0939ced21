// Command erp-tsl-engine is the process entry point: it loads
// configuration, builds the TSL and BNetzA-VL trust stores and their
// refresh collaborators, bootstraps a TslManager, starts the IDP signer
// certificate updater, and serves a gRPC health-checking endpoint plus a
// /metrics debug server — grounded on the teacher's cmd/ocsp-updater/main.go
// and cmd/boulder-wfe2/main.go bootstrap shape (StatsAndLogging, a single
// config struct, `go cmd.DebugServer(...)`, cmd.CatchSignals).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"google.golang.org/grpc"

	"github.com/gematik/erp-tsl-core/certinfo"
	"github.com/gematik/erp-tsl-core/cmd"
	"github.com/gematik/erp-tsl-core/goodkey"
	"github.com/gematik/erp-tsl-core/idpupdater"
	"github.com/gematik/erp-tsl-core/tslconfig"
	"github.com/gematik/erp-tsl-core/tslmanager"
	"github.com/gematik/erp-tsl-core/tslservice"
	"github.com/gematik/erp-tsl-core/tslxml"
	"github.com/gematik/erp-tsl-core/transport"
	"github.com/gematik/erp-tsl-core/truststore"
)

const ocspCacheSize = 4096

func main() {
	configPath := flag.String("config", os.Getenv("TSL_ENGINE_CONFIG"), "path to the engine's JSON configuration file")
	flag.Parse()
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "erp-tsl-engine: -config or TSL_ENGINE_CONFIG must name a configuration file")
		os.Exit(1)
	}

	scope, baseLogger := cmd.StatsAndLogging()
	logger := baseLogger.With("instance", uuid.NewString())
	logger.Info("starting " + cmd.VersionString())

	cfg, err := tslconfig.Load(*configPath)
	cmd.FailOnError(err, "loading configuration")

	clk := clock.New()

	keyPolicy, err := goodkey.NewPolicy(cfg.GoodkeyBlocklistDir)
	cmd.FailOnError(err, "building weak-key policy")

	anchors, err := loadTrustAnchors(*cfg, keyPolicy)
	cmd.FailOnError(err, "loading TSL trust anchors")

	httpClient, err := transport.New(cfg.HttpClientConnectTimeout(), string(cfg.TslDownloadCiphers))
	cmd.FailOnError(err, "building HTTP transport")

	refresher := tslservice.NewRefresher(httpClient, httpClient, tslxml.WellFormednessValidator{}, keyPolicy, clk)

	tslStore := truststore.New(truststore.ModeTsl, anchors, clk, ocspCacheSize)
	tslStore.RefillFromSnapshot(truststore.Snapshot{UpdateURLs: []string{cfg.TslInitialDownloadUrl}})
	bnaStore := truststore.New(truststore.ModeBna, nil, clk, ocspCacheSize)

	ctx := context.Background()
	manager, err := tslmanager.New(ctx, tslStore, bnaStore, refresher, cfg.TslTiOcspProxyUrl, logger)
	cmd.FailOnError(err, "bootstrapping trust stores")

	idpCfg := idpupdater.Config{
		WellKnownURL:               cfg.IdpUpdateEndpoint,
		CertificateMaxAge:          cfg.IdpCertificateMaxAge(),
		UpdateInterval:             cfg.IdpUpdateInterval(),
		NoValidCertificateInterval: cfg.IdpNoValidCertificateUpdateInterval(),
		OcspGracePeriod:            time.Hour,
	}
	updater, err := idpupdater.New(idpCfg, httpClient, manager, keyPolicy, clk, logger)
	cmd.FailOnError(err, "constructing IDP certificate updater")
	manager.AddPostUpdateHook(updater.RegisterHookFn(ctx))
	updater.Start(ctx)

	lis, err := net.Listen("tcp", cfg.GrpcListenAddress)
	cmd.FailOnError(err, fmt.Sprintf("binding gRPC listener on %s", cfg.GrpcListenAddress))
	grpcServer := grpc.NewServer()
	tslmanager.RegisterGrpcHealthServer(grpcServer, tslmanager.NewGrpcHealthServer(manager))
	go func() {
		cmd.FailOnError(grpcServer.Serve(lis), "gRPC server exited")
	}()

	go cmd.DebugServer(cfg.DebugListenAddress)
	go cmd.ProfileCmd(scope)

	cmd.CatchSignals(logger, func() {
		updater.Stop()
		grpcServer.GracefulStop()
	})
}

// loadTrustAnchors reads the configured CA DER file(s) into TrustAnchor
// values. A second anchor is added when TSL_INITIAL_CA_DER_PATH_NEW is
// configured, active from TSL_INITIAL_CA_DER_PATH_NEW_START when that is
// set and immediately otherwise — the scheduled
// CA rollover truststore.TrustAnchor.ActivatesAt exists to model.
func loadTrustAnchors(cfg tslconfig.Config, keyPolicy *goodkey.Policy) ([]truststore.TrustAnchor, error) {
	primary, err := readAnchorCert(cfg.TslInitialCaDerPath, keyPolicy)
	if err != nil {
		return nil, err
	}
	anchors := []truststore.TrustAnchor{{Cert: primary}}

	if cfg.TslInitialCaDerPathNew == "" {
		return anchors, nil
	}
	var activatesAt time.Time
	if cfg.TslInitialCaDerPathNewStart != "" {
		activatesAt, err = time.Parse(time.RFC3339, cfg.TslInitialCaDerPathNewStart)
		if err != nil {
			return nil, fmt.Errorf("parsing TSL_INITIAL_CA_DER_PATH_NEW_START: %w", err)
		}
	}
	rollover, err := readAnchorCert(cfg.TslInitialCaDerPathNew, keyPolicy)
	if err != nil {
		return nil, err
	}
	return append(anchors, truststore.TrustAnchor{Cert: rollover, ActivatesAt: activatesAt}), nil
}

func readAnchorCert(path string, keyPolicy *goodkey.Policy) (*certinfo.Certificate, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trust anchor %s: %w", path, err)
	}
	cert, err := certinfo.ParseDer(der, keyPolicy)
	if err != nil {
		return nil, fmt.Errorf("parsing trust anchor %s: %w", path, err)
	}
	return cert, nil
}
