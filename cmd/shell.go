// Package cmd provides the small set of process-bootstrap utilities every
// command under cmd/ shares: structured-logging/metrics setup, a debug
// HTTP server exposing /metrics, signal handling, and a version string.
// Adapted from the teacher's cmd/shell.go, which documents the same
// "small command files, shared bootstrap plumbing" idiom; the AMQP
// RPC-app-shell machinery that file built on top of that plumbing belongs
// to Boulder's ACME-CA domain and has no TSL-engine analog, so only the
// plumbing itself survives here.
package cmd

import (
	"expvar"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/grpclog"

	"github.com/gematik/erp-tsl-core/log"
	"github.com/gematik/erp-tsl-core/metrics"
)

func init() {
	for _, v := range os.Args {
		if v == "--version" || v == "-version" {
			fmt.Println(VersionString())
			os.Exit(0)
		}
	}
}

// StatsAndLogging constructs a metrics.Scope and a log.Logger, wires the
// logger into gRPC's global logger (grpclog.SetLoggerV2 does not lock, so
// this must run before any gRPC code is touched), and returns both.
func StatsAndLogging() (metrics.Scope, log.Logger) {
	scope := metrics.NewPromScope(prometheus.DefaultRegisterer)
	logger := log.New()
	grpclog.SetLoggerV2(log.NewGrpcLogger(logger))
	return scope, logger
}

// FailOnError logs and exits the process if err is non-nil, the same
// fail-fast contract the teacher's cmd.FailOnError has for every
// unrecoverable construction-time error.
func FailOnError(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
		os.Exit(1)
	}
}

// ProfileCmd runs forever, publishing Go runtime statistics to scope,
// unchanged from the teacher's cmd.ProfileCmd save for the metrics.Scope
// type it closes over (this module's Scope, not Boulder's).
func ProfileCmd(scope metrics.Scope) {
	scope = scope.NewScope("Gostats")
	var memoryStats runtime.MemStats
	prevNumGC := int64(0)
	tick := time.Tick(time.Second)
	for range tick {
		runtime.ReadMemStats(&memoryStats)

		scope.Gauge("Goroutines", int64(runtime.NumGoroutine()))
		scope.Gauge("Heap.Alloc", int64(memoryStats.HeapAlloc))
		scope.Gauge("Heap.Objects", int64(memoryStats.HeapObjects))
		scope.Gauge("Heap.Idle", int64(memoryStats.HeapIdle))
		scope.Gauge("Heap.InUse", int64(memoryStats.HeapInuse))
		scope.Gauge("Heap.Released", int64(memoryStats.HeapReleased))

		if memoryStats.NumGC > 0 {
			totalRecentGC := uint64(0)
			realBufSize := uint32(256)
			if memoryStats.NumGC < 256 {
				realBufSize = memoryStats.NumGC
			}
			for _, pause := range memoryStats.PauseNs {
				totalRecentGC += pause
			}
			gcPauseAvg := totalRecentGC / uint64(realBufSize)
			lastGC := memoryStats.PauseNs[(memoryStats.NumGC+255)%256]
			scope.Timing("Gc.PauseAvg", time.Duration(gcPauseAvg))
			scope.Gauge("Gc.LastPause", int64(lastGC))
		}
		scope.Gauge("Gc.NextAt", int64(memoryStats.NextGC))
		scope.Gauge("Gc.Count", int64(memoryStats.NumGC))
		gcInc := int64(memoryStats.NumGC) - prevNumGC
		scope.Inc("Gc.Rate", gcInc)
		prevNumGC += gcInc
	}
}

// DebugServer starts a plain HTTP server exposing Prometheus metrics at
// /metrics, typically started with `go cmd.DebugServer(addr)`.
func DebugServer(addr string) {
	if addr == "" {
		fmt.Fprintln(os.Stderr, "unable to boot debug server: no address configured")
		os.Exit(1)
	}
	ln, err := net.Listen("tcp", addr)
	FailOnError(err, fmt.Sprintf("unable to boot debug server on %q", addr))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	FailOnError(http.Serve(ln, mux), "debug server exited")
}

// VersionString produces a friendly application version string.
func VersionString() string {
	name := path.Base(os.Args[0])
	return fmt.Sprintf("%s Golang=(%s)", name, runtime.Version())
}

var signalToName = map[os.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGHUP:  "SIGHUP",
}

// CatchSignals blocks until SIGTERM, SIGINT, or SIGHUP is received, runs
// callback, logs, and exits the process — unchanged from the teacher's
// cmd.CatchSignals save for the logger type.
func CatchSignals(logger log.Logger, callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	sig := <-sigChan
	logger.Info(fmt.Sprintf("caught %s", signalToName[sig]))

	if callback != nil {
		callback()
	}

	logger.Info("exiting")
	os.Exit(0)
}
