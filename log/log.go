// Package log provides the audit logger shared by every component in this
// module. It wraps log/slog and fans records out to multiple sinks via
// slog-multi, and exposes the small, named-method interface
// (Audit/AuditErr/Warning/Notice/Info) that the rest of the tree expects —
// the same shape the teacher's blog.Logger exposes to cmd/shell.go, so the
// grpc adapter below reads the same way the teacher's does.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"

	"github.com/gematik/erp-tsl-core/errors"
)

// Logger is the audit-logging surface every component depends on.
type Logger interface {
	Audit(msg string)
	AuditErr(err error)
	Warning(msg string)
	Notice(msg string)
	Info(msg string)
	With(fields ...any) Logger
}

type logger struct {
	base *slog.Logger
}

// New builds a Logger that writes structured records to every handler in
// sinks. With no sinks, it writes JSON to stderr only.
func New(sinks ...slog.Handler) Logger {
	if len(sinks) == 0 {
		sinks = []slog.Handler{slog.NewJSONHandler(os.Stderr, nil)}
	}
	fanout := slogmulti.Fanout(sinks...)
	return &logger{base: slog.New(fanout)}
}

func (l *logger) Audit(msg string) {
	l.base.LogAttrs(context.Background(), slog.LevelInfo, msg, slog.Bool("audit", true))
}

func (l *logger) AuditErr(err error) {
	attrs := []slog.Attr{slog.Bool("audit", true), slog.String("error", err.Error())}
	if tErr, ok := err.(*errors.TslError); ok {
		attrs = append(attrs,
			slog.String("kind", tErr.Kind.String()),
			slog.String("tsl_mode", tErr.Store.Mode),
			slog.String("store_id", tErr.Store.ID),
			slog.Int64("store_sequence", tErr.Store.Sequence),
		)
	}
	l.base.LogAttrs(context.Background(), slog.LevelError, err.Error(), attrs...)
}

func (l *logger) Warning(msg string) {
	l.base.Warn(msg)
}

func (l *logger) Notice(msg string) {
	l.base.Info(msg)
}

func (l *logger) Info(msg string) {
	l.base.Info(msg)
}

func (l *logger) With(fields ...any) Logger {
	return &logger{base: l.base.With(fields...)}
}

// grpcLogger adapts Logger to the handful of methods grpclog.LoggerV2
// expects, the way the teacher's cmd/shell.go grpcLogger does for Boulder's
// custom logger.
type grpcLogger struct {
	Logger
}

// NewGrpcLogger adapts l for use with grpclog.SetLoggerV2.
func NewGrpcLogger(l Logger) *grpcLogger {
	return &grpcLogger{Logger: l}
}

func (g grpcLogger) Info(args ...interface{})                    { g.Logger.Info(fmt.Sprint(args...)) }
func (g grpcLogger) Infoln(args ...interface{})                  { g.Logger.Info(fmt.Sprint(args...)) }
func (g grpcLogger) Infof(format string, args ...interface{})    { g.Logger.Info(fmt.Sprintf(format, args...)) }
func (g grpcLogger) Warning(args ...interface{})                 { g.Logger.Warning(fmt.Sprint(args...)) }
func (g grpcLogger) Warningln(args ...interface{})               { g.Logger.Warning(fmt.Sprint(args...)) }
func (g grpcLogger) Warningf(format string, args ...interface{}) { g.Logger.Warning(fmt.Sprintf(format, args...)) }
func (g grpcLogger) Error(args ...interface{})                   { g.Logger.AuditErr(fmt.Errorf(fmt.Sprint(args...))) }
func (g grpcLogger) Errorln(args ...interface{})                 { g.Logger.AuditErr(fmt.Errorf(fmt.Sprint(args...))) }
func (g grpcLogger) Errorf(format string, args ...interface{})   { g.Logger.AuditErr(fmt.Errorf(format, args...)) }
func (g grpcLogger) Fatal(args ...interface{})                   { g.Error(args...); os.Exit(1) }
func (g grpcLogger) Fatalln(args ...interface{})                 { g.Error(args...); os.Exit(1) }
func (g grpcLogger) Fatalf(format string, args ...interface{})   { g.Errorf(format, args...); os.Exit(1) }
func (g grpcLogger) V(level int) bool                            { return true }
