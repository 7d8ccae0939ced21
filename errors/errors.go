// Package errors defines the TSL engine's error taxonomy as a single sum
// type, rather than as control-flow exceptions. Every fallible operation in
// this module returns a *TslError (or nil); callers compare against the
// Kind constants below instead of catching concrete types.
package errors

import "fmt"

// Kind provides a coarse category for TslErrors. It mirrors the taxonomy
// required by the engine's error-handling design: one tag per recoverable
// condition the refresh and verification pipelines can raise.
type Kind int

const (
	UnknownError Kind = iota

	TslDownloadError
	TslSchemaNotValid
	TslNotWellformed
	XmlSignatureError
	TslIdIncorrect
	TslInitError
	TslCaNotLoaded
	TslCaUpdateWarning
	MultipleTrustAnchor
	ValidityWarning2
	VlUpdateError

	CaCertMissing
	AuthorityKeyIdDifferent
	CaCertificateRevokedInTsl
	CaCertificateRevokedInBnetzaVl
	CertTypeInfoMissing
	CertTypeMismatch
	CertTypeCaNotAuthorized
	CertificateNotValidTime
	CertificateNotValidMath
	WrongKeyUsage
	WrongExtendedKeyUsage
	QcStatementError
	CertReadError

	OcspStatusError
	OcspCertUnknown
	OcspCertRevoked
	ServiceSupplyPointMissing
	ProvidedOcspResponseNotValid
)

var kindNames = map[Kind]string{
	UnknownError:                   "UnknownError",
	TslDownloadError:               "TslDownloadError",
	TslSchemaNotValid:              "TslSchemaNotValid",
	TslNotWellformed:               "TslNotWellformed",
	XmlSignatureError:              "XmlSignatureError",
	TslIdIncorrect:                 "TslIdIncorrect",
	TslInitError:                   "TslInitError",
	TslCaNotLoaded:                 "TslCaNotLoaded",
	TslCaUpdateWarning:             "TslCaUpdateWarning",
	MultipleTrustAnchor:            "MultipleTrustAnchor",
	ValidityWarning2:               "ValidityWarning2",
	VlUpdateError:                  "VlUpdateError",
	CaCertMissing:                  "CaCertMissing",
	AuthorityKeyIdDifferent:        "AuthorityKeyIdDifferent",
	CaCertificateRevokedInTsl:      "CaCertificateRevokedInTsl",
	CaCertificateRevokedInBnetzaVl: "CaCertificateRevokedInBnetzaVl",
	CertTypeInfoMissing:            "CertTypeInfoMissing",
	CertTypeMismatch:               "CertTypeMismatch",
	CertTypeCaNotAuthorized:        "CertTypeCaNotAuthorized",
	CertificateNotValidTime:        "CertificateNotValidTime",
	CertificateNotValidMath:        "CertificateNotValidMath",
	WrongKeyUsage:                  "WrongKeyUsage",
	WrongExtendedKeyUsage:          "WrongExtendedKeyUsage",
	QcStatementError:               "QcStatementError",
	CertReadError:                  "CertReadError",
	OcspStatusError:                "OcspStatusError",
	OcspCertUnknown:                "OcspCertUnknown",
	OcspCertRevoked:                "OcspCertRevoked",
	ServiceSupplyPointMissing:      "ServiceSupplyPointMissing",
	ProvidedOcspResponseNotValid:   "ProvidedOcspResponseNotValid",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UnknownError"
}

// StoreRef identifies the trust-store snapshot that was in use when a
// TslError was raised, so downstream log correlation can tie an error back
// to the exact snapshot (spec §7: "every error carries the TSL mode it was
// raised in and the {id, sequenceNumber} of the trust store at that time").
type StoreRef struct {
	Mode     string // "TSL" or "BNA"
	ID       string
	Sequence int64
}

// TslError is the single sum type every fallible operation in this module
// returns. It never allocates on the success path because success paths
// never construct one.
type TslError struct {
	Kind   Kind
	Detail string
	Store  StoreRef
	cause  error
}

func (e *TslError) Error() string {
	if e.Store.ID != "" {
		return fmt.Sprintf("%s [%s store=%s seq=%d]: %s", e.Kind, e.Store.Mode, e.Store.ID, e.Store.Sequence, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the wrapped low-level cause, if any, for errors.Is/As.
func (e *TslError) Unwrap() error {
	return e.cause
}

// New creates a TslError with no store context attached. Use WithStore to
// attach store context once the caller knows which snapshot was in play.
func New(kind Kind, msg string, args ...interface{}) *TslError {
	return &TslError{Kind: kind, Detail: fmt.Sprintf(msg, args...)}
}

// Wrap wraps a low-level failure (OpenSSL/crypto, I/O) as the UnknownError
// kind unless a more specific kind is supplied, preserving the original
// error via Unwrap.
func Wrap(kind Kind, cause error, msg string, args ...interface{}) *TslError {
	return &TslError{Kind: kind, Detail: fmt.Sprintf(msg, args...), cause: cause}
}

// WithStore returns a copy of err annotated with the store snapshot that
// was active when the failure occurred.
func WithStore(err *TslError, store StoreRef) *TslError {
	if err == nil {
		return nil
	}
	cp := *err
	cp.Store = store
	return &cp
}

// Is reports whether err is a *TslError of the given kind.
func Is(err error, kind Kind) bool {
	tErr, ok := err.(*TslError)
	if !ok {
		return false
	}
	return tErr.Kind == kind
}
