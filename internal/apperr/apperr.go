package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation and HTTP mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindFilesystem
	KindArchive
	KindProcess
	KindProtocol
	// Service-level kinds used by the control surface.
	KindBusy
	KindNotFound
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindFilesystem:
		return "filesystem"
	case KindArchive:
		return "archive"
	case KindProcess:
		return "process"
	case KindProtocol:
		return "protocol"
	case KindBusy:
		return "busy"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is the typed error carried across component boundaries.
// Op names the failing operation ("download", "extract", "start main").
// Code is the process exit code for KindProcess failures, -1 when unknown.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Code int
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Code: -1, Err: err}
}

// Network wraps a connection, timeout or HTTP status failure.
func Network(op string, err error, format string, args ...any) error {
	return newf(KindNetwork, op, err, format, args...)
}

// Filesystem wraps a local file or directory failure.
func Filesystem(op string, err error, format string, args ...any) error {
	return newf(KindFilesystem, op, err, format, args...)
}

// Archive wraps a corrupt or unreadable archive.
func Archive(op string, err error, format string, args ...any) error {
	return newf(KindArchive, op, err, format, args...)
}

// Protocol wraps a malformed or unexpected response from a peer.
func Protocol(op string, err error, format string, args ...any) error {
	return newf(KindProtocol, op, err, format, args...)
}

// Process wraps a spawn failure or an early exit. code is the exit code or -1.
func Process(op string, code int, err error, format string, args ...any) error {
	e := newf(KindProcess, op, err, format, args...)
	e.Code = code
	return e
}

// Busy signals that the single admission slot is taken.
func Busy(op, msg string) error { return &Error{Kind: KindBusy, Op: op, Msg: msg, Code: -1} }

// NotFound signals an unknown id.
func NotFound(op, msg string) error { return &Error{Kind: KindNotFound, Op: op, Msg: msg, Code: -1} }

// Invalid signals a rejected request argument.
func Invalid(op, msg string) error { return &Error{Kind: KindInvalid, Op: op, Msg: msg, Code: -1} }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsNetwork(err error) bool    { return KindOf(err) == KindNetwork }
func IsFilesystem(err error) bool { return KindOf(err) == KindFilesystem }
func IsArchive(err error) bool    { return KindOf(err) == KindArchive }
func IsProcess(err error) bool    { return KindOf(err) == KindProcess }
func IsProtocol(err error) bool   { return KindOf(err) == KindProtocol }
func IsBusy(err error) bool       { return KindOf(err) == KindBusy }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsInvalid(err error) bool    { return KindOf(err) == KindInvalid }

// ExitCode returns the exit code recorded on a process error, or -1.
func ExitCode(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindProcess {
		return e.Code
	}
	return -1
}
