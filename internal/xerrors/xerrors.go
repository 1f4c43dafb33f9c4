// Package xerrors defines the error taxonomy shared across x2ssh's core
// packages so that the supervisor and CLI can make retry/exit-code decisions
// by kind rather than by string-matching messages.
package xerrors

import (
	"errors"
	"strconv"
)

// Kind identifies which bucket of the spec's error taxonomy an error belongs
// to. The supervisor and cmd/x2ssh switch on Kind to decide whether to
// retry, which exit code to use, and what to print.
type Kind string

const (
	KindUsage                  Kind = "usage"
	KindAuthFailure            Kind = "auth_failure"
	KindHostKeyUnknown         Kind = "host_key_unknown"
	KindNetworkError           Kind = "network_error"
	KindSessionDead            Kind = "session_dead"
	KindChannelOpenRefused     Kind = "channel_open_refused"
	KindFrameTooLarge          Kind = "frame_too_large"
	KindUnexpectedEOF          Kind = "unexpected_eof"
	KindAgentDeployFailed      Kind = "agent_deploy_failed"
	KindAgentExitedEarly       Kind = "agent_exited_early"
	KindPostUpFailed           Kind = "post_up_failed"
	KindInsufficientPrivileges Kind = "insufficient_privileges"
	KindRoutingError           Kind = "routing_error"
	KindExhausted              Kind = "exhausted"
	KindCancelled              Kind = "cancelled"
)

// Error is a typed error carrying a Kind plus the wrapped cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under the given Kind. If err is nil, the Kind alone is the
// message.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf is a convenience for wrapping a plain message under a Kind.
func Newf(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// As reports whether err (or any error it wraps) carries the given Kind.
func As(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf returns the Kind carried by err, or "" if err is not a tagged
// *Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// PostUpFailure carries the extra detail the spec requires to be printed
// when PostUp aborts the VPN session: the 0-based command index, its exit
// code, and its captured stderr.
type PostUpFailure struct {
	Index    int
	Command  string
	ExitCode int
	Stderr   string
}

func (f *PostUpFailure) Error() string {
	return "post_up command " + strconv.Itoa(f.Index) + " exited " + strconv.Itoa(f.ExitCode) + ": " + f.Command
}
