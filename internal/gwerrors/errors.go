// Package gwerrors defines the shared error taxonomy used across the
// gateway core: Input, Auth, Policy, Upstream, Transient and Fatal, plus
// the finer-grained Kind used by the token verifier.
package gwerrors

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Kind classifies a token-verification failure. These map onto
// trace error kinds for HTTP/SOCKS5/JET surfacing, but are kept distinct
// because several of them (Expired, Replayed, WrongGateway) don't have a
// one-to-one trace constructor.
type Kind string

const (
	BadFormat       Kind = "bad_format"
	BadSignature    Kind = "bad_signature"
	Expired         Kind = "expired"
	NotYetValid     Kind = "not_yet_valid"
	Revoked         Kind = "revoked"
	Replayed        Kind = "replayed"
	WrongGateway    Kind = "wrong_gateway"
	UnsupportedCty  Kind = "unsupported_cty"
)

// TokenError wraps a verification failure with its Kind so callers can
// branch on exact cause while still propagating through trace.Wrap.
type TokenError struct {
	Kind Kind
	Err  error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *TokenError) Unwrap() error { return e.Err }

// NewTokenError builds a TokenError, wrapping msg/args into a trace error
// of the kind most appropriate for that failure's taxonomy bucket (Auth).
func NewTokenError(kind Kind, format string, args ...any) error {
	return &TokenError{Kind: kind, Err: trace.AccessDenied(format, args...)}
}

// Is reports whether err is a TokenError of the given kind.
func Is(err error, kind Kind) bool {
	var te *TokenError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// PolicyError is returned when a destination is rejected by
// internal/policy's rule set — surfaced the same way as Auth errors but
// kept distinct so logs can tell "bad token" apart from "disallowed
// destination" (spec.md §7: "Policy — destination not allowed by rule,
// scope not matched by token. Same surfacing as Auth; distinguished in
// logs.").
type PolicyError struct {
	Rule string
	Err  error
}

func (e *PolicyError) Error() string { return e.Err.Error() }
func (e *PolicyError) Unwrap() error { return e.Err }

// PolicyDenied builds a PolicyError naming the rule (or destination)
// that caused the rejection.
func PolicyDenied(rule, format string, args ...any) error {
	return &PolicyError{Rule: rule, Err: trace.AccessDenied(format, args...)}
}

// ProtocolViolation is returned by JMUX/RDP/WebM state machines on any
// deviation from the expected wire sequence (Input-taxonomy error that
// drops the offending channel/connection, never the whole association).
func ProtocolViolation(format string, args ...any) error {
	return trace.BadParameter(format, args...)
}

// Benign reports whether err represents an ordinary disconnect that should
// be logged at debug rather than error, per spec.md §7.
func Benign(err error) bool {
	if err == nil {
		return false
	}
	msg := trace.Unwrap(err).Error()
	for _, s := range []string{
		"broken pipe",
		"connection reset by peer",
		"use of closed network connection",
		"EOF",
		"i/o timeout",
	} {
		if containsFold(msg, s) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	hn, nn := len(haystack), len(needle)
	if nn == 0 || nn > hn {
		return nn == 0
	}
	for i := 0; i+nn <= hn; i++ {
		if equalFold(haystack[i:i+nn], needle) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
