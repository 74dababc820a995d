// Package failure defines the closed set of failures the custody engine can
// report and their numeric wire codes.
//
// Components return (possibly wrapped) sentinels from this package. The
// protocol boundary maps any error chain to a Code with CodeOf and answers
// with the fixed Reason for that code, so error text produced deep inside a
// component never reaches a client.
package failure

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the 16-bit error code carried in an Error reply.
type Code uint16

const (
	CodeMalformedMessage         Code = 0x0001
	CodeUnknownMessageType       Code = 0x0002
	CodeNotFound                 Code = 0x0003
	CodeDuplicateKey             Code = 0x0004
	CodePrivateKeyRequired       Code = 0x0005
	CodeInvalidDerivationPath    Code = 0x0006
	CodeAuthorizationDenied      Code = 0x0007
	CodeAuthorizationExpired     Code = 0x0008
	CodeEntropySourceUnavailable Code = 0x0009
	CodePersistenceFailure       Code = 0x000A
	CodeInternal                 Code = 0xFFFF
)

var (
	ErrMalformedMessage         = errors.New("malformed message")
	ErrUnknownMessageType       = errors.New("unknown message type")
	ErrNotFound                 = errors.New("key not found")
	ErrDuplicateKey             = errors.New("duplicate key")
	ErrPrivateKeyRequired       = errors.New("private key required")
	ErrInvalidDerivationPath    = errors.New("invalid derivation path")
	ErrAuthorizationDenied      = errors.New("authorization denied")
	ErrAuthorizationExpired     = errors.New("authorization expired")
	ErrEntropySourceUnavailable = errors.New("entropy source unavailable")
	ErrPersistenceFailure       = errors.New("persistence failure")
)

type entry struct {
	code   Code
	err    error
	reason string
}

// table is ordered; CodeOf returns the first sentinel found in the chain.
var table = []entry{
	{CodeMalformedMessage, ErrMalformedMessage, "malformed message"},
	{CodeUnknownMessageType, ErrUnknownMessageType, "unknown message type"},
	{CodeNotFound, ErrNotFound, "key not found"},
	{CodeDuplicateKey, ErrDuplicateKey, "key already present"},
	{CodePrivateKeyRequired, ErrPrivateKeyRequired, "operation requires a private key"},
	{CodeInvalidDerivationPath, ErrInvalidDerivationPath, "invalid derivation path"},
	{CodeAuthorizationDenied, ErrAuthorizationDenied, "authorization denied"},
	{CodeAuthorizationExpired, ErrAuthorizationExpired, "authorization code expired"},
	{CodeEntropySourceUnavailable, ErrEntropySourceUnavailable, "entropy source unavailable"},
	{CodePersistenceFailure, ErrPersistenceFailure, "key store could not be persisted"},
}

const internalReason = "internal error"

// CodeOf maps an error chain to its wire code. Nil maps to zero, anything
// outside the taxonomy maps to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	for _, e := range table {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeInternal
}

// Reason returns the fixed human-readable reason for code.
func Reason(code Code) string {
	for _, e := range table {
		if e.code == code {
			return e.reason
		}
	}
	return internalReason
}

// Sentinel returns the sentinel error for code, or nil for CodeInternal and
// unknown codes.
func Sentinel(code Code) error {
	for _, e := range table {
		if e.code == code {
			return e.err
		}
	}
	return nil
}

func (c Code) String() string {
	return fmt.Sprintf("0x%04X (%s)", uint16(c), Reason(c))
}

// RemoteError is an Error reply received by a client. It matches the
// sentinel for its code under errors.Is.
type RemoteError struct {
	Code   Code
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("keyringd error 0x%04X: %s", uint16(e.Code), e.Reason)
}

// Is reports whether target is the sentinel for this error's code.
func (e *RemoteError) Is(target error) bool {
	s := Sentinel(e.Code)
	return s != nil && s == target
}
