// Package errorkind names the failure taxonomy produced by the patching
// engine and the LPC interceptor, and wraps them with diagnostic context
// (the failing address or opcode) via github.com/pkg/errors so callers can
// both pattern-match on Kind and get a walkable stack trace for debugging
// calibration breakage on a new Windows build.
package errorkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind names one of the failure modes from the error handling design.
type Kind int

const (
	// PagePermissionDenied means the OS refused a requested page
	// permission transition.
	PagePermissionDenied Kind = iota
	// NoMemoryInReach means the allocator could not place a stub within
	// the instruction set's proximity window of the anchor address.
	NoMemoryInReach
	// UndecodablePreamble means the disassembler failed outright on the
	// target's first bytes.
	UndecodablePreamble
	// UnrelocatablePreamble means a decoded instruction is well-formed
	// but not on the relocation whitelist.
	UnrelocatablePreamble
	// RedirectOutOfRange means no redirection strategy fits.
	RedirectOutOfRange
	// CalibrationMismatch means the two independent CCCS inferences
	// disagreed.
	CalibrationMismatch
	// CalibrationTimeout means an expected calibration message never
	// arrived.
	CalibrationTimeout
	// WriteValidationFailed means the read-back-then-write round trip
	// failed after the page was reportedly opened for writing.
	WriteValidationFailed
)

func (k Kind) String() string {
	switch k {
	case PagePermissionDenied:
		return "page-permission-denied"
	case NoMemoryInReach:
		return "no-memory-in-reach"
	case UndecodablePreamble:
		return "undecodable-preamble"
	case UnrelocatablePreamble:
		return "unrelocatable-preamble"
	case RedirectOutOfRange:
		return "redirect-out-of-range"
	case CalibrationMismatch:
		return "calibration-mismatch"
	case CalibrationTimeout:
		return "calibration-timeout"
	case WriteValidationFailed:
		return "write-validation-failed"
	default:
		return "unknown-error-kind"
	}
}

// Error carries a Kind plus whatever diagnostic context (address, opcode)
// was available at the failure site.
type Error struct {
	Kind    Kind
	Address uintptr
	Opcode  byte
	cause   error
}

func (e *Error) Error() string {
	base := fmt.Sprintf("%s at 0x%x", e.Kind, e.Address)
	if e.Opcode != 0 {
		base = fmt.Sprintf("%s (opcode 0x%02x)", base, e.Opcode)
	}
	if e.cause != nil {
		return base + ": " + e.cause.Error()
	}
	return base
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a bare Kind error with no address/opcode context.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// At attaches the failing address to a Kind error.
func At(kind Kind, addr uintptr, format string, args ...interface{}) error {
	return &Error{Kind: kind, Address: addr, cause: errors.Errorf(format, args...)}
}

// AtOpcode attaches both the failing address and the offending opcode,
// used by the disassembler and instruction-set validators.
func AtOpcode(kind Kind, addr uintptr, opcode byte, format string, args ...interface{}) error {
	return &Error{Kind: kind, Address: addr, Opcode: opcode, cause: errors.Errorf(format, args...)}
}

// Wrap attaches a Kind to an existing error without discarding its chain.
func Wrap(kind Kind, err error, addr uintptr) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Address: addr, cause: errors.WithStack(err)}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ke, ok := err.(*Error); ok {
			e = ke
			break
		}
		err = errors.Unwrap(err)
	}
	return e != nil && e.Kind == kind
}
