// Package patch implements the patch request/patch set state machine
// (spec §4.5): the unit of work that diverts one function to a
// replacement, and the transactional batch of such requests that share a
// single write-permission window.
package patch

import "github.com/tundra/conprx-sub000/isa"

// Flag is a bitset controlling how a Request is applied.
type Flag uint32

const (
	// MakeTrampoline asks for an invokable copy of the original
	// behaviour to be built alongside the redirect.
	MakeTrampoline Flag = 1 << iota
	// BanRel32 forbids the relative-32 redirect strategy, to exercise
	// the kangaroo fallback path in tests.
	BanRel32
)

// Status is a Request or Set's position in the lifecycle spec §4.5 draws.
type Status int

const (
	NotApplied Status = iota
	Prepared
	AppliedOpen
	Applied
	RevertedOpen
	Failed
)

func (s Status) String() string {
	switch s {
	case NotApplied:
		return "not_applied"
	case Prepared:
		return "prepared"
	case AppliedOpen:
		return "applied_open"
	case Applied:
		return "applied"
	case RevertedOpen:
		return "reverted_open"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is the unit of work: one function diverted to one replacement.
// It is a value object in the sense spec §4.5 means it: it never opens
// pages, allocates memory or writes code itself, that's the owning Set's
// job.
type Request struct {
	Original    uintptr
	Replacement uintptr
	Flags       Flag

	preambleCopy []byte
	preambleSize int
	status       Status
	redirection  isa.Redirection
	trampoline   uintptr
	stub         stubSlots
}

// NewRequest builds a not-yet-prepared patch request.
func NewRequest(original, replacement uintptr, flags Flag) *Request {
	return &Request{
		Original:    original,
		Replacement: replacement,
		Flags:       flags,
		status:      NotApplied,
	}
}

// Status returns the request's current lifecycle state.
func (r *Request) Status() Status { return r.status }

// PreambleSize returns how many original bytes were displaced by the
// redirect. Only meaningful once the owning Set has reached Prepared or
// later.
func (r *Request) PreambleSize() int { return r.preambleSize }

// Redirection returns the strategy chosen for this request.
func (r *Request) Redirection() isa.Redirection { return r.redirection }

// Trampoline returns the address of the generated trampoline, or 0 if
// MakeTrampoline wasn't set or the request hasn't been applied yet.
func (r *Request) Trampoline() uintptr { return r.trampoline }

func (r *Request) wantsTrampoline() bool { return r.Flags&MakeTrampoline != 0 }
func (r *Request) banRel32() bool        { return r.Flags&BanRel32 != 0 }
