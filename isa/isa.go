// Package isa implements the architecture-specific half of the patching
// engine (spec §4.3, §4.4): preamble sizing, redirect/trampoline code
// emission, and the proximity-based choice between the rel32, abs64 and
// kangaroo redirection strategies.
//
// github.com/twitchyliquid64/golang-asm, present elsewhere in the corpus,
// was considered for the code emission in this package and rejected: it
// operates at the level of compiling Go-ABI functions via cmd/internal/obj
// for the Go linker, and has no entry point for emitting a bare byte
// sequence at a caller-chosen already-mapped address, which is exactly
// what WriteRedirect/WriteTrampoline need. Raw byte emission, as the
// teacher's newJumpAsm does, is the right tool here.
package isa

import (
	"github.com/tundra/conprx-sub000/disasm"
	"github.com/tundra/conprx-sub000/memory"
)

// MaxPreambleSizeBytes bounds how many bytes of a function's entry can be
// captured as its preamble (spec's kMaxPreamble).
const MaxPreambleSizeBytes = 32

// Arch names a supported instruction set.
type Arch int

const (
	AMD64 Arch = iota
	I386
)

func (a Arch) String() string {
	if a == I386 {
		return "i386"
	}
	return "amd64"
}

// Set is the per-architecture strategy spec §4.3 describes. One instance
// exists per Arch; which to use is a runtime fact about the host process
// being injected into, not a Go build-time choice, so For(Arch) selects
// between the two rather than relying on GOARCH build tags.
type Set interface {
	Arch() Arch

	// Resolver returns the disassembler configured for this arch's mode.
	Resolver() disasm.Resolver

	// FitsJumpReach reports whether a rel32 jump (E9 <disp32>) can reach
	// from addr "from" to addr "to".
	FitsJumpReach(from, to uintptr) bool

	// SelectRedirection picks a strategy for redirecting original to
	// replacement, subject to banRel32, and returns the preamble size
	// that strategy requires be displaced (spec §4.3's
	// preamble_size(original)).
	SelectRedirection(original, replacement uintptr, banRel32 bool) (Redirection, int, error)

	// WriteRedirect writes the chosen redirect into original, padding
	// any residual displaced bytes with trap opcodes. islandAddr is
	// used only for KangarooRedirect, where it must point at a
	// writable, executable KangarooIslandSizeBytes-byte slot that this
	// call also populates with the abs64 jump to replacement.
	WriteRedirect(original, replacement uintptr, red Redirection, preambleSize int, islandAddr uintptr) error

	// WriteTrampoline populates the TrampolineSizeBytes(preamble)-byte
	// slot at trampolineAddr with the saved preamble followed by a jump
	// back to resumeAddr (original + preambleSize).
	WriteTrampoline(trampolineAddr uintptr, preamble []byte, resumeAddr uintptr) error

	// ValidateCodeLocations performs the architecture-specific sanity
	// check spec §4.3 calls for (e.g. IA-32 requires every redirect fit
	// in rel32).
	ValidateCodeLocations(original, replacement, stub uintptr) error

	// WorstCaseRedirectSizeBytes bounds how many bytes any strategy on
	// this architecture could possibly overwrite at an original
	// function's entry point. Used to size the patch range before any
	// per-request strategy has been chosen (spec §4.5 step 1).
	WorstCaseRedirectSizeBytes() int
}

// TrampolineResumeSizeBytes is the fixed size of the abs64 "jump back to
// the original" instruction every x86-64 trampoline ends with, regardless
// of which strategy redirected the original itself. IA-32 trampolines end
// with a 5-byte rel32 jump instead, which fits in the same space.
const TrampolineResumeSizeBytes = 13

// KangarooIslandSizeBytes is the fixed size of the abs64 indirect jump
// housed in a kangaroo stub's island slot.
const KangarooIslandSizeBytes = 13

// TrampolineSizeBytes returns how many bytes a trampoline needs to hold
// the given preamble plus its resume jump.
func TrampolineSizeBytes(preambleLen int) int {
	return preambleLen + TrampolineResumeSizeBytes
}

// For returns the Set for the given architecture.
func For(a Arch) Set {
	if a == I386 {
		return newI386()
	}
	return newAMD64()
}

// writeInt3Padding fills the gap between a redirect's end and the
// preamble size with single-byte trap opcodes, per spec §4.3: stray
// execution of a half-overwritten instruction faults fast instead of
// streaming off into garbage.
func writeInt3Padding(addr uintptr, redirectSize, preambleSize int) {
	if preambleSize <= redirectSize {
		return
	}
	pad := make([]byte, preambleSize-redirectSize)
	for i := range pad {
		pad[i] = 0xcc
	}
	memory.WriteBytes(addr+uintptr(redirectSize), pad)
}
