package isa

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// TestSelectRedirectionPrefersRel32 covers boundary scenario 1: a short
// function with a whitelisted preamble and a nearby replacement picks
// rel32.
func TestSelectRedirectionPrefersRel32(t *testing.T) {
	original := make([]byte, MaxPreambleSizeBytes)
	// nop, push rax, pop rax, mov eax,imm32 -> 8 bytes, more than enough
	// for a 5-byte redirect.
	copy(original, []byte{0x90, 0x50, 0x58, 0xb8, 0x2a, 0x00, 0x00, 0x00})
	replacement := make([]byte, 16)

	s := newAMD64()
	red, size, err := s.SelectRedirection(addrOf(original), addrOf(replacement), false)
	require.NoError(t, err)
	assert.Equal(t, Rel32Redirect, red.Kind)
	assert.GreaterOrEqual(t, size, rel32SizeBytes)
}

// TestSelectRedirectionBanRel32FallsBackToKangaroo covers boundary
// scenario 3: ban_rel32 plus a preamble too short for abs64 forces
// kangaroo.
func TestSelectRedirectionBanRel32FallsBackToKangaroo(t *testing.T) {
	original := make([]byte, MaxPreambleSizeBytes)
	// 5 bytes of nop, then a call (unwhitelisted) so the 13-byte abs64
	// threshold can never be covered, but the 5-byte threshold can.
	copy(original, []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0xe8, 0x00, 0x00, 0x00, 0x00})
	replacement := make([]byte, 16)

	s := newAMD64()
	red, size, err := s.SelectRedirection(addrOf(original), addrOf(replacement), true)
	require.NoError(t, err)
	assert.Equal(t, KangarooRedirect, red.Kind)
	assert.Equal(t, 5, size)
}

// TestSelectRedirectionUnrelocatableAborts covers boundary scenario 4:
// a preamble whose first instruction is a call fails outright, for every
// strategy, rather than silently falling back.
func TestSelectRedirectionUnrelocatableAborts(t *testing.T) {
	original := make([]byte, MaxPreambleSizeBytes)
	copy(original, []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90})
	replacement := make([]byte, 16)

	s := newAMD64()
	_, _, err := s.SelectRedirection(addrOf(original), addrOf(replacement), false)
	require.Error(t, err)
}

// TestWriteRedirectRel32PadsWithInt3 checks that a redirect shorter than
// the displaced preamble is padded with int3 traps.
func TestWriteRedirectRel32PadsWithInt3(t *testing.T) {
	original := make([]byte, 16)
	replacement := make([]byte, 16)
	s := newAMD64()

	err := s.WriteRedirect(addrOf(original), addrOf(replacement), Redirection{Kind: Rel32Redirect}, 8, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xe9), original[0])
	assert.Equal(t, []byte{0xcc, 0xcc, 0xcc}, original[5:8])
}

// TestIA32RejectsFarReplacement covers boundary scenario 2: IA-32 has no
// redirection strategy that reaches a replacement more than 2^31 bytes
// away, so it must fail rather than silently pick something unsafe.
func TestIA32RejectsFarReplacement(t *testing.T) {
	s := newI386()
	original := uintptr(0x1000)
	replacement := original + uintptr(0x80000000) + uintptr(0x1000)
	_, _, err := s.SelectRedirection(original, replacement, false)
	require.Error(t, err)
}

// TestTrampolineRoundTrip verifies a trampoline built from a captured
// preamble reproduces the preamble bytes followed by a resume jump, the
// structural half of spec §8's trampoline-identity property (behavioral
// equivalence itself requires executing machine code, which is exercised
// by the patch package's integration test against a real function).
func TestTrampolineRoundTrip(t *testing.T) {
	preamble := []byte{0x90, 0x50, 0x58, 0xb8, 0x2a, 0x00, 0x00, 0x00}
	trampoline := make([]byte, TrampolineSizeBytes(len(preamble)))
	original := make([]byte, 32)
	resume := addrOf(original) + uintptr(len(preamble))

	s := newAMD64()
	require.NoError(t, s.WriteTrampoline(addrOf(trampoline), preamble, resume))
	assert.Equal(t, preamble, trampoline[:len(preamble)])
	assert.Equal(t, byte(0x49), trampoline[len(preamble)])
}
