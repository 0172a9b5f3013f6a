package disasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResolveSumsToSequenceLength exercises spec §8's disassembler
// invariant: summing resolve(code, k).length over every instruction in a
// whitelisted byte sequence reproduces the sequence length exactly.
func TestResolveSumsToSequenceLength(t *testing.T) {
	code := []byte{
		0x90,                   // nop
		0x50,                   // push rax
		0x58,                   // pop rax
		0xb8, 0x2a, 0x00, 0x00, 0x00, // mov eax, 0x2a
	}
	r := New(Mode64)
	total := 0
	for offset := 0; offset < len(code); {
		info := r.Resolve(code, offset)
		require.Equal(t, Resolved, info.Status, "offset %d", offset)
		require.Greater(t, info.Length, 0)
		total += info.Length
		offset += info.Length
	}
	assert.Equal(t, len(code), total)
}

// TestResolveRejectsCall covers boundary scenario 4: a preamble whose
// first instruction is a relative call must not be whitelisted.
func TestResolveRejectsCall(t *testing.T) {
	code := []byte{0xe8, 0x00, 0x00, 0x00, 0x00, 0x90}
	r := New(Mode64)
	info := r.Resolve(code, 0)
	assert.Equal(t, NotWhitelisted, info.Status)
	assert.Equal(t, byte(0xe8), info.Opcode)
}

// TestResolveRejectsInvalidBytes covers the undecodable-preamble path.
func TestResolveRejectsInvalidBytes(t *testing.T) {
	code := []byte{0x0f, 0xff} // not a valid x86 encoding
	r := New(Mode64)
	info := r.Resolve(code, 0)
	assert.Equal(t, InvalidInstruction, info.Status)
}

// TestResolveDoesNotReadPastEnd ensures a truncated instruction at the end
// of the span reports failure rather than reading out of bounds.
func TestResolveDoesNotReadPastEnd(t *testing.T) {
	code := []byte{0xb8, 0x2a} // mov eax, imm32 truncated to 2 bytes
	r := New(Mode64)
	info := r.Resolve(code, 0)
	assert.Equal(t, InvalidInstruction, info.Status)
}
