package patch

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tundra/conprx-sub000/isa"
	"github.com/tundra/conprx-sub000/memory"
)

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// fakeManager is a heap-backed memory.Manager stand-in: pages in test
// processes are already read/write/execute enough for these byte slices,
// so Open/Close are no-ops and AllocExecutable just carves a new slice and
// checks it against fits, the same shape posixManager follows for real
// mmap'd memory.
type fakeManager struct {
	arenas [][]byte
	allocs int
	freed  int
}

func (m *fakeManager) OpenForWriting(memory.Region) (memory.Token, error)  { return 0, nil }
func (m *fakeManager) CloseForWriting(memory.Region, memory.Token) error { return nil }

func (m *fakeManager) AllocExecutable(anchor uintptr, size int, fits func(uintptr) bool) (memory.Block, error) {
	buf := make([]byte, size+1)
	addr := addrOf(buf)
	if !fits(addr) {
		return memory.Block{}, nil
	}
	m.arenas = append(m.arenas, buf)
	m.allocs++
	return memory.Block{Addr: addr, Size: size}, nil
}

func (m *fakeManager) Free(memory.Block) error {
	m.freed++
	return nil
}

// TestApplyRevertRoundTrip covers spec §8's apply/revert property: after
// Revert, the original bytes must read back exactly as they were before
// Apply ran.
func TestApplyRevertRoundTrip(t *testing.T) {
	original := make([]byte, 32)
	copy(original, []byte{0x90, 0x50, 0x58, 0xb8, 0x2a, 0x00, 0x00, 0x00})
	before := append([]byte(nil), original...)
	replacement := make([]byte, 16)

	req := NewRequest(addrOf(original), addrOf(replacement), 0)
	set := NewSet(&fakeManager{}, isa.For(isa.AMD64), []*Request{req}, nil)

	require.NoError(t, set.Apply())
	assert.Equal(t, Applied, set.Status())
	assert.NotEqual(t, before, original, "redirect should have overwritten the preamble")

	require.NoError(t, set.Revert())
	assert.Equal(t, NotApplied, set.Status())
	assert.Equal(t, before, original)
}

// TestRevertLeavesArenaAllocated covers spec.md §3's "Lifetimes" note
// that reverts do not free the stub arena: only a separate Teardown call
// should release it.
func TestRevertLeavesArenaAllocated(t *testing.T) {
	original := make([]byte, 32)
	copy(original, []byte{0x90, 0x50, 0x58, 0xb8, 0x2a, 0x00, 0x00, 0x00})
	replacement := make([]byte, 16)

	req := NewRequest(addrOf(original), addrOf(replacement), MakeTrampoline)
	mem := &fakeManager{}
	set := NewSet(mem, isa.For(isa.AMD64), []*Request{req}, nil)

	require.NoError(t, set.Apply())
	require.NoError(t, set.Revert())
	assert.Equal(t, 0, mem.freed, "Revert must not free the arena")
	assert.Zero(t, req.Trampoline(), "trampoline must be cleared once reverted")

	require.NoError(t, set.Teardown())
	assert.Equal(t, 1, mem.freed, "Teardown is the only thing that frees the arena")
}

// TestApplyReapplyAfterRevertRoundTrip covers spec §8 testable property 4:
// apply, revert, then apply the same set again succeeds and produces the
// same trampoline semantics. A prior bug freed the arena inside Revert,
// which this test would have caught via a crash or corrupted trampoline
// on the second Apply.
func TestApplyReapplyAfterRevertRoundTrip(t *testing.T) {
	original := make([]byte, 32)
	copy(original, []byte{0x90, 0x50, 0x58, 0xb8, 0x2a, 0x00, 0x00, 0x00})
	before := append([]byte(nil), original...)
	replacement := make([]byte, 16)

	req := NewRequest(addrOf(original), addrOf(replacement), MakeTrampoline)
	set := NewSet(&fakeManager{}, isa.For(isa.AMD64), []*Request{req}, nil)

	require.NoError(t, set.Apply())
	require.NotZero(t, req.Trampoline())
	require.NoError(t, set.Revert())
	assert.Equal(t, before, original)
	assert.Zero(t, req.Trampoline())

	require.NoError(t, set.Apply())
	assert.Equal(t, Applied, set.Status())
	require.NotZero(t, req.Trampoline())

	trampoline := unsafe.Slice((*byte)(unsafe.Pointer(req.Trampoline())), req.PreambleSize()+isa.TrampolineResumeSizeBytes)
	assert.Equal(t, byte(0x90), trampoline[0])
	assert.Equal(t, byte(0x49), trampoline[req.PreambleSize()])

	require.NoError(t, set.Revert())
	assert.Equal(t, before, original)
}

// TestApplyBuildsTrampoline checks that MakeTrampoline produces a callable
// copy of the original preamble followed by a resume jump, the structural
// half of the trampoline-identity property (spec §8); actually invoking it
// would require executing generated machine code, which the patched
// process itself does, not this test binary.
func TestApplyBuildsTrampoline(t *testing.T) {
	original := make([]byte, 32)
	copy(original, []byte{0x90, 0x50, 0x58, 0xb8, 0x2a, 0x00, 0x00, 0x00})
	replacement := make([]byte, 16)

	req := NewRequest(addrOf(original), addrOf(replacement), MakeTrampoline)
	set := NewSet(&fakeManager{}, isa.For(isa.AMD64), []*Request{req}, nil)

	require.NoError(t, set.Apply())
	require.NotZero(t, req.Trampoline())

	trampoline := unsafe.Slice((*byte)(unsafe.Pointer(req.Trampoline())), req.PreambleSize()+isa.TrampolineResumeSizeBytes)
	assert.Equal(t, byte(0x90), trampoline[0])
	assert.Equal(t, byte(0x49), trampoline[req.PreambleSize()])
}

// TestDetermineAddressRangeCoversAllOriginals covers boundary scenario 5:
// three requests at original addresses 15, 10 and 36 bytes into a shared
// buffer must produce a combined range starting at the lowest address and
// extending past the highest by exactly one redirect size.
func TestDetermineAddressRangeCoversAllOriginals(t *testing.T) {
	base := make([]byte, 64)
	addr := addrOf(base)

	set := &Set{
		isaSet: isa.For(isa.AMD64),
		requests: []*Request{
			{Original: addr + 15},
			{Original: addr + 10},
			{Original: addr + 36},
		},
	}

	r := set.determineAddressRange()
	assert.Equal(t, addr+10, r.Start)
	assert.Equal(t, int(addr+36-(addr+10))+1, r.Size)

	patched := set.patchRange()
	wantSize := r.Size + isa.For(isa.AMD64).WorstCaseRedirectSizeBytes() + 1
	assert.Equal(t, wantSize, patched.Size)
	assert.Equal(t, r.Start, patched.Start)
}

// TestApplyEmptySetIsApplied mirrors the degenerate case of a Set with no
// requests: nothing to prepare, nothing to write, immediately Applied.
func TestApplyEmptySetIsApplied(t *testing.T) {
	set := NewSet(&fakeManager{}, isa.For(isa.AMD64), nil, nil)
	require.NoError(t, set.Apply())
	assert.Equal(t, Applied, set.Status())
}

// TestApplyBanRel32UsesKangaroo exercises the rel32-banned path end to
// end through Set.Apply, not just SelectRedirection in isolation.
func TestApplyBanRel32UsesKangaroo(t *testing.T) {
	original := make([]byte, 32)
	// 5 bytes of nop then an unwhitelisted call, so abs64 (13 bytes) can
	// never be covered but rel32's 5-byte threshold can.
	copy(original, []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0xe8, 0x00, 0x00, 0x00, 0x00})
	replacement := make([]byte, 16)

	req := NewRequest(addrOf(original), addrOf(replacement), BanRel32)
	set := NewSet(&fakeManager{}, isa.For(isa.AMD64), []*Request{req}, nil)

	require.NoError(t, set.Apply())
	assert.Equal(t, isa.KangarooRedirect, req.Redirection().Kind)
}
