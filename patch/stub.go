package patch

import "github.com/tundra/conprx-sub000/isa"

// StubSize is the fixed size of the per-request slab of executable memory
// (spec §3's "patch code stub") reserved in the arena: room for the
// largest possible trampoline (a full preamble plus its abs64 resume
// jump) plus, for the kangaroo strategy, a separate jump island.
const StubSize = isa.MaxPreambleSizeBytes + isa.TrampolineResumeSizeBytes + isa.KangarooIslandSizeBytes

// stubSlots addresses the two regions within one request's stub: the
// trampoline body, and (kangaroo only) the jump island.
type stubSlots struct {
	base uintptr
}

func (s stubSlots) trampolineAddr() uintptr {
	return s.base
}

func (s stubSlots) islandAddr() uintptr {
	if s.base == 0 {
		return 0
	}
	return s.base + isa.MaxPreambleSizeBytes + isa.TrampolineResumeSizeBytes
}
