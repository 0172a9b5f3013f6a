package isa

import (
	"github.com/tundra/conprx-sub000/disasm"
	"github.com/tundra/conprx-sub000/errorkind"
	"github.com/tundra/conprx-sub000/memory"
)

// i386Set implements Set for IA-32, where only the rel32 strategy exists
// (binpatch-x86-32.cc's X86_32 never builds anything but a
// RelativeJump32Redirection). abs64/kangaroo are x86-64-only: there's no
// architectural 64-bit immediate move on IA-32 to build them from.
type i386Set struct {
	resolver disasm.Resolver
}

func newI386() Set {
	return &i386Set{resolver: disasm.New(disasm.Mode32)}
}

func (s *i386Set) Arch() Arch                { return I386 }
func (s *i386Set) Resolver() disasm.Resolver { return s.resolver }

func (s *i386Set) FitsJumpReach(from, to uintptr) bool {
	distance := int64(to) - int64(from) - rel32SizeBytes
	return distance == int64(int32(distance))
}

func (s *i386Set) WorstCaseRedirectSizeBytes() int { return rel32SizeBytes }

func (s *i386Set) SelectRedirection(original, replacement uintptr, banRel32 bool) (Redirection, int, error) {
	if banRel32 {
		return Redirection{}, 0, errorkind.At(errorkind.RedirectOutOfRange, original,
			"ban_rel32 set but IA-32 has no fallback redirection strategy")
	}
	if err := s.ValidateCodeLocations(original, replacement, 0); err != nil {
		return Redirection{}, 0, err
	}
	size, _, err := genericPreambleSize(s.resolver, original, rel32SizeBytes)
	if err != nil {
		return Redirection{}, 0, err
	}
	return Redirection{Kind: Rel32Redirect}, size, nil
}

func (s *i386Set) ValidateCodeLocations(original, replacement, stub uintptr) error {
	if !s.FitsJumpReach(original, replacement) {
		return errorkind.At(errorkind.RedirectOutOfRange, original,
			"replacement at 0x%x is unreachable from 0x%x with a rel32 jump on IA-32", replacement, original)
	}
	return nil
}

func (s *i386Set) WriteRedirect(original, replacement uintptr, red Redirection, preambleSize int, islandAddr uintptr) error {
	if red.Kind != Rel32Redirect {
		return errorkind.At(errorkind.RedirectOutOfRange, original, "IA-32 only supports rel32 redirects")
	}
	writeRel32Jump(original, replacement)
	writeInt3Padding(original, rel32SizeBytes, preambleSize)
	return nil
}

func (s *i386Set) WriteTrampoline(trampolineAddr uintptr, preamble []byte, resumeAddr uintptr) error {
	if !s.FitsJumpReach(trampolineAddr+uintptr(len(preamble)), resumeAddr) {
		return errorkind.At(errorkind.RedirectOutOfRange, resumeAddr,
			"trampoline at 0x%x cannot resume 0x%x with a rel32 jump on IA-32", trampolineAddr, resumeAddr)
	}
	memory.WriteBytes(trampolineAddr, preamble)
	writeRel32Jump(trampolineAddr+uintptr(len(preamble)), resumeAddr)
	return nil
}
