package isa

import (
	"github.com/tundra/conprx-sub000/disasm"
	"github.com/tundra/conprx-sub000/errorkind"
	"github.com/tundra/conprx-sub000/memory"
)

// amd64Set implements Set for x86-64, following the redirect mechanics of
// the original agent's X86_64 instruction set (binpatch-x86-64.cc) plus
// the rel32/kangaroo strategies spec §4.4 generalizes it with.
type amd64Set struct {
	resolver disasm.Resolver
}

func newAMD64() Set {
	return &amd64Set{resolver: disasm.New(disasm.Mode64)}
}

func (s *amd64Set) Arch() Arch                 { return AMD64 }
func (s *amd64Set) Resolver() disasm.Resolver  { return s.resolver }

// FitsJumpReach reports whether a 5-byte rel32 jump from "from" can reach
// "to", accounting for the pc advancing past the jump instruction itself
// before the displacement is added.
func (s *amd64Set) FitsJumpReach(from, to uintptr) bool {
	distance := int64(to) - int64(from) - rel32SizeBytes
	return distance == int64(int32(distance))
}

func (s *amd64Set) SelectRedirection(original, replacement uintptr, banRel32 bool) (Redirection, int, error) {
	if !banRel32 && s.FitsJumpReach(original, replacement) {
		size, _, err := genericPreambleSize(s.resolver, original, rel32SizeBytes)
		if err == nil {
			return Redirection{Kind: Rel32Redirect}, size, nil
		}
		return Redirection{}, 0, err
	}

	size13, _, err13 := genericPreambleSize(s.resolver, original, abs64SizeBytes)
	if err13 == nil {
		return Redirection{Kind: Abs64Redirect}, size13, nil
	}

	size5, _, err5 := genericPreambleSize(s.resolver, original, rel32SizeBytes)
	if err5 != nil {
		return Redirection{}, 0, err5
	}
	return Redirection{Kind: KangarooRedirect}, size5, nil
}

func (s *amd64Set) WorstCaseRedirectSizeBytes() int { return abs64SizeBytes }

func (s *amd64Set) ValidateCodeLocations(original, replacement, stub uintptr) error {
	// On x86-64 any address can reach any other via abs64, so there's
	// nothing to reject up front (mirrors X86_64::validate_code_locations).
	return nil
}

func (s *amd64Set) WriteRedirect(original, replacement uintptr, red Redirection, preambleSize int, islandAddr uintptr) error {
	switch red.Kind {
	case Rel32Redirect:
		writeRel32Jump(original, replacement)
		writeInt3Padding(original, rel32SizeBytes, preambleSize)
	case Abs64Redirect:
		writeAbs64Jump(original, replacement)
		writeInt3Padding(original, abs64SizeBytes, preambleSize)
	case KangarooRedirect:
		if islandAddr == 0 {
			return errorkind.At(errorkind.RedirectOutOfRange, original, "kangaroo redirect requested without an island slot")
		}
		if !s.FitsJumpReach(original, islandAddr) {
			return errorkind.At(errorkind.RedirectOutOfRange, original, "kangaroo island at 0x%x unreachable from 0x%x", islandAddr, original)
		}
		writeAbs64Jump(islandAddr, replacement)
		writeRel32Jump(original, islandAddr)
		writeInt3Padding(original, rel32SizeBytes, preambleSize)
	default:
		return errorkind.At(errorkind.RedirectOutOfRange, original, "unknown redirection kind %v", red.Kind)
	}
	return nil
}

func (s *amd64Set) WriteTrampoline(trampolineAddr uintptr, preamble []byte, resumeAddr uintptr) error {
	// Leave the trampoline trapping until fully written, the way
	// X86_64::write_trampoline does, so a stray call mid-construction
	// faults instead of running off into whatever garbage was there.
	if len(preamble) == 0 {
		writeAbs64Jump(trampolineAddr, resumeAddr)
		return nil
	}
	memory.WriteBytes(trampolineAddr, []byte{0xcc})
	memory.WriteBytes(trampolineAddr+1, preamble[1:])
	writeAbs64Jump(trampolineAddr+uintptr(len(preamble)), resumeAddr)
	memory.WriteBytes(trampolineAddr, preamble[:1])
	return nil
}

// writeRel32Jump writes "E9 <disp32>" at addr, jumping to dest.
func writeRel32Jump(addr, dest uintptr) {
	disp := int32(int64(dest) - int64(addr) - rel32SizeBytes)
	buf := make([]byte, rel32SizeBytes)
	buf[0] = 0xe9
	buf[1] = byte(disp)
	buf[2] = byte(disp >> 8)
	buf[3] = byte(disp >> 16)
	buf[4] = byte(disp >> 24)
	memory.WriteBytes(addr, buf)
}

// writeAbs64Jump writes "mov r11, imm64; jmp r11" at addr, the same
// clobber-%r11 long jump X86_64::write_absolute_jump_64 uses, %r11 being
// caller-saved/volatile in both the Windows x64 and SysV x86-64 calling
// conventions, which is exactly why it's safe to clobber here.
func writeAbs64Jump(addr, dest uintptr) {
	buf := make([]byte, abs64SizeBytes)
	buf[0] = 0x49 // REX.WB
	buf[1] = 0xbb // mov r11, imm64
	d := uint64(dest)
	for i := 0; i < 8; i++ {
		buf[2+i] = byte(d >> (8 * i))
	}
	buf[10] = 0x41 // REX.B
	buf[11] = 0xff // jmp r/m64
	buf[12] = 0xe3 // ModRM: jmp r11
	memory.WriteBytes(addr, buf)
}

// genericPreambleSize accumulates whole instructions from offset 0 until
// the total reaches threshold, per spec §4.3.
func genericPreambleSize(resolver disasm.Resolver, original uintptr, threshold int) (int, []byte, error) {
	code := memory.ReadBytes(original, MaxPreambleSizeBytes)
	offset := 0
	for offset < threshold {
		if offset >= len(code) {
			return 0, nil, errorkind.At(errorkind.UndecodablePreamble, original+uintptr(offset),
				"ran out of captured preamble bytes before covering the redirect")
		}
		info := resolver.Resolve(code, offset)
		switch info.Status {
		case disasm.Resolved:
			if info.Length <= 0 {
				return 0, nil, errorkind.At(errorkind.UndecodablePreamble, original+uintptr(offset),
					"disassembler reported zero-length instruction")
			}
			offset += info.Length
		case disasm.NotWhitelisted:
			return 0, nil, errorkind.AtOpcode(errorkind.UnrelocatablePreamble, original+uintptr(offset), info.Opcode,
				"instruction at offset %d is not on the relocation whitelist", offset)
		default:
			return 0, nil, errorkind.AtOpcode(errorkind.UndecodablePreamble, original+uintptr(offset), info.Opcode,
				"disassembler failed to resolve instruction at offset %d", offset)
		}
	}
	return offset, code[:offset], nil
}
