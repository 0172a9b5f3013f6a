package disasm

import (
	"golang.org/x/arch/x86/x86asm"
)

// Mode selects the processor mode the decoder assumes, matching
// golang.org/x/arch/x86/x86asm.Decode's mode parameter.
type Mode int

const (
	Mode32 Mode = 32
	Mode64 Mode = 64
)

// x86Resolver wraps x86asm.Decode the way the teacher (Dk2014-hinako)
// drives it, but additionally enforces the relocation whitelist from
// spec §4.2 instead of trusting every well-formed instruction.
//
// The original C++ agent's disassembler (disassembler-x86.cc) whitelists
// by the raw first opcode byte coming out of an LLVM decoder. x86asm's
// decoded x86asm.Inst doesn't expose that pre-ModRM byte directly, so this
// whitelists by the decoded mnemonic (x86asm.Op) plus, where the original
// table distinguishes encodings of the same mnemonic (push reg/imm vs.
// push r/m, mov reg/imm vs. mov to memory), by operand kind. That
// reproduces the same instruction family restriction the original's
// byte table encodes.
type x86Resolver struct {
	mode int
}

// New returns a Resolver for the given processor mode.
func New(mode Mode) Resolver {
	return &x86Resolver{mode: int(mode)}
}

func (d *x86Resolver) Resolve(code []byte, offset int) Info {
	if offset >= len(code) {
		return Info{Status: InvalidInstruction}
	}
	window := code[offset:]
	inst, err := x86asm.Decode(window, d.mode)
	if err != nil {
		return Info{Status: InvalidInstruction, Opcode: window[0]}
	}
	if !whitelisted(inst) {
		return Info{Status: NotWhitelisted, Opcode: window[0], Length: inst.Len}
	}
	return Info{Status: Resolved, Length: inst.Len}
}

// whitelisted implements the minimum viable whitelist from spec §4.2: nop,
// register-register add, push/pop of a general register, push imm8/16/32,
// mov r,r, mov r,imm32, lea.
func whitelisted(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.NOP, x86asm.LEA:
		return true
	case x86asm.ADD:
		return isReg(inst.Args[0]) && isReg(inst.Args[1])
	case x86asm.PUSH:
		return isReg(inst.Args[0]) || isImm(inst.Args[0])
	case x86asm.POP:
		return isReg(inst.Args[0])
	case x86asm.MOV:
		if !isReg(inst.Args[0]) {
			return false
		}
		return isReg(inst.Args[1]) || isImm(inst.Args[1])
	default:
		return false
	}
}

func isReg(a x86asm.Arg) bool {
	_, ok := a.(x86asm.Reg)
	return ok
}

func isImm(a x86asm.Arg) bool {
	_, ok := a.(x86asm.Imm)
	return ok
}
