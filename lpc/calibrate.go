package lpc

import (
	"encoding/binary"
	"unsafe"

	"github.com/tundra/conprx-sub000/errorkind"
)

// locateCCCSStackDepth mirrors kLocateCCCSStackSize: how many stack frames
// below the patched bridge we expect to walk through to find
// ConsoleClientCallServer.
const locateCCCSStackDepth = 5

// functionBlobSize bounds how many bytes of a function's body calibration
// will scan or compare, the same generous-but-bounded window the original
// gives itself via tclib::Blob(fn, 256).
const functionBlobSize = 256

// stackTemplate names the call chain calibration expects to see on the
// stack when GetConsoleCP's trip through ConsoleClientCallServer lands in
// the patched LPC bridge: bridge -> CCCS (the unknown slot) -> GetConsoleCP.
// The original additionally checks for a fourth, static "calibrate" driver
// frame beneath GetConsoleCP; this port skips that check since Go gives no
// portable way to take a bound method's code address the way a C++ static
// function pointer works, and the three-frame match is already a strong
// enough signal on its own.
type stackTemplate struct {
	bridge     uintptr
	cccsSize   int
	getConsole uintptr
}

// isPCWithinFunction reports whether pc falls inside [start, start+size],
// following a single leading rel32 jump if the function turns out to be a
// thunk to somewhere else (the original's is_pc_within_function, needed
// because incremental linking routes many symbols through a jump stub).
func isPCWithinFunction(pc, start uintptr, size int, blob func(uintptr, int) []byte) bool {
	for depth := 0; depth < 2; depth++ {
		end := start + uintptr(size)
		if pc >= start && pc <= end {
			return true
		}
		code := blob(start, 5)
		if len(code) < 5 || code[0] != 0xe9 {
			return false
		}
		disp := int32(binary.LittleEndian.Uint32(code[1:5]))
		start = start + 5 + uintptr(disp)
	}
	return false
}

// extractCallDestination steps back 5 bytes from a return address,
// expecting to find a rel32 call instruction there, and returns its
// target. This mirrors extract_destination_from_return_pc: it can false
// positive on a coincidental 0xE8 byte, which is exactly why calibration
// cross-checks it against the guided stack inference.
func extractCallDestination(returnPC uintptr, blob func(uintptr, int) []byte) (uintptr, bool) {
	callPC := returnPC - 5
	code := blob(callPC, 5)
	if len(code) < 5 || code[0] != 0xe8 {
		return 0, false
	}
	disp := int32(binary.LittleEndian.Uint32(code[1:5]))
	return callPC + 5 + uintptr(disp), true
}

// inferCCCSGuided walks a captured stack trace against the expected call
// chain and, if it matches, extracts ConsoleClientCallServer's address
// from the return address one frame below the unknown slot (the
// original's infer_address_guided).
func inferCCCSGuided(stack []uintptr, tmpl stackTemplate, blob func(uintptr, int) []byte) (uintptr, bool) {
	if len(stack) == 0 {
		return 0, false
	}
	// Peel frames until the top matches the bridge.
	for len(stack) > 0 && !isPCWithinFunction(stack[0], tmpl.bridge, functionBlobSize, blob) {
		stack = stack[1:]
	}
	if len(stack) < 3 {
		return 0, false
	}
	// stack[0] = bridge, stack[1] = unknown (CCCS), stack[2] = GetConsoleCP.
	if stack[1] == 0 {
		return 0, false
	}
	if !isPCWithinFunction(stack[2], tmpl.getConsole, functionBlobSize, blob) {
		return 0, false
	}
	result, ok := extractCallDestination(stack[2], blob)
	if !ok {
		return 0, false
	}
	if !isPCWithinFunction(stack[1], result, tmpl.cccsSize, blob) {
		return 0, false
	}
	return result, true
}

// inferCCCSFromCaller scans GetConsoleCP's own body for a rel32 call
// instruction (opcode 0xE8) and returns its target, the fallback strategy
// used when no stack trace is available, or as a cross-check when one is
// (the original's infer_address_from_caller). is32Bit widens the search:
// on IA-32 every call in the body looks the same so the first one found is
// taken, while on x86-64 calibration can afford to insist on there being
// exactly one.
func inferCCCSFromCaller(getConsoleCP uintptr, is32Bit bool, blob func(uintptr, int) []byte) (uintptr, bool) {
	code := blob(getConsoleCP, functionBlobSize)
	var found uintptr
	matches := 0
	for i := 0; i+5 <= len(code); i++ {
		if code[i] != 0xe8 {
			continue
		}
		disp := int32(binary.LittleEndian.Uint32(code[i+1 : i+5]))
		target := getConsoleCP + uintptr(i) + 5 + uintptr(disp)
		matches++
		if found == 0 {
			found = target
		}
		if is32Bit {
			return found, true
		}
	}
	if matches != 1 {
		return 0, false
	}
	return found, true
}

// resolveCCCS runs both inference strategies and requires consensus when
// both produce an answer (spec §4.6's "two independent derivations must
// agree or calibration fails").
func resolveCCCS(stack []uintptr, tmpl stackTemplate, getConsoleCP uintptr, is32Bit bool, blob func(uintptr, int) []byte) (uintptr, error) {
	guided, guidedOK := inferCCCSGuided(stack, tmpl, blob)
	caller, callerOK := inferCCCSFromCaller(getConsoleCP, is32Bit, blob)

	switch {
	case guidedOK && callerOK:
		if guided != caller {
			return 0, errorkind.New(errorkind.CalibrationMismatch,
				"guided inference found 0x%x but caller-body scan found 0x%x", guided, caller)
		}
		return guided, nil
	case guidedOK:
		return guided, nil
	case callerOK:
		return caller, nil
	default:
		return 0, errorkind.New(errorkind.CalibrationMismatch, "neither inference strategy located ConsoleClientCallServer")
	}
}

// inferStackDirection reports whether the native stack grows downward,
// mirroring the original's calc_stack_direction/infer_stack_direction
// (lpc-msvc.cc). NewInterceptor logs the result once at Debug; the guided
// inference above does not consult it. It compares
// the address of a local in this frame against one in a frame it calls
// into; on every architecture this agent targets the callee's locals
// land at a lower address.
func inferStackDirection() bool {
	var outer byte
	return stackGrowsDown(&outer)
}

func stackGrowsDown(outer *byte) bool {
	var inner byte
	return uintptr(unsafe.Pointer(&inner)) < uintptr(unsafe.Pointer(outer))
}
