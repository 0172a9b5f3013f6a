package lpc

// Native is the thin sliver of OS and console-client-library surface that
// calibration and installation need (spec §4.6). Isolating it behind an
// interface, the way the teacher isolates architecture behind x86asm's
// decoder rather than calling into it ad hoc, is what lets calibration's
// consensus logic be exercised without a real kernel32/ntdll to talk to.
type Native interface {
	// ModuleHandle returns the base address of an already-loaded module,
	// e.g. "ntdll.dll".
	ModuleHandle(name string) (uintptr, error)

	// ProcAddress resolves an exported symbol within module.
	ProcAddress(module uintptr, name string) (uintptr, error)

	// GetConsoleCP calls the real kernel32 GetConsoleCP, the trigger used
	// to provoke a call to ConsoleClientCallServer during the locate
	// phase of calibration.
	GetConsoleCP() uint32

	// GetProcessShutdownParameters calls the real kernel32 function,
	// the trigger used to provoke a call that resolves the base port
	// during calibration's second phase.
	GetProcessShutdownParameters() (level uint32, flags uint32)

	// CaptureStackTrace fills in up to len(buf) return addresses, skipping
	// the first skip frames, and returns the number actually captured.
	CaptureStackTrace(skip int, buf []uintptr) int

	// CurrentThreadID returns the OS thread id of the calling thread,
	// used to key the per-thread Disable guard (SPEC_FULL.md's resolution
	// of the Disable-scope Open Question).
	CurrentThreadID() uint32

	// FunctionBlob returns a read-only view of size bytes of code
	// starting at fn, used to compare function bodies byte for byte
	// during calibration (the "blob" windows in the original's
	// is_pc_within_function/infer_address_from_caller).
	FunctionBlob(fn uintptr, size int) []byte

	// NewCallback turns a Go function of the exact
	// func(port, request, reply uintptr) uintptr shape into a C-callable
	// function pointer suitable for use as a PatchRequest replacement.
	NewCallback(fn func(port, request, reply uintptr) uintptr) uintptr

	// CallRaw invokes the function at addr as a native stdcall/fastcall
	// routine with the given arguments, returning its primary result
	// register. Used both to call through a patched function's trampoline
	// and to drive ConsoleClientCallServer directly during calibration.
	CallRaw(addr uintptr, args ...uintptr) uintptr
}
