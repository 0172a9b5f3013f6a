package lpc

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modkernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procGetConsoleCP          = modkernel32.NewProc("GetConsoleCP")
	procGetShutdownParameters = modkernel32.NewProc("GetProcessShutdownParameters")
)

// windowsNative is the production Native, the real kernel32/ntdll the
// teacher's hinako.go resolves DLLs through via syscall.NewLazyDLL.
type windowsNative struct{}

// NewWindowsNative returns the Native implementation an injected agent
// runs against.
func NewWindowsNative() Native { return &windowsNative{} }

func (n *windowsNative) ModuleHandle(name string) (uintptr, error) {
	h, err := windows.GetModuleHandle(name)
	if err != nil {
		return 0, err
	}
	return uintptr(h), nil
}

func (n *windowsNative) ProcAddress(module uintptr, name string) (uintptr, error) {
	addr, err := windows.GetProcAddress(windows.Handle(module), name)
	if err != nil {
		return 0, err
	}
	return addr, nil
}

func (n *windowsNative) GetConsoleCP() uint32 {
	ret, _, _ := procGetConsoleCP.Call()
	return uint32(ret)
}

func (n *windowsNative) GetProcessShutdownParameters() (uint32, uint32) {
	var level, flags uint32
	_, _, _ = procGetShutdownParameters.Call(
		uintptr(unsafe.Pointer(&level)),
		uintptr(unsafe.Pointer(&flags)),
	)
	return level, flags
}

func (n *windowsNative) CaptureStackTrace(skip int, buf []uintptr) int {
	if len(buf) == 0 {
		return 0
	}
	got := windows.RtlCaptureStackBackTrace(uint32(skip), uint32(len(buf)), &buf[0], nil)
	return int(got)
}

func (n *windowsNative) CurrentThreadID() uint32 {
	return windows.GetCurrentThreadId()
}

func (n *windowsNative) FunctionBlob(fn uintptr, size int) []byte {
	if fn == 0 || size <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(fn)), size)
}

func (n *windowsNative) NewCallback(fn func(port, request, reply uintptr) uintptr) uintptr {
	return syscall.NewCallback(fn)
}

// CallRaw invokes addr as if it were an arbitrary native routine, the same
// mechanism windows.NewLazyDLL's Proc.Call uses internally.
func (n *windowsNative) CallRaw(addr uintptr, args ...uintptr) uintptr {
	r1, _, _ := syscall.SyscallN(addr, args...)
	return r1
}
