package lpc

import "github.com/tundra/conprx-sub000/errorkind"

// nullNative is a Native that talks to nothing: every lookup fails and
// every probe is a no-op. It exists so cmd/agent can be wired and its
// construction exercised on a non-Windows development host (spec's POSIX
// memory backend is for exactly the same reason), even though Install
// will correctly fail calibration immediately since there is no real
// console server underneath it.
type nullNative struct{}

// NewNullNative returns a Native with no real OS behind it.
func NewNullNative() Native { return &nullNative{} }

func (n *nullNative) ModuleHandle(name string) (uintptr, error) {
	return 0, errorkind.New(errorkind.CalibrationMismatch, "no native console host available for module %q", name)
}

func (n *nullNative) ProcAddress(module uintptr, name string) (uintptr, error) {
	return 0, errorkind.New(errorkind.CalibrationMismatch, "no native console host available for proc %q", name)
}

func (n *nullNative) GetConsoleCP() uint32                           { return 0 }
func (n *nullNative) GetProcessShutdownParameters() (uint32, uint32) { return 0, 0 }
func (n *nullNative) CaptureStackTrace(skip int, buf []uintptr) int  { return 0 }
func (n *nullNative) CurrentThreadID() uint32                        { return 0 }
func (n *nullNative) FunctionBlob(fn uintptr, size int) []byte       { return nil }

func (n *nullNative) NewCallback(fn func(port, request, reply uintptr) uintptr) uintptr {
	return 0
}

func (n *nullNative) CallRaw(addr uintptr, args ...uintptr) uintptr {
	return 0
}
