package lpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tundra/conprx-sub000/patch"
)

// fakeNative is a Native stand-in that never touches a real process; it
// answers thread-id queries from a field each test sets explicitly, and
// hands out a fixed dummy address from NewCallback, so tests call bridge
// directly the way patched machine code would.
type fakeNative struct {
	threadID uint32
}

func (f *fakeNative) ModuleHandle(name string) (uintptr, error)        { return 1, nil }
func (f *fakeNative) ProcAddress(module uintptr, name string) (uintptr, error) { return 2, nil }
func (f *fakeNative) GetConsoleCP() uint32                             { return 0 }
func (f *fakeNative) GetProcessShutdownParameters() (uint32, uint32)   { return 0, 0 }
func (f *fakeNative) CaptureStackTrace(skip int, buf []uintptr) int    { return 0 }
func (f *fakeNative) CurrentThreadID() uint32                          { return f.threadID }
func (f *fakeNative) FunctionBlob(fn uintptr, size int) []byte         { return nil }
func (f *fakeNative) NewCallback(fn func(port, request, reply uintptr) uintptr) uintptr {
	return 0xdead
}
func (f *fakeNative) CallRaw(addr uintptr, args ...uintptr) uintptr { return 0 }

func newTestInterceptor(native *fakeNative, handler Handler) *Interceptor {
	return NewInterceptor(native, nil, 0, handler, nil)
}

// TestBridgeDispatchesKnownPorts checks that messages addressed to the
// calibrated console or base port reach the handler, while everything
// else passes through untouched.
func TestBridgeDispatchesKnownPorts(t *testing.T) {
	native := &fakeNative{threadID: 1}
	var seen []Destination
	handler := func(msg *Message) (Status, error) {
		seen = append(seen, msg.Destination)
		return Handled, nil
	}
	inter := newTestInterceptor(native, handler)
	inter.consolePort = 10
	inter.basePort = 20
	inter.request = patch.NewRequest(0, 0, 0)

	var data MessageData
	addr := addrOfMessage(&data)

	inter.bridge(10, addr, 0)
	inter.bridge(20, addr, 0)
	inter.bridge(99, addr, 0) // unknown port, passes through, never reaches handler

	require.Len(t, seen, 2)
	assert.Equal(t, DestinationConsole, seen[0])
	assert.Equal(t, DestinationBase, seen[1])
}

// TestDisableSuppressesDispatch verifies that while a Disable guard is
// held on a thread, bridge skips the handler entirely for that thread,
// and that a nested Disable correctly restores the outer one's state on
// Close rather than clobbering it back to enabled.
func TestDisableSuppressesDispatch(t *testing.T) {
	native := &fakeNative{threadID: 7}
	calls := 0
	handler := func(msg *Message) (Status, error) {
		calls++
		return Handled, nil
	}
	inter := newTestInterceptor(native, handler)
	inter.consolePort = 10
	inter.request = patch.NewRequest(0, 0, 0)

	var data MessageData
	addr := addrOfMessage(&data)

	outer := inter.NewDisable()
	inner := inter.NewDisable()
	assert.True(t, inter.isDisabledHere())
	inner.Close()
	assert.True(t, inter.isDisabledHere(), "outer guard should still be in effect")
	inter.bridge(10, addr, 0)
	assert.Equal(t, 0, calls, "handler must not run while a guard is held")
	outer.Close()
	assert.False(t, inter.isDisabledHere())

	inter.bridge(10, addr, 0)
	assert.Equal(t, 1, calls, "handler should run once interception is re-enabled")
}

// TestDisableIsPerThread checks that disabling on one OS thread doesn't
// affect dispatch on another, the SPEC_FULL.md resolution that scopes
// Disable per OS thread rather than per goroutine.
func TestDisableIsPerThread(t *testing.T) {
	native := &fakeNative{threadID: 1}
	handler := func(msg *Message) (Status, error) { return Handled, nil }
	inter := newTestInterceptor(native, handler)

	guard := inter.NewDisable()
	native.threadID = 2
	assert.False(t, inter.isDisabledHere(), "a different OS thread must not see the guard")
	native.threadID = 1
	assert.True(t, inter.isDisabledHere())
	guard.Close()
	assert.False(t, inter.isDisabledHere())
}
