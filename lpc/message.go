// Package lpc intercepts NtRequestWaitReplyPort, the Local Procedure Call
// primitive the Windows console client library uses to talk to the console
// server, and exposes the decoded messages to a Handler (spec §2, §4.6).
package lpc

import (
	"unsafe"

	"github.com/tundra/conprx-sub000/memory"
)

func ptrAt(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

// Destination names which well-known port a message was addressed to.
// Everything else passes straight through to the real implementation.
type Destination int

const (
	DestinationUnknown Destination = iota
	DestinationConsole
	DestinationBase
)

func (d Destination) String() string {
	switch d {
	case DestinationConsole:
		return "console"
	case DestinationBase:
		return "base"
	default:
		return "unknown"
	}
}

// AddressXform converts pointers embedded in a message from the console
// server's address space to this process's, the delta calibration exists
// to compute (spec §4.6's "address transform").
type AddressXform struct {
	delta int64
}

// NewAddressXform builds a transform from a known (local, remote) pair of
// addresses that name the same object.
func NewAddressXform(local, remote uintptr) AddressXform {
	return AddressXform{delta: int64(local) - int64(remote)}
}

// RemoteToLocal maps a pointer from the server's address space into ours.
// The zero pointer always maps to itself.
func (x AddressXform) RemoteToLocal(remote uintptr) uintptr {
	if remote == 0 {
		return 0
	}
	return uintptr(int64(remote) + x.delta)
}

// Delta returns the signed offset RemoteToLocal adds to remote pointers. It
// does not say whether calibration has run: the zero-value transform
// (delta 0) is indistinguishable from "no address space difference", which
// some hosts legitimately have, so callers that need to know should track
// calibration completion separately.
func (x AddressXform) Delta() int64 { return x.delta }

// PortMessageHeader mirrors the generic LPC port_message_data_t: the part
// every message, console or not, carries.
type PortMessageHeader struct {
	DataLength     uint16
	TotalLength    uint16
	Type           uint16
	DataInfoOffset uint16
	ClientID       [16]byte
	MessageID      uint32
	ClientViewSize uintptr
}

// CaptureBufferData mirrors capture_buffer_data_t: the header of an
// out-of-line data region a message can reference, living in the server's
// address space.
type CaptureBufferData struct {
	Length               uint32
	RelatedCaptureBuffer uintptr
	CountMessagePointers uint32
	FreeSpace            uintptr
	FirstPointerOffset   uint32
}

const captureBufferDataSize = 4 + 8 + 4 + 8 + 4

// MessageData mirrors message_data_t, the console-specific superset of a
// port message: the header, a pointer to an optional capture buffer, the
// api number that selects which console API call this is, and a fixed
// scratch payload big enough for every FOR_EACH_LPC_FUNCTION argument shape
// this agent knows about.
type MessageData struct {
	Header       PortMessageHeader
	CaptureBuf   uintptr
	APINumber    uint32
	ReturnValue  int32
	Reserved     uint32
	PayloadBytes [32]byte
}

// Message wraps a console message with the Destination it was headed to
// and the address transform needed to read any capture buffer it
// references.
type Message struct {
	Destination Destination
	PortHandle  uintptr
	Data        *MessageData
	Xform       AddressXform
}

// TotalSize returns the message's declared total length, header included.
func (m *Message) TotalSize() int { return int(m.Data.Header.TotalLength) }

// DataSize returns the message's declared payload length, header excluded.
func (m *Message) DataSize() int { return int(m.Data.Header.DataLength) }

// APINumber returns the raw api number (spec's api_number), encoding both
// a dll index and an api index.
func (m *Message) APINumber() uint32 { return m.Data.APINumber }

// DLLIndex extracts the high word of the api number, which selects which
// of the console DLLs a call logically belongs to.
func (m *Message) DLLIndex() uint16 { return uint16(m.Data.APINumber >> 16) }

// APIIndex extracts the low word of the api number, the specific call
// within that DLL.
func (m *Message) APIIndex() uint16 { return uint16(m.Data.APINumber) }

// CaptureBuffer returns a wrapper over the message's capture buffer. It is
// always safe to call, even when the message carries none: Count then
// reads as zero.
func (m *Message) CaptureBuffer() *CaptureBuffer {
	return &CaptureBuffer{remote: m.Data.CaptureBuf, xform: m.Xform}
}

// CaptureBuffer wraps the out-of-line data a message can reference,
// translating addresses through an AddressXform so its accessors always
// return pointers this process can actually dereference.
type CaptureBuffer struct {
	remote uintptr
	xform  AddressXform
}

func (c *CaptureBuffer) local() *CaptureBufferData {
	if c.remote == 0 {
		return nil
	}
	localAddr := c.xform.RemoteToLocal(c.remote)
	return (*CaptureBufferData)(ptrAt(localAddr))
}

// Count returns the number of blocks allocated within this buffer, or 0
// if the message carries no capture buffer at all.
func (c *CaptureBuffer) Count() int {
	local := c.local()
	if local == nil {
		return 0
	}
	return int(local.CountMessagePointers)
}

// Block returns the index'th block of data within this buffer. index must
// be less than Count(); out-of-range indices return nil, the same "no
// crash on the there-is-none case" guarantee the original wrapper gives.
func (c *CaptureBuffer) Block(index int) []byte {
	local := c.local()
	if local == nil || index < 0 || index >= int(local.CountMessagePointers) {
		return nil
	}
	offsetsBase := c.xform.RemoteToLocal(c.remote) + captureBufferDataSize
	offsets := offsetSlice(offsetsBase, int(local.CountMessagePointers)+1)
	start := offsets[index]
	end := offsets[index+1]
	if end < start {
		return nil
	}
	blockAddr := c.xform.RemoteToLocal(uintptr(start))
	return memory.ReadBytes(blockAddr, int(end-start))
}

func offsetSlice(addr uintptr, n int) []uint32 {
	raw := memory.ReadBytes(addr, n*4)
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
	}
	return out
}
