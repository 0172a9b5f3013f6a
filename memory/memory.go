// Package memory implements the page-granular permission flips and the
// proximity-constrained executable allocator that the patching engine
// builds on (spec §4.1). Two backends exist: windowsManager, used by a real
// injected agent, and posixManager, which cmd/agent selects off Windows
// (see SPEC_FULL.md's resolution of the POSIX patching path Open Question).
package memory

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/tundra/conprx-sub000/errorkind"
)

// Token is the opaque previous-permissions value returned by
// OpenForWriting and required to close it again.
type Token uint32

// Region is a byte-addressable span of the current process's address
// space. Start/Size are always known; Region never implies anything about
// page alignment, that's handled internally by each Manager implementation.
type Region struct {
	Start uintptr
	Size  int
}

// End returns the address one past the last byte in the region.
func (r Region) End() uintptr { return r.Start + uintptr(r.Size) }

// Block is executable memory returned by AllocExecutable.
type Block struct {
	Addr uintptr
	Size int

	// release frees the underlying OS mapping. nil for placements the
	// Manager doesn't know how to free individually.
	release func() error
}

// IsZero reports whether this is the zero Block (the "none" result
// AllocExecutable returns on failure).
func (b Block) IsZero() bool { return b.Addr == 0 }

// Region views this block as a Region for permission operations.
func (b Block) Region() Region { return Region{Start: b.Addr, Size: b.Size} }

// Manager is the platform abstraction spec §4.1 and §6 describe:
// change_permissions / allocate_near / free.
type Manager interface {
	// OpenForWriting grants write permission across every page the
	// region touches and returns a token describing the prior
	// permissions.
	OpenForWriting(region Region) (Token, error)
	// CloseForWriting restores the permissions described by tok exactly.
	CloseForWriting(region Region, tok Token) error
	// AllocExecutable obtains a read/write/execute region positioned
	// such that fits(candidateAddr) holds for every byte of the
	// returned block, or returns the zero Block if no such placement
	// exists.
	AllocExecutable(anchor uintptr, size int, fits func(candidate uintptr) bool) (Block, error)
	// Free releases a block obtained from AllocExecutable.
	Free(b Block) error
}

// ReadBytes copies n bytes starting at addr out of the current process's
// address space. There is no way to make this safe in the general case:
// callers are responsible for knowing addr..addr+n is mapped and readable.
func ReadBytes(addr uintptr, n int) []byte {
	if n == 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	out := make([]byte, n)
	copy(out, src)
	return out
}

// WriteBytes copies data into the current process's address space starting
// at addr. Callers must have opened the covering pages for writing first.
func WriteBytes(addr uintptr, data []byte) {
	if len(data) == 0 {
		return
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data))
	copy(dst, data)
}

// ValidateWritable performs the read-then-write round trip spec §4.5 step 7
// calls for: it catches memory that reports itself open for writing but
// actually isn't, by writing each byte back unchanged and trusting that a
// truly read-only page will fault or silently drop the write, which the
// caller can detect by re-reading.
func ValidateWritable(addr uintptr, n int) error {
	view := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	for i := 0; i < n; i++ {
		value := view[i]
		view[i] = value
		if view[i] != value {
			return errorkind.At(errorkind.WriteValidationFailed, addr+uintptr(i),
				"byte did not round-trip after write")
		}
	}
	return nil
}

// pageRanges splits region into one Region per OS page of size pageSize
// that the region touches, per spec §4.1's "implementations must iterate
// per page rather than assuming a single-page region".
func pageRanges(region Region, pageSize int) []Region {
	if region.Size <= 0 {
		return nil
	}
	first := region.Start - (region.Start % uintptr(pageSize))
	last := region.End() - 1
	lastPage := last - (last % uintptr(pageSize))
	var out []Region
	for p := first; p <= lastPage; p += uintptr(pageSize) {
		out = append(out, Region{Start: p, Size: pageSize})
	}
	return out
}

// errPermissionDenied wraps an OS-level permission failure with the
// standard diagnostic kind.
func errPermissionDenied(addr uintptr, cause error) error {
	return errorkind.Wrap(errorkind.PagePermissionDenied, errors.WithStack(cause), addr)
}
