package memory

import (
	"syscall"

	"golang.org/x/sys/windows"

	"github.com/tundra/conprx-sub000/errorkind"
)

const (
	memCommit    = windows.MEM_COMMIT
	memReserve   = windows.MEM_RESERVE
	memRelease   = windows.MEM_RELEASE
	pageExecRW   = windows.PAGE_EXECUTE_READWRITE
	searchStride = 0x10000 // 64KiB, Windows's allocation granularity
	maxSearchTry = 4096    // bounds the anchor-proximity search below
)

// windowsManager implements Manager on top of golang.org/x/sys/windows,
// the way xyproto-vibe67 and go-interpreter-wagon reach for golang.org/x/sys
// rather than the lower-level, narrower stdlib "syscall" package.
type windowsManager struct {
	process windows.Handle
}

// NewWindowsManager returns the production Manager for an injected agent.
func NewWindowsManager() Manager {
	return &windowsManager{process: windows.CurrentProcess()}
}

func (m *windowsManager) OpenForWriting(region Region) (Token, error) {
	var old uint32
	// VirtualProtect covers every page the region spans in one call on
	// Windows. The caller then checks the bytes it will overwrite with
	// ValidateWritable; pageRanges is not used here.
	if err := windows.VirtualProtect(region.Start, uintptr(region.Size), pageExecRW, &old); err != nil {
		return 0, errPermissionDenied(region.Start, err)
	}
	return Token(old), nil
}

func (m *windowsManager) CloseForWriting(region Region, tok Token) error {
	var old uint32
	if err := windows.VirtualProtect(region.Start, uintptr(region.Size), uint32(tok), &old); err != nil {
		return errPermissionDenied(region.Start, err)
	}
	if err := windows.FlushInstructionCache(m.process, region.Start, uintptr(region.Size)); err != nil {
		return errPermissionDenied(region.Start, err)
	}
	return nil
}

func (m *windowsManager) AllocExecutable(anchor uintptr, size int, fits func(uintptr) bool) (Block, error) {
	pageSize := uintptr(syscall.Getpagesize())
	aligned := (uintptr(size) + pageSize - 1) &^ (pageSize - 1)

	try := func(addr uintptr) (Block, bool) {
		got, err := windows.VirtualAlloc(addr, aligned, memCommit|memReserve, pageExecRW)
		if err != nil || got == 0 {
			return Block{}, false
		}
		if !regionFits(got, size, fits) {
			_ = windows.VirtualFree(got, 0, memRelease)
			return Block{}, false
		}
		return Block{Addr: got, Size: size, release: func() error {
			return windows.VirtualFree(got, 0, memRelease)
		}}, true
	}

	// Let the OS place it first; if that happens to satisfy the
	// proximity predicate (common when the anchor is itself near the
	// top of the address space and the OS default placement is low) we
	// save a search.
	if b, ok := try(0); ok {
		return b, nil
	}

	// Otherwise probe outward from the anchor in both directions, one
	// allocation granularity at a time, matching the technique real
	// inline-hook libraries use since Windows has no MAP_32BIT
	// equivalent to ask for a proximate placement directly.
	base := anchor &^ (searchStride - 1)
	for i := uintptr(1); i <= maxSearchTry; i++ {
		offset := i * searchStride
		if b, ok := try(base + offset); ok {
			return b, nil
		}
		if offset < base { // guard against underflow near address 0
			if b, ok := try(base - offset); ok {
				return b, nil
			}
		}
	}
	return Block{}, errorkind.At(errorkind.NoMemoryInReach, anchor,
		"no executable region found within proximity of 0x%x after %d probes", anchor, maxSearchTry)
}

func (m *windowsManager) Free(b Block) error {
	if b.release == nil {
		return nil
	}
	if err := b.release(); err != nil {
		return errPermissionDenied(b.Addr, err)
	}
	return nil
}

func regionFits(addr uintptr, size int, fits func(uintptr) bool) bool {
	if fits == nil {
		return true
	}
	return fits(addr) && fits(addr+uintptr(size)-1)
}
