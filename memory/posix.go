package memory

import (
	"os"
	"syscall"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	"github.com/tundra/conprx-sub000/errorkind"
)

// posixManager implements Manager with mmap-go. cmd/agent selects it when
// the POSIX memory backend is configured (see SPEC_FULL.md's resolution of
// the POSIX patching path Open Question); the repository's tests do not use
// it. mmap-go's Map/MapRegion always map a *os.File; there is no
// portable anonymous-mapping entry point in its API, so this backend uses
// the classic map-/dev/zero trick to get anonymous-equivalent pages.
type posixManager struct {
	zero *os.File
}

// NewPOSIXManager opens /dev/zero once and returns a Manager backed by it.
func NewPOSIXManager() (Manager, error) {
	f, err := os.OpenFile("/dev/zero", os.O_RDWR, 0)
	if err != nil {
		return nil, errorkind.At(errorkind.NoMemoryInReach, 0, "opening /dev/zero: %v", err)
	}
	return &posixManager{zero: f}, nil
}

// sliceAddr returns the address of the first byte backing an mmap'd region.
func sliceAddr(b mmap.MMap) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func (m *posixManager) OpenForWriting(region Region) (Token, error) {
	// This backend changes no page permissions: opening is a no-op and
	// the token just records RWX. Only regions that are already writable,
	// such as the RWX pages AllocExecutable maps, can be patched through it.
	return Token(syscall.PROT_READ | syscall.PROT_WRITE | syscall.PROT_EXEC), nil
}

func (m *posixManager) CloseForWriting(region Region, tok Token) error {
	return nil
}

func (m *posixManager) AllocExecutable(anchor uintptr, size int, fits func(uintptr) bool) (Block, error) {
	pageSize := syscall.Getpagesize()
	aligned := ((size + pageSize - 1) / pageSize) * pageSize
	region, err := mmap.MapRegion(m.zero, aligned, mmap.RDWR|mmap.EXEC, 0, 0)
	if err != nil {
		return Block{}, errorkind.At(errorkind.NoMemoryInReach, anchor, "mmap: %v", err)
	}
	addr := sliceAddr(region)
	if fits != nil && !regionFits(addr, size, fits) {
		_ = region.Unmap()
		return Block{}, errorkind.At(errorkind.NoMemoryInReach, anchor,
			"posix test backend placed memory outside the requested proximity window")
	}
	return Block{
		Addr: addr,
		Size: size,
		release: func() error {
			return region.Unmap()
		},
	}, nil
}

func (m *posixManager) Free(b Block) error {
	if b.release == nil {
		return nil
	}
	return b.release()
}
