package patch

import (
	"github.com/sirupsen/logrus"

	"github.com/tundra/conprx-sub000/errorkind"
	"github.com/tundra/conprx-sub000/isa"
	"github.com/tundra/conprx-sub000/memory"
)

// Set owns the shared resources a batch of Requests needs and drives the
// state machine spec §4.5 describes: prepare, open, write, close, with the
// write-permission window kept as narrow as possible.
type Set struct {
	mem      memory.Manager
	isaSet   isa.Set
	requests []*Request
	status   Status

	arena     memory.Block
	oldPerms  memory.Token
	log       *logrus.Entry
	hasOpened bool
}

// NewSet builds a patch set over the given requests, sharing one memory
// manager and instruction set between them.
func NewSet(mem memory.Manager, isaSet isa.Set, requests []*Request, log *logrus.Entry) *Set {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Set{mem: mem, isaSet: isaSet, requests: requests, status: NotApplied, log: log}
}

// Status returns the set's current lifecycle state.
func (s *Set) Status() Status { return s.status }

// Requests returns the requests owned by this set.
func (s *Set) Requests() []*Request { return s.requests }

// Apply installs every request's redirect (and trampoline, if asked for),
// following spec §4.5's ten-step algorithm. Either every request ends in
// Applied or the whole set ends in Failed; there is no partially-applied
// state visible once Apply returns.
func (s *Set) Apply() error {
	s.log.Debug("preparing to apply patch set")
	if len(s.requests) == 0 {
		s.status = Prepared
		s.status = Applied
		return nil
	}
	if err := s.prepareApply(); err != nil {
		s.status = Failed
		return err
	}
	if err := s.openForPatching(); err != nil {
		return err
	}

	writeErr := s.installRedirects()
	if writeErr == nil {
		writeErr = s.writeTrampolines()
	}
	if writeErr != nil {
		s.revertRedirects()
	}

	closeErr := s.closeAfterPatching()
	if writeErr != nil {
		s.status = Failed
		s.setRequestStatus(Failed)
		return writeErr
	}
	if closeErr != nil {
		s.status = Failed
		s.setRequestStatus(Failed)
		return closeErr
	}
	s.status = Applied
	s.setRequestStatus(Applied)
	return nil
}

// Revert restores every request's original bytes, the left inverse of
// Apply (spec §8). The stub arena itself is left allocated: spec.md §3's
// "Lifetimes" note ("the arena lives until the patch set is torn down,
// reverts do not free"). A later Apply on the same Set releases that arena
// and allocates a fresh one. Callers that are done with a Set entirely call
// Teardown to release the arena.
func (s *Set) Revert() error {
	if len(s.requests) == 0 {
		s.status = NotApplied
		return nil
	}
	if err := s.openForPatching(); err != nil {
		return err
	}
	s.revertRedirects()
	if err := s.closeAfterPatching(); err != nil {
		s.status = Failed
		return err
	}
	s.status = NotApplied
	s.clearRequestsOnRevert()
	return nil
}

// Teardown releases the stub arena. It must only be called once the Set
// itself is being discarded and will never be re-Applied or re-Reverted
// (e.g. once from Interceptor.Uninstall after the process commits to
// never reinstalling); calling it while the Set is still Applied
// invalidates every live trampoline.
func (s *Set) Teardown() error {
	return s.freeArena()
}

// freeArena releases the stub arena, if one was allocated. Safe to call
// more than once.
func (s *Set) freeArena() error {
	if s.arena.IsZero() {
		return nil
	}
	err := s.mem.Free(s.arena)
	s.arena = memory.Block{}
	return err
}

func (s *Set) setRequestStatus(status Status) {
	for _, r := range s.requests {
		r.status = status
	}
}

// clearRequestsOnRevert resets each request to NotApplied and wipes the
// trampoline/stub fields spec.md §3's data model ties to "prepared or
// later": after Revert those are no longer valid handles, since the
// arena behind them may be torn down by Teardown at any point from here
// on, and nothing should call through a stale trampoline in the interim.
func (s *Set) clearRequestsOnRevert() {
	for _, r := range s.requests {
		r.status = NotApplied
		r.trampoline = 0
		r.stub = stubSlots{}
	}
}

// prepareApply performs spec §4.5 steps 1-5: determine the address range,
// allocate the stub arena, verify proximity, compute each request's
// preamble, and choose its redirection strategy.
func (s *Set) prepareApply() error {
	// A re-Apply after Revert still holds the arena from the previous
	// cycle (Revert leaves it allocated); free it before replacing it so
	// repeated apply/revert/apply cycles on the same Set don't leak.
	if err := s.freeArena(); err != nil {
		return err
	}

	addrRange := s.determineAddressRange()
	patchRange := s.extendForWorstCaseRedirect(addrRange)
	s.log.WithField("range_start", patchRange.Start).WithField("range_size", patchRange.Size).
		Debug("determined patch range")

	arena, err := s.mem.AllocExecutable(patchRange.Start, StubSize*len(s.requests), s.fitsArena)
	if err != nil {
		return err
	}
	if arena.IsZero() {
		return errorkind.At(errorkind.NoMemoryInReach, patchRange.Start,
			"memory manager returned no arena for %d stub(s)", len(s.requests))
	}
	s.arena = arena

	for i, req := range s.requests {
		stub := stubSlots{base: arena.Addr + uintptr(i*StubSize)}
		req.stub = stub
		if err := s.isaSet.ValidateCodeLocations(req.Original, req.Replacement, stub.base); err != nil {
			return err
		}
		red, preambleSize, err := s.isaSet.SelectRedirection(req.Original, req.Replacement, req.banRel32())
		if err != nil {
			return err
		}
		req.redirection = red
		req.preambleSize = preambleSize
		req.preambleCopy = memory.ReadBytes(req.Original, preambleSize)
	}
	s.status = Prepared
	return nil
}

// fitsArena is the proximity predicate passed to AllocExecutable: every
// request's original function must be able to reach the candidate address
// with the architecture's short jump.
func (s *Set) fitsArena(candidate uintptr) bool {
	for _, req := range s.requests {
		if !s.isaSet.FitsJumpReach(req.Original, candidate) {
			return false
		}
	}
	return true
}

func (s *Set) determineAddressRange() memory.Region {
	lowest := s.requests[0].Original
	highest := s.requests[0].Original
	for _, req := range s.requests[1:] {
		if req.Original < lowest {
			lowest = req.Original
		}
		if req.Original > highest {
			highest = req.Original
		}
	}
	return memory.Region{Start: lowest, Size: int(highest-lowest) + 1}
}

func (s *Set) extendForWorstCaseRedirect(addrRange memory.Region) memory.Region {
	writeSize := s.isaSet.WorstCaseRedirectSizeBytes() + 1
	return memory.Region{Start: addrRange.Start, Size: addrRange.Size + writeSize}
}

func (s *Set) patchRange() memory.Region {
	return s.extendForWorstCaseRedirect(s.determineAddressRange())
}

func (s *Set) openForPatching() error {
	s.log.Debug("opening original code for writing")
	region := s.patchRange()
	tok, err := s.mem.OpenForWriting(region)
	if err != nil {
		s.status = Failed
		return err
	}
	s.oldPerms = tok
	s.hasOpened = true
	if err := s.validateOpenForPatching(); err != nil {
		s.status = Failed
		return err
	}
	s.status = AppliedOpen
	return nil
}

// validateOpenForPatching performs spec §4.5 step 7: a read-then-write
// round trip over every byte about to be overwritten, to catch memory
// that mis-reports itself as writable.
func (s *Set) validateOpenForPatching() error {
	for _, req := range s.requests {
		if err := memory.ValidateWritable(req.Original, req.redirection.Size()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) closeAfterPatching() error {
	s.log.Debug("closing original code for writing")
	if err := s.mem.CloseForWriting(s.patchRange(), s.oldPerms); err != nil {
		return err
	}
	s.hasOpened = false
	return nil
}

func (s *Set) installRedirects() error {
	s.log.Debug("installing redirects")
	for _, req := range s.requests {
		island := uintptr(0)
		if req.redirection.Kind == isa.KangarooRedirect {
			island = req.stub.islandAddr()
		}
		if err := s.isaSet.WriteRedirect(req.Original, req.Replacement, req.redirection, req.preambleSize, island); err != nil {
			return err
		}
	}
	s.log.Debug("successfully installed redirects")
	return nil
}

func (s *Set) writeTrampolines() error {
	for _, req := range s.requests {
		if !req.wantsTrampoline() {
			continue
		}
		trampolineAddr := req.stub.trampolineAddr()
		resumeAddr := req.Original + uintptr(req.preambleSize)
		if err := s.isaSet.WriteTrampoline(trampolineAddr, req.preambleCopy, resumeAddr); err != nil {
			return err
		}
		req.trampoline = trampolineAddr
	}
	return nil
}

func (s *Set) revertRedirects() {
	s.log.Debug("reverting redirects")
	for _, req := range s.requests {
		memory.WriteBytes(req.Original, req.preambleCopy)
	}
	s.log.Debug("successfully reverted redirects")
}
