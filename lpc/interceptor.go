package lpc

import (
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/tundra/conprx-sub000/errorkind"
	"github.com/tundra/conprx-sub000/isa"
	"github.com/tundra/conprx-sub000/memory"
	"github.com/tundra/conprx-sub000/patch"
)

func addrOfMessage(m *MessageData) uintptr    { return uintptr(unsafe.Pointer(m)) }
func addrOfCapbuf(b *CaptureBufferData) uintptr { return uintptr(unsafe.Pointer(b)) }

// ntRequestWaitReplyPortName is the ntdll export this interceptor
// redirects (spec §2's "the one patched routine").
const ntRequestWaitReplyPortName = "NtRequestWaitReplyPort"

// getConsoleCPAPINumber is the reserved api number the calibration driver
// recognizes as "I am the locate-CCCS probe", never actually sent to the
// real console server (the original's kGetConsoleCPApiNumber).
const getConsoleCPAPINumber = 0x3c

// Interceptor owns the single patched NtRequestWaitReplyPort and the
// calibration state needed to make sense of what it intercepts (spec §4.6).
type Interceptor struct {
	native Native
	mem    memory.Manager
	isaSet isa.Set

	handler Handler
	log     *logrus.Entry

	set      *patch.Set
	request  *patch.Request
	original uintptr

	mu          sync.Mutex
	disabledOn  map[uint32]bool
	xform       AddressXform
	consolePort uintptr
	basePort    uintptr

	locating        bool
	cccs            uintptr
	determining     bool
	calibrationHook func(*MessageData)
}

// NewInterceptor builds an interceptor that will dispatch intercepted
// console messages to handler once installed.
func NewInterceptor(native Native, mem memory.Manager, arch isa.Arch, handler Handler, log *logrus.Entry) *Interceptor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log.WithField("grows_down", inferStackDirection()).Debug("inferred native stack direction")
	return &Interceptor{
		native:     native,
		mem:        mem,
		isaSet:     isa.For(arch),
		handler:    handler,
		log:        log,
		disabledOn: make(map[uint32]bool),
	}
}

// Install resolves NtRequestWaitReplyPort, patches it to redirect into
// this interceptor's bridge, and runs calibration against the live
// console server.
func (i *Interceptor) Install() error {
	ntdll, err := i.native.ModuleHandle("ntdll.dll")
	if err != nil {
		return wrapNativeErr("resolving ntdll.dll", err)
	}
	original, err := i.native.ProcAddress(ntdll, ntRequestWaitReplyPortName)
	if err != nil {
		return wrapNativeErr("resolving NtRequestWaitReplyPort", err)
	}
	i.original = original

	replacement := i.native.NewCallback(i.bridge)
	i.request = patch.NewRequest(original, replacement, patch.MakeTrampoline)
	i.set = patch.NewSet(i.mem, i.isaSet, []*patch.Request{i.request}, i.log)
	if err := i.set.Apply(); err != nil {
		return err
	}

	i.log.Debug("patched NtRequestWaitReplyPort, starting calibration")
	if err := i.calibrate(); err != nil {
		_ = i.set.Revert()
		return err
	}
	return nil
}

// Uninstall restores NtRequestWaitReplyPort to its original bytes and
// releases the stub arena. This interceptor must not be reinstalled
// afterward: Revert alone would leave the arena allocated (spec.md §3's
// "reverts do not free"), but Uninstall commits to the interceptor being
// discarded, so it also tears the arena down.
func (i *Interceptor) Uninstall() error {
	if i.set == nil {
		return nil
	}
	if err := i.set.Revert(); err != nil {
		return err
	}
	return i.set.Teardown()
}

// Disable suppresses redirection on the calling OS thread for its
// lifetime, restoring whatever was in effect before on Close. Calibration
// and the handler itself use this to make their own console API calls
// without recursing back into interception (spec §6's reentrancy rule).
// It is scoped per OS thread, not per goroutine, because the bridge runs
// directly off patched machine code with no Go scheduler context to key
// off of (SPEC_FULL.md's resolution of the Disable-scope Open Question).
type Disable struct {
	interceptor *Interceptor
	threadID    uint32
	wasDisabled bool
}

// NewDisable begins a disabled scope on the calling OS thread.
func (i *Interceptor) NewDisable() *Disable {
	tid := i.native.CurrentThreadID()
	i.mu.Lock()
	was := i.disabledOn[tid]
	i.disabledOn[tid] = true
	i.mu.Unlock()
	return &Disable{interceptor: i, threadID: tid, wasDisabled: was}
}

// Close restores the previous enabled/disabled state for the thread this
// Disable was created on.
func (d *Disable) Close() {
	d.interceptor.mu.Lock()
	if d.wasDisabled {
		d.interceptor.disabledOn[d.threadID] = true
	} else {
		delete(d.interceptor.disabledOn, d.threadID)
	}
	d.interceptor.mu.Unlock()
}

func (i *Interceptor) isDisabledHere() bool {
	tid := i.native.CurrentThreadID()
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.disabledOn[tid]
}

// bridge is the function whose address gets installed over
// NtRequestWaitReplyPort. It has to be callable from raw patched machine
// code, hence the uintptr-only signature syscall.NewCallback demands.
func (i *Interceptor) bridge(port, request, reply uintptr) uintptr {
	if i.isDisabledHere() {
		return i.callThrough(port, request, reply)
	}

	data := (*MessageData)(ptrAt(request))
	if data.APINumber == calibrationAPINumber && i.calibrationHook != nil {
		i.calibrationHook(data)
		return 0
	}
	if i.locating && data.APINumber == getConsoleCPAPINumber {
		i.handleLocateProbe(port)
		return 0
	}
	if i.determining {
		i.basePort = port
		i.determining = false
		return 0
	}

	var destination Destination
	switch port {
	case i.consolePort:
		destination = DestinationConsole
	case i.basePort:
		destination = DestinationBase
	default:
		return i.callThrough(port, request, reply)
	}

	msg := &Message{Destination: destination, PortHandle: port, Data: data, Xform: i.xform}
	guard := i.NewDisable()
	status, err := i.handler(msg)
	guard.Close()
	if err != nil || status == PassThrough {
		return i.callThrough(port, request, reply)
	}
	return 0
}

// callThrough invokes the preserved trampoline, i.e. the original
// NtRequestWaitReplyPort behaviour, for messages the handler chose not to
// intercept.
func (i *Interceptor) callThrough(port, request, reply uintptr) uintptr {
	trampoline := i.request.Trampoline()
	if trampoline == 0 {
		return 0
	}
	return i.native.CallRaw(trampoline, port, request, reply)
}

func wrapNativeErr(context string, err error) error {
	return errorkind.New(errorkind.CalibrationMismatch, "%s: %v", context, err)
}

// calibrate runs the three-phase sequence spec §4.6 describes: locate
// ConsoleClientCallServer, determine the base port, then derive the
// address transform by sending a synthetic message through CCCS and
// comparing the local and remote views of its capture buffer.
func (i *Interceptor) calibrate() error {
	if err := i.locateCCCS(); err != nil {
		return err
	}
	if err := i.determineBasePort(); err != nil {
		return err
	}
	return i.calibrateAddressXform()
}

// locateCCCS triggers GetConsoleCP, which internally calls
// ConsoleClientCallServer and then NtRequestWaitReplyPort, landing back in
// bridge with the real stack still live. handleLocateProbe does the actual
// address-inference work from there.
func (i *Interceptor) locateCCCS() error {
	i.locating = true
	i.native.GetConsoleCP()
	i.locating = false
	if i.cccs == 0 {
		return errorkind.New(errorkind.CalibrationMismatch, "GetConsoleCP never reached the patched LPC port")
	}
	return nil
}

// handleLocateProbe runs inside bridge while locating is true: it captures
// the live stack trace and resolves ConsoleClientCallServer from it,
// cross-checked against a scan of GetConsoleCP's own body.
func (i *Interceptor) handleLocateProbe(port uintptr) {
	i.consolePort = port
	scratch := make([]uintptr, locateCCCSStackDepth)
	n := i.native.CaptureStackTrace(0, scratch)
	stack := scratch[:n]

	kernel32, err := i.native.ModuleHandle("kernel32.dll")
	if err != nil {
		return
	}
	getConsoleCP, err := i.native.ProcAddress(kernel32, "GetConsoleCP")
	if err != nil || getConsoleCP == 0 {
		return
	}
	blob := i.native.FunctionBlob
	tmpl := stackTemplate{
		bridge:     i.replacementAddr(),
		cccsSize:   functionBlobSize,
		getConsole: getConsoleCP,
	}
	cccs, err := resolveCCCS(stack, tmpl, getConsoleCP, i.isaSet.Arch() == isa.I386, blob)
	if err != nil {
		i.log.WithError(err).Warn("calibration could not resolve ConsoleClientCallServer")
		return
	}
	i.cccs = cccs
}

func (i *Interceptor) replacementAddr() uintptr {
	if i.request == nil {
		return 0
	}
	return i.request.Replacement
}

// determineBasePort triggers GetProcessShutdownParameters, whose
// underlying LPC call goes to a different, unnamed port than the console
// port. Intercepting that call is the only way to learn its handle.
func (i *Interceptor) determineBasePort() error {
	i.determining = true
	i.native.GetProcessShutdownParameters()
	i.determining = false
	if i.basePort == 0 {
		return errorkind.New(errorkind.CalibrationMismatch, "GetProcessShutdownParameters never reached the patched LPC port")
	}
	return nil
}

// calibrationAPINumber is the sentinel api number calibration's synthetic
// message carries; seeing it identifies the calibration message itself
// inside bridge, the same role kCalibrationApiNumber plays in the original.
const calibrationAPINumber = 0xdecade

// calibrateAddressXform drives ConsoleClientCallServer directly with a
// message pointing at a local capture buffer, intercepts the resulting LPC
// call, and compares the local buffer's address to the one the interceptor
// observed in the intercepted request to derive the delta (spec §4.6's
// address transform, mirroring PortView::infer_calibration).
func (i *Interceptor) calibrateAddressXform() error {
	var localMessage MessageData
	var localCapbuf CaptureBufferData
	localMessage.CaptureBuf = addrOfCapbuf(&localCapbuf)

	observedRemote := uintptr(0)
	prevHook := i.calibrationHook
	i.calibrationHook = func(msg *MessageData) {
		observedRemote = msg.CaptureBuf
	}
	defer func() { i.calibrationHook = prevHook }()

	i.native.CallRaw(i.cccs, addrOfMessage(&localMessage), addrOfCapbuf(&localCapbuf),
		uintptr(calibrationAPINumber), uintptr(0))

	if observedRemote == 0 {
		return errorkind.New(errorkind.CalibrationTimeout, "calibration message never reached the patched LPC port")
	}
	i.xform = NewAddressXform(addrOfCapbuf(&localCapbuf), observedRemote)
	return nil
}
