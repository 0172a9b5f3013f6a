// Command agent is the process-side entry point injected into a target
// process to intercept its console LPC traffic (spec §2). Wiring the RPC
// transport that would carry intercepted messages out to a controlling
// host process, and the console-semantic backend that would answer them,
// is explicitly out of scope (spec.md §1's Non-goals): this binary stops
// at the lpc.Handler boundary and logs what it sees.
package main

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tundra/conprx-sub000/config"
	"github.com/tundra/conprx-sub000/isa"
	"github.com/tundra/conprx-sub000/logging"
	"github.com/tundra/conprx-sub000/lpc"
	"github.com/tundra/conprx-sub000/memory"
)

func main() {
	cfg := config.FromEnvironment()
	log := logging.New(cfg.LogLevel)
	entry := logging.Component(log, "agent")

	if cfg.MemoryBackend == config.BackendWindows && runtime.GOOS != "windows" {
		entry.Fatal("windows memory backend requested on a non-windows host")
	}

	mem, err := newMemoryManager(cfg)
	if err != nil {
		entry.WithError(err).Fatal("failed to set up memory backend")
	}
	arch := hostArch()
	native := newNative(cfg)

	interceptor := lpc.NewInterceptor(native, mem, arch, loggingHandler(entry), entry)

	if err := interceptor.Install(); err != nil {
		entry.WithError(err).Fatal("failed to install LPC interceptor")
	}
	entry.Info("LPC interceptor installed and calibrated")

	waitForShutdown(entry)

	if err := interceptor.Uninstall(); err != nil {
		entry.WithError(err).Error("failed to uninstall LPC interceptor cleanly")
	}
}

func newMemoryManager(cfg *config.Config) (memory.Manager, error) {
	if cfg.MemoryBackend == config.BackendPOSIX {
		return memory.NewPOSIXManager()
	}
	return memory.NewWindowsManager(), nil
}

func newNative(cfg *config.Config) lpc.Native {
	if cfg.MemoryBackend == config.BackendPOSIX {
		// No real console server to calibrate against off Windows; this
		// path exists purely so the wiring above can be exercised in
		// tests without a Windows host.
		return lpc.NewNullNative()
	}
	return lpc.NewWindowsNative()
}

func hostArch() isa.Arch {
	if runtime.GOARCH == "386" {
		return isa.I386
	}
	return isa.AMD64
}

// loggingHandler is the placeholder lpc.Handler the module map describes:
// it records what it saw and always passes the message through to the
// real console server, since reimplementing the console protocol itself
// is explicitly out of scope.
func loggingHandler(log *logrus.Entry) lpc.Handler {
	return func(msg *lpc.Message) (lpc.Status, error) {
		log.WithFields(logrus.Fields{
			"destination": msg.Destination.String(),
			"api_number":  msg.APINumber(),
			"dll_index":   msg.DLLIndex(),
			"api_index":   msg.APIIndex(),
		}).Debug("intercepted console LPC message")
		return lpc.PassThrough, nil
	}
}

func waitForShutdown(log *logrus.Entry) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	log.WithField("signal", s.String()).Info("received shutdown signal")
}
