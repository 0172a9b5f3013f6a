// Package config reads the small set of environment-driven knobs the agent
// core needs at injection time, using github.com/xyproto/env/v2 the way
// xyproto-vibe67 reads its own build configuration from the environment.
package config

import (
	"runtime"
	"time"

	env "github.com/xyproto/env/v2"
)

// MemoryBackend selects which memory.Manager implementation the agent
// wires up. This resolves the first Open Question in SPEC_FULL.md: the
// POSIX backend lets cmd/agent be wired on a non-Windows host, the Windows
// backend is what a real injected agent uses.
type MemoryBackend string

const (
	BackendWindows MemoryBackend = "windows"
	BackendPOSIX   MemoryBackend = "posix"
)

// Config holds everything read from the environment once at startup.
type Config struct {
	// LogLevel is a logrus level name.
	LogLevel string
	// CalibrationTimeout is read from CONPRX_CALIBRATION_TIMEOUT_MS. No
	// other package reads it: calibration phases run synchronously and
	// fail as soon as the provoking call returns without having reached
	// the patched port, with no wall-clock bound.
	CalibrationTimeout time.Duration
	// ArenaStubCount is read from CONPRX_ARENA_STUB_COUNT. No other
	// package reads it: patch.Set sizes its arena by its own request
	// count and reserves no extra stubs.
	ArenaStubCount int
	// MemoryBackend selects the memory manager implementation.
	MemoryBackend MemoryBackend
}

const (
	envLogLevel            = "CONPRX_LOG_LEVEL"
	envCalibrationTimeout  = "CONPRX_CALIBRATION_TIMEOUT_MS"
	envArenaStubCount      = "CONPRX_ARENA_STUB_COUNT"
	envMemoryBackend       = "CONPRX_MEMORY_BACKEND"
	defaultCalibrationMS   = 2000
	defaultArenaStubCount  = 4
)

// FromEnvironment loads a Config from the process environment, falling
// back to production-sane defaults for anything unset.
func FromEnvironment() *Config {
	backend := BackendPOSIX
	if runtime.GOOS == "windows" {
		backend = BackendWindows
	}
	switch env.Str(envMemoryBackend, "") {
	case string(BackendPOSIX):
		backend = BackendPOSIX
	case string(BackendWindows):
		backend = BackendWindows
	}
	return &Config{
		LogLevel:           env.Str(envLogLevel, "info"),
		CalibrationTimeout: time.Duration(env.Int(envCalibrationTimeout, defaultCalibrationMS)) * time.Millisecond,
		ArenaStubCount:     env.Int(envArenaStubCount, defaultArenaStubCount),
		MemoryBackend:      backend,
	}
}
