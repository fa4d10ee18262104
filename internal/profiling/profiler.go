// Package profiling records CPU, heap and goroutine profiles for one server
// run into a directory.
package profiling

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// Options configures a profiling session.
type Options struct {
	// Dir receives the profile files. It is created if missing.
	Dir string

	// Trace also records an execution trace. Traces grow quickly; use it
	// for short runs only.
	Trace bool
}

// Session is a running profile. CPU profiling (and tracing, if enabled)
// runs from Start until Stop; point-in-time profiles are written at Stop.
type Session struct {
	dir       string
	cpuFile   *os.File
	traceFile *os.File
	written   []string
}

// Snapshot profiles written when a session stops.
var stopProfiles = []string{"heap", "allocs", "goroutine", "block"}

// Start begins a profiling session.
func Start(opts Options) (*Session, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("profile directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	s := &Session{dir: opts.Dir}

	cpuPath := filepath.Join(opts.Dir, "cpu.prof")
	f, err := os.Create(cpuPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create CPU profile file: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to start CPU profile: %w", err)
	}
	s.cpuFile = f
	s.written = append(s.written, cpuPath)

	if opts.Trace {
		tracePath := filepath.Join(opts.Dir, "trace.out")
		tf, err := os.Create(tracePath)
		if err != nil {
			s.stopCPU()
			return nil, fmt.Errorf("failed to create trace file: %w", err)
		}
		if err := trace.Start(tf); err != nil {
			_ = tf.Close()
			s.stopCPU()
			return nil, fmt.Errorf("failed to start trace: %w", err)
		}
		s.traceFile = tf
		s.written = append(s.written, tracePath)
	}
	return s, nil
}

func (s *Session) stopCPU() {
	if s.cpuFile == nil {
		return
	}
	pprof.StopCPUProfile()
	_ = s.cpuFile.Close()
	s.cpuFile = nil
}

// Snapshot writes the named runtime profile (heap, allocs, goroutine,
// block, mutex, threadcreate) to <dir>/<name>.prof.
func (s *Session) Snapshot(name string) error {
	p := pprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("unknown profile %q", name)
	}
	path := filepath.Join(s.dir, name+".prof")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s profile file: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	if name == "heap" || name == "allocs" {
		// Up-to-date statistics need a completed GC cycle.
		runtime.GC()
	}
	debug := 0
	if name == "goroutine" {
		debug = 1
	}
	if err := p.WriteTo(f, debug); err != nil {
		return fmt.Errorf("failed to write %s profile: %w", name, err)
	}
	s.written = append(s.written, path)
	return nil
}

// Stop ends CPU profiling and tracing, writes the snapshot profiles and
// returns every file the session wrote. Stop is idempotent.
func (s *Session) Stop() ([]string, error) {
	if s.cpuFile == nil && s.traceFile == nil {
		return s.written, nil
	}
	s.stopCPU()
	if s.traceFile != nil {
		trace.Stop()
		_ = s.traceFile.Close()
		s.traceFile = nil
	}

	var errs []error
	for _, name := range stopProfiles {
		errs = append(errs, s.Snapshot(name))
	}
	return s.written, errors.Join(errs...)
}

// Dir returns the directory profiles are written to.
func (s *Session) Dir() string {
	return s.dir
}
