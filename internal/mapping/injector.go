package mapping

import (
	"errors"
	"sync/atomic"
)

// ErrSyscallMmap and ErrSyscallMadvise classify injected syscall
// failures so callers can distinguish which primitive failed.
var (
	ErrSyscallMmap    = errors.New("mapping: injected mmap failure")
	ErrSyscallMadvise = errors.New("mapping: injected madvise failure")
)

// Point names a failure-injection point.
type Point string

const (
	PointNone    Point = "none"
	PointMmap    Point = "mmap"
	PointMadvise Point = "madvise"
)

// injectorState arms a single named failure point to fire exactly once.
// Process-global, test-only.
type injectorState struct {
	armed atomic.Value // Point
}

func newInjectorState() *injectorState {
	s := &injectorState{}
	s.armed.Store(PointNone)
	return s
}

// injector is the single process-wide failure-injection toggle shared by
// both the unix and fallback mapping backends.
var injector = newInjectorState()

// Arm arms a single point to fail on its next invocation.
func Arm(point Point) {
	injector.armed.Store(point)
}

// Disarm clears any armed injection point.
func Disarm() {
	injector.armed.Store(PointNone)
}

func (s *injectorState) shouldFail(point string) bool {
	cur, _ := s.armed.Load().(Point)
	if string(cur) != point {
		return false
	}
	s.armed.Store(PointNone)
	return true
}
