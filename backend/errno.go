package backend

import (
	"github.com/jtolds/gls"
)

// Errno modes of CALL_RELEASE_GIL, passed as its first argument.
const (
	SaveErrno          = 1 << 0
	ReadsavedErrno     = 1 << 1
	ZeroErrnoBefore    = 1 << 2
	SaveLastError      = 1 << 3
	ReadsavedLastError = 1 << 4
	AltErrno           = 1 << 6
	ErrAll             = SaveErrno | SaveLastError
)

// threadState is the goroutine-local error state: the live errno and
// last-error values seen by callees, and the saved copies in a primary and
// an alternate slot.
type threadState struct {
	errno          int64
	lastError      int64
	savedErrno     [2]int64
	savedLastError [2]int64
}

type threadStateKey struct{}

// WithThread runs fn with a goroutine-local error state, reusing the
// current one when fn is already inside such a scope. Saved errno values
// persist for the whole scope.
func (c *CPU) WithThread(fn func()) {
	if _, ok := c.gls.GetValue(threadStateKey{}); ok {
		fn()
		return
	}
	c.gls.SetValues(gls.Values{threadStateKey{}: &threadState{}}, fn)
}

func (c *CPU) thread() *threadState {
	v, ok := c.gls.GetValue(threadStateKey{})
	if !ok {
		return &threadState{}
	}
	return v.(*threadState)
}

// Errno returns the live errno of the calling goroutine.
func (c *CPU) Errno() int64 { return c.thread().errno }

// SetErrno sets the live errno, as a C callee would.
func (c *CPU) SetErrno(v int64) { c.thread().errno = v }

// LastError returns the live last-error value.
func (c *CPU) LastError() int64 { return c.thread().lastError }

// SetLastError sets the live last-error value.
func (c *CPU) SetLastError(v int64) { c.thread().lastError = v }

// SavedErrno returns the saved errno from the primary or alternate slot.
func (c *CPU) SavedErrno(alt bool) int64 { return c.thread().savedErrno[slot(alt)] }

// SetSavedErrno writes the primary or alternate saved errno slot.
func (c *CPU) SetSavedErrno(alt bool, v int64) { c.thread().savedErrno[slot(alt)] = v }

// SavedLastError returns the saved last-error value.
func (c *CPU) SavedLastError(alt bool) int64 { return c.thread().savedLastError[slot(alt)] }

func slot(alt bool) int {
	if alt {
		return 1
	}
	return 0
}

// beforeCall applies the read half of the errno protocol.
func (c *CPU) beforeCall(mode int64) {
	ts := c.thread()
	s := slot(mode&AltErrno != 0)
	switch {
	case mode&ReadsavedErrno != 0:
		ts.errno = ts.savedErrno[s]
	case mode&ZeroErrnoBefore != 0:
		ts.errno = 0
	}
	if mode&ReadsavedLastError != 0 {
		ts.lastError = ts.savedLastError[s]
	}
}

// afterCall applies the save half of the errno protocol.
func (c *CPU) afterCall(mode int64) {
	ts := c.thread()
	s := slot(mode&AltErrno != 0)
	if mode&SaveErrno != 0 {
		ts.savedErrno[s] = ts.errno
	}
	if mode&SaveLastError != 0 {
		ts.savedLastError[s] = ts.lastError
	}
}
