package loader

import (
	"errors"
	"strings"
)

// Phase is the step of the load sequence an error came from.
type Phase string

const (
	PhaseFetch       Phase = "fetch"
	PhaseCompile     Phase = "compile"
	PhaseInstantiate Phase = "instantiate"
	PhaseRun         Phase = "run"
)

// Error is returned by every failing step of the load sequence.
type Error struct {
	Phase Phase
	URL   string
	Cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	if e.URL != "" {
		b.WriteString(e.URL)
	} else {
		b.WriteString("module")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same phase, so the phase sentinels below work
// with errors.Is.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase
	}
	return false
}

// Phase sentinels for errors.Is.
var (
	// ErrFetch: bad URL, transport failure, non-2xx response.
	ErrFetch = &Error{Phase: PhaseFetch}
	// ErrCompile: not a valid module, or unsupported by the engine.
	ErrCompile = &Error{Phase: PhaseCompile}
	// ErrInstantiate: the import table does not satisfy the module.
	ErrInstantiate = &Error{Phase: PhaseInstantiate}
	// ErrRun: the entry point trapped, exited non-zero, or was aborted.
	ErrRun = &Error{Phase: PhaseRun}
)

var (
	ErrAlreadyLoaded  = errors.New("module already loaded")
	ErrAlreadyRunning = errors.New("entry point already running")
	ErrClosed         = errors.New("loader closed")
	ErrNoEntryPoint   = errors.New("entry point not exported")
)

func phaseError(phase Phase, url string, cause error) *Error {
	return &Error{Phase: phase, URL: url, Cause: cause}
}

// PhaseOf returns the phase of err, or "" when err is not a load error.
func PhaseOf(err error) Phase {
	var e *Error
	if errors.As(err, &e) {
		return e.Phase
	}
	return ""
}
