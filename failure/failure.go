// Package failure holds the error taxonomy shared by every harness stage.
//
// Each error carries the stage that failed, what was expected and what was
// observed, and optionally a captured log tail and the preserved run directory,
// so the fatal path can print everything needed to tell a timeout from a logic bug.
package failure

import (
	"errors"
	"fmt"
	"strings"

	"github.com/perfgo/smokerun/exitcodes"
)

// Kind classifies a harness failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindLaunch
	KindReadiness
	KindProbe
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindLaunch:
		return "launch error"
	case KindReadiness:
		return "readiness timeout"
	case KindProbe:
		return "probe assertion failure"
	case KindTimeout:
		return "watchdog timeout"
	default:
		return "error"
	}
}

// ExitCode maps a kind onto its reserved process exit code.
func (k Kind) ExitCode() int {
	switch k {
	case KindConfiguration:
		return exitcodes.ConfigError
	case KindLaunch:
		return exitcodes.LaunchError
	case KindReadiness:
		return exitcodes.ReadinessTimeout
	case KindProbe:
		return exitcodes.ProbeFailure
	case KindTimeout:
		return exitcodes.Timeout
	default:
		return exitcodes.ProbeFailure
	}
}

// Error is a classified harness failure.
type Error struct {
	Kind     Kind
	Stage    string
	Expected string
	Observed string
	LogTail  string
	RunDir   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s in stage %q", e.Kind, e.Stage)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Expected != "" || e.Observed != "" {
		fmt.Fprintf(&b, " (expected %s, observed %s)", orNone(e.Expected), orNone(e.Observed))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode satisfies urfave/cli's ExitCoder.
func (e *Error) ExitCode() int {
	return e.Kind.ExitCode()
}

// Report renders the full diagnostic block printed on fatal paths.
func (e *Error) Report() string {
	var b strings.Builder
	b.WriteString(e.Error())
	if e.LogTail != "" {
		b.WriteString("\n")
		b.WriteString(e.LogTail)
	}
	if e.RunDir != "" {
		fmt.Fprintf(&b, "\nrun directory preserved at %s", e.RunDir)
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

func newf(kind Kind, stage string, err error, format string, args ...any) *Error {
	if format != "" {
		msg := fmt.Errorf(format, args...)
		if err == nil {
			err = msg
		} else {
			err = fmt.Errorf("%s: %w", msg.Error(), err)
		}
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Configf returns a ConfigurationError.
func Configf(stage, format string, args ...any) *Error {
	return newf(KindConfiguration, stage, nil, format, args...)
}

// Launch wraps err as a LaunchError.
func Launch(stage string, err error, format string, args ...any) *Error {
	return newf(KindLaunch, stage, err, format, args...)
}

// Readiness wraps err as a ReadinessTimeout carrying the captured log tail.
func Readiness(stage string, err error, logTail string) *Error {
	e := newf(KindReadiness, stage, err, "")
	e.LogTail = logTail
	return e
}

// Probe returns a ProbeAssertionFailure with expected and observed conditions.
func Probe(stage, expected, observed string) *Error {
	return &Error{Kind: KindProbe, Stage: stage, Expected: expected, Observed: observed, Err: errors.New("assertion failed")}
}

// Probef returns a ProbeAssertionFailure with a free-form message.
func Probef(stage string, err error, format string, args ...any) *Error {
	return newf(KindProbe, stage, err, format, args...)
}

// Timeout returns a WatchdogTimeout for the stage that was interrupted.
func Timeout(stage string, cause error) *Error {
	return newf(KindTimeout, stage, cause, "")
}

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindUnknown when unclassified.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return KindUnknown
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return exitcodes.Success
	}
	return KindOf(err).ExitCode()
}

// WithLogTail attaches a log tail to a classified error, returning err unchanged otherwise.
func WithLogTail(err error, tail string) error {
	if fe, ok := As(err); ok && fe.LogTail == "" {
		fe.LogTail = tail
	}
	return err
}

// WithRunDir records the preserved run directory on a classified error.
func WithRunDir(err error, dir string) error {
	if fe, ok := As(err); ok {
		fe.RunDir = dir
	}
	return err
}
