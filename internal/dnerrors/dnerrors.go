// Package dnerrors defines the stable wire error codes shared by the
// data-node and scheduler RPC surfaces, plus the Kind classification used
// internally to decide retry/abort/fatal policy. Errors compose the same
// way the teacher's chunk package does: sentinel values wrapped with
// fmt.Errorf("%w") context chains, with the innermost code authoritative.
package dnerrors

import "errors"

// Code is a stable wire error code (§6 of the data-node/scheduler spec).
type Code string

const (
	NoSuchChunk            Code = "NoSuchChunk"
	NoSuchSession          Code = "NoSuchSession"
	WindowError            Code = "WindowError"
	BlockContentMismatch   Code = "BlockContentMismatch"
	NoLocationAvailable    Code = "NoLocationAvailable"
	OutOfSpace             Code = "OutOfSpace"
	IOError                Code = "IOError"
	InvalidBlockChecksum   Code = "InvalidBlockChecksum"
	WriteThrottlingActive  Code = "WriteThrottlingActive"
	LocalChunkReaderFailed Code = "LocalChunkReaderFailed"
)

// Kind classifies an error by the retry/abort policy it implies (§7).
type Kind int

const (
	// KindTransientRetriable covers throttle rejection, memory quota denial,
	// and conflicting-but-unrelated concurrent operations. No state mutation
	// occurs; the caller may retry.
	KindTransientRetriable Kind = iota
	// KindClientContract covers unknown chunk/session, window violations,
	// block content mismatch, and block-count mismatch at finish. The
	// session may continue.
	KindClientContract
	// KindDataCorruption covers checksum mismatches. Reads fail outright;
	// writes fail the session as non-fatal.
	KindDataCorruption
	// KindIOError is a generic disk failure. Fails the session as fatal
	// for the owning location.
	KindIOError
	// KindSpaceExhausted is ENOSPC. Fails the session non-fatally and
	// triggers location re-evaluation for admission.
	KindSpaceExhausted
	// KindConfiguration covers duplicate inodes, unknown mediums, and
	// schema mismatch. Fatal at startup; an alert at runtime.
	KindConfiguration
	// KindSchedulerInternal covers hung operations and a limiting ancestor
	// starving a minimum demand. Raised as operation alerts; the core does
	// not auto-abort the operation.
	KindSchedulerInternal
)

// Error is a dnerrors-classified error carrying a stable wire Code and a
// Kind, composed via the standard %w wrapping chain.
type Error struct {
	Code Code
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given code, kind, and wrapped cause.
func New(code Code, kind Kind, cause error) *Error {
	return &Error{Code: code, Kind: kind, Err: cause}
}

// CodeOf walks the error chain and returns the innermost dnerrors Code,
// or ("", false) if err does not carry one.
func CodeOf(err error) (Code, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Code, true
	}
	return "", false
}

// Is reports whether err's chain carries the given Code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
