package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLoaded is returned for a name with no registry entry.
	ErrNotLoaded = errors.New("skill not loaded")
	// ErrNullResult means execute returned NULL.
	ErrNullResult = errors.New("skill returned null")
	// ErrMalformedResult means execute returned text that is not UTF-8 JSON.
	ErrMalformedResult = errors.New("skill returned malformed output")
	// ErrMissingSymbol means a required ABI symbol is not exported.
	ErrMissingSymbol = errors.New("required symbol not exported")
	// ErrForeignSymbol means a symbol resolved to another library (for
	// example libc's free) rather than the artifact itself.
	ErrForeignSymbol = errors.New("symbol resolved outside the artifact")
	// ErrNativeUnsupported is returned by builds without cgo.
	ErrNativeUnsupported = errors.New("native loading requires cgo on linux, darwin or freebsd")
)

// LoadError reports an artifact that could not be loaded. The previous
// entry for Name, if any, is still active.
type LoadError struct {
	Name string
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s from %s: %v", e.Name, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ExecError reports a failed call. It affects only the caller.
type ExecError struct {
	Name string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.Name, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }
