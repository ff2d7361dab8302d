// Package xerrors classifies ofsd errors so the transport layer can map
// them to wire responses without inspecting package internals.
package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"

	"github.com/originfs/ofsd/pkg/index"
	"github.com/originfs/ofsd/pkg/record"
	"github.com/originfs/ofsd/pkg/safepath"
)

// Kind classifies ofsd errors.
type Kind int

const (
	// KindInvalid covers validation failures rejected before any I/O: bad
	// uuids, wrong record shape, unknown commands.
	KindInvalid Kind = iota
	// KindTraversal marks a path escape attempt caught by sanitization.
	KindTraversal
	KindNotFound
	KindAlreadyExists
	// KindMalformed marks an on-disk record failing shape validation.
	KindMalformed
	// KindInternal covers I/O failures during create/write/delete; partial
	// on-disk state may remain.
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := kindString(e.Kind)
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindTraversal:
		return "path traversal"
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindMalformed:
		return "malformed record"
	case KindInternal:
		return "storage error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, safepath.ErrTraversal):
		return KindTraversal
	case errors.Is(err, record.ErrMalformed):
		return KindMalformed
	case errors.Is(err, index.ErrNotFound),
		errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, index.ErrExists),
		errors.Is(err, iofs.ErrExist),
		errors.Is(err, os.ErrExist):
		return KindAlreadyExists
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}
