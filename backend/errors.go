// Copyright 2026 The bfio Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"errors"
	"fmt"
)

// FormatError reports a file whose on-disk structure could not be
// understood: no backend recognizes it, or the claiming backend found
// the structure malformed while parsing. It is terminal for the open
// attempt; nothing retries behind the caller's back.
type FormatError struct {
	// Path is the file that failed to parse.
	Path string
	// Reason is a short human-readable summary of what was wrong.
	Reason string
	// Err is the underlying cause, if any.
	Err error
}

func (e *FormatError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("backend: %s: unrecognized format", e.Path)
	}
	return fmt.Sprintf("backend: %s: %s", e.Path, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// IsFormatError reports whether err is or wraps a FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// IOError reports a failed backend read or write: the file structure
// was fine but the bytes could not be moved. Op names the operation
// ("read tile", "write tile", "flush").
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("backend: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIOError reports whether err is or wraps an IOError.
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}
