package dumpfile

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// InputErrorKind classifies a problem with the input document.
type InputErrorKind string

const (
	Malformed      InputErrorKind = "malformed"
	Unresolved     InputErrorKind = "unresolved"
	Ambiguous      InputErrorKind = "ambiguous"
	Mismatch       InputErrorKind = "mismatch"
	PolicyRejected InputErrorKind = "policy rejected"
)

// InputError is a fatal, non-retryable problem with the input.
type InputError struct {
	Kind InputErrorKind
	Msg  string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input (%s): %s", e.Kind, e.Msg)
}

func inputErrorf(kind InputErrorKind, format string, args ...any) error {
	return &InputError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsInputError reports whether err is an InputError of one of the given
// kinds, or of any kind if none are given.
func IsInputError(err error, kinds ...InputErrorKind) bool {
	var ie *InputError
	if !errors.As(err, &ie) {
		return false
	}
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if ie.Kind == k {
			return true
		}
	}
	return false
}

// OpError locates a fatal error within a dump or ingest: the chunk in
// progress and the object being processed.
type OpError struct {
	Op    string
	Chunk int
	Type  string
	Key   string
	Err   error
}

func (e *OpError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: chunk %d", e.Op, e.Chunk)
	if e.Type != "" {
		fmt.Fprintf(&b, ": %s", e.Type)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " %s", e.Key)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Err }
