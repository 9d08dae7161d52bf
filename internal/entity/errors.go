package entity

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnknownType      = errors.New("unknown entity type")
	ErrUnknownAttribute = errors.New("unknown attribute")
	ErrInvalidValue     = errors.New("invalid attribute value")
)

// ConsistencyError reports data that cannot be turned into a unique key,
// typically because a required constraint relation is not set.
type ConsistencyError struct {
	Type string
	Msg  string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("data consistency error: %s: %s", e.Type, e.Msg)
}

// InternalError is raised when an attribute path cannot be followed.
type InternalError struct {
	Path string
	Msg  string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %s: %s", e.Path, e.Msg)
}

// IsConsistencyError reports whether err (or anything it wraps) is a
// ConsistencyError.
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
