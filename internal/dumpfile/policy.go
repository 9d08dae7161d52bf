package dumpfile

import (
	"strings"

	"github.com/pkg/errors"
)

// DuplicatePolicy says what the reader does when an object to create
// already exists.
type DuplicatePolicy int

const (
	// Throw fails the ingest.
	Throw DuplicatePolicy = iota
	// Ignore keeps the existing object.
	Ignore
	// Check keeps the existing object if all attributes agree and fails
	// otherwise.
	Check
	// Overwrite updates the existing object to match the input.
	Overwrite
)

var policyNames = []string{"THROW", "IGNORE", "CHECK", "OVERWRITE"}

func (p DuplicatePolicy) String() string {
	if p >= 0 && int(p) < len(policyNames) {
		return policyNames[p]
	}
	return "UNKNOWN"
}

func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Throw, nil
	}
	for i, name := range policyNames {
		if name == s {
			return DuplicatePolicy(i), nil
		}
	}
	return Throw, errors.Errorf("unknown duplicate policy %q", s)
}
