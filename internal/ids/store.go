// Package ids stores datafile contents next to the catalogue. Objects are
// addressed by the datafile location, a slash separated relative path.
package ids

import (
	"context"
	"path"
	"strings"

	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("ids: file not found")

// Store holds file contents by location.
type Store interface {
	Put(ctx context.Context, location string, content []byte) error
	Get(ctx context.Context, location string) ([]byte, error)
	// List returns the locations below prefix in sorted order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// cleanLocation normalizes location and rejects paths leaving the store.
func cleanLocation(location string) (string, error) {
	loc := strings.TrimLeft(strings.TrimSpace(location), "/")
	if loc == "" {
		return "", errors.New("ids: location is required")
	}
	for _, part := range strings.Split(loc, "/") {
		if part == ".." {
			return "", errors.Errorf("ids: invalid location %q", location)
		}
	}
	return path.Clean(loc), nil
}

func cleanPrefix(prefix string) string {
	p := strings.TrimLeft(strings.TrimSpace(prefix), "/")
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
