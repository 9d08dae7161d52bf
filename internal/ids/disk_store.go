package ids

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// DiskStore keeps files below a local root directory.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("ids: root directory is required")
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) pathFor(location string) (string, error) {
	loc, err := cleanLocation(location)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(loc)), nil
}

func (s *DiskStore) Put(_ context.Context, location string, content []byte) error {
	full, err := s.pathFor(location)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, content, 0o644)
}

func (s *DiskStore) Get(_ context.Context, location string) ([]byte, error) {
	full, err := s.pathFor(location)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *DiskStore) List(_ context.Context, prefix string) ([]string, error) {
	prefix = cleanPrefix(prefix)
	out := make([]string, 0, 32)
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
