package progress

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// FileJournal keeps all entries in one JSON file, rewritten on every change.
type FileJournal struct {
	path string

	loadOnce sync.Once
	loadErr  error
	mu       sync.Mutex
	byOp     map[string]Entry
}

func NewFileJournal(path string) *FileJournal {
	return &FileJournal{path: path, byOp: make(map[string]Entry)}
}

func (j *FileJournal) ensureLoaded() error {
	j.loadOnce.Do(func() {
		b, err := os.ReadFile(j.path)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			j.loadErr = errors.Wrap(err, "progress: read journal")
			return
		}
		var rows []Entry
		if err := json.Unmarshal(b, &rows); err != nil {
			j.loadErr = errors.Wrapf(err, "progress: parse journal %s", j.path)
			return
		}
		for _, row := range rows {
			if row.Operation != "" {
				j.byOp[row.Operation] = row
			}
		}
	})
	return j.loadErr
}

// saveLocked writes to a temporary file and renames it, so a crash leaves
// either the old or the new journal.
func (j *FileJournal) saveLocked() error {
	rows := make([]Entry, 0, len(j.byOp))
	for _, e := range j.byOp {
		rows = append(rows, e)
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].Operation < rows[b].Operation })
	b, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(j.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "progress: create journal dir")
		}
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "progress: write journal")
	}
	return errors.Wrap(os.Rename(tmp, j.path), "progress: write journal")
}

func (j *FileJournal) Get(_ context.Context, op string) (Entry, bool, error) {
	op, err := normalizeOp(op)
	if err != nil {
		return Entry{}, false, err
	}
	if err := j.ensureLoaded(); err != nil {
		return Entry{}, false, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.byOp[op]
	return e, ok, nil
}

func (j *FileJournal) Record(_ context.Context, op, input string, chunk int) error {
	op, err := normalizeOp(op)
	if err != nil {
		return err
	}
	if chunk < 0 {
		return errors.Errorf("progress: invalid chunk %d", chunk)
	}
	if err := j.ensureLoaded(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	e := j.byOp[op]
	e.Operation = op
	e.Input = input
	if chunk+1 > e.Chunks {
		e.Chunks = chunk + 1
	}
	e.Updated = time.Now().UTC()
	j.byOp[op] = e
	return j.saveLocked()
}

func (j *FileJournal) Clear(_ context.Context, op string) error {
	op, err := normalizeOp(op)
	if err != nil {
		return err
	}
	if err := j.ensureLoaded(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.byOp[op]; !ok {
		return nil
	}
	delete(j.byOp, op)
	return j.saveLocked()
}

func (j *FileJournal) Close() error { return nil }
