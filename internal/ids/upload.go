package ids

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"icatkit/internal/entity"
	"icatkit/internal/safeio"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// UploadPolicy tells the ingest which created objects have content to send
// to the store.
type UploadPolicy int

const (
	UploadNone UploadPolicy = iota
	UploadDatafiles
)

func (p UploadPolicy) String() string {
	if p == UploadDatafiles {
		return "DATAFILES"
	}
	return "NONE"
}

func ParseUploadPolicy(s string) (UploadPolicy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return UploadNone, nil
	case "DATAFILES":
		return UploadDatafiles, nil
	}
	return UploadNone, errors.Errorf("unknown upload policy %q (want NONE or DATAFILES)", s)
}

// Uploader copies the content of created datafiles from a local directory
// to a store. Hook has the signature of a dumpfile create hook. Files are
// read through symlinks only if they stay below the directory.
type Uploader struct {
	store  Store
	dir    string
	policy UploadPolicy
	log    *zap.Logger

	fsOnce sync.Once
	fs     *safeio.SafeFS
	fsErr  error

	files  int
	bytes  uint64
	stored int
}

func NewUploader(store Store, dir string, policy UploadPolicy) *Uploader {
	return &Uploader{store: store, dir: dir, policy: policy, log: zap.NewNop()}
}

func (u *Uploader) WithLogger(l *zap.Logger) *Uploader {
	if l != nil {
		u.log = l
	}
	return u
}

// Hook uploads e if it is a datafile and the policy asks for it. The file
// is read from the upload directory by the datafile location. A declared
// fileSize must match the local file. A file the store already holds with
// the same content is not sent again, one with other content is an error.
func (u *Uploader) Hook(ctx context.Context, e *entity.Entity) error {
	if u.policy != UploadDatafiles || e.Type != "Datafile" {
		return nil
	}
	loc, _ := e.Get("location").(string)
	if strings.TrimSpace(loc) == "" {
		return errors.Errorf("upload %s: datafile has no location", e)
	}
	clean, err := cleanLocation(loc)
	if err != nil {
		return errors.Wrapf(err, "upload %s", e)
	}
	u.fsOnce.Do(func() { u.fs, u.fsErr = safeio.NewSafeFS(u.dir) })
	if u.fsErr != nil {
		return errors.Wrap(u.fsErr, "upload directory")
	}
	data, err := u.fs.ReadFile(filepath.FromSlash(clean))
	if err != nil {
		return errors.Wrapf(err, "upload %s", e)
	}
	if size, ok := e.Get("fileSize").(int64); ok && size != int64(len(data)) {
		return errors.Errorf("upload %s: fileSize is %d but %s has %d bytes", e, size, loc, len(data))
	}
	same, err := u.alreadyStored(ctx, clean, data)
	if err != nil {
		return errors.Wrapf(err, "upload %s", e)
	}
	if same {
		u.stored++
		u.log.Debug("datafile already stored", zap.String("location", clean))
		return nil
	}
	if err := u.store.Put(ctx, clean, data); err != nil {
		return errors.Wrapf(err, "upload %s", e)
	}
	u.files++
	u.bytes += uint64(len(data))
	u.log.Debug("datafile uploaded", zap.String("location", clean), zap.String("size", humanize.Bytes(uint64(len(data)))))
	return nil
}

// alreadyStored reports whether loc holds data. The listing of the parent
// directory is consulted first so new files cost no read.
func (u *Uploader) alreadyStored(ctx context.Context, loc string, data []byte) (bool, error) {
	dir := path.Dir(loc)
	if dir == "." {
		dir = ""
	}
	list, err := u.store.List(ctx, dir)
	if err != nil {
		return false, err
	}
	if i := sort.SearchStrings(list, loc); i == len(list) || list[i] != loc {
		return false, nil
	}
	old, err := u.store.Get(ctx, loc)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(old, data) {
		return false, errors.Errorf("%s is already stored with different content", loc)
	}
	return true, nil
}

// Summary describes what was uploaded, e.g. "3 files, 6.1 kB".
func (u *Uploader) Summary() string {
	s := fmt.Sprintf("%s files, %s", humanize.Comma(int64(u.files)), humanize.Bytes(u.bytes))
	if u.stored > 0 {
		s += fmt.Sprintf(", %s already stored", humanize.Comma(int64(u.stored)))
	}
	return s
}

func (u *Uploader) Files() int { return u.files }

// Stored is the number of datafiles skipped because the store had them.
func (u *Uploader) Stored() int { return u.stored }
