package ids

import (
	"context"
	"fmt"
	"strings"

	"icatkit/internal/entity"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Downloader copies the content of dumped datafiles from the storage
// service to another store, usually a DiskStore next to the dump. Hook has
// the signature of a dumpfile write hook. Datafiles without a location or
// without stored content are counted as missing and do not stop the dump.
type Downloader struct {
	src, dst Store
	log      *zap.Logger

	files   int
	bytes   uint64
	missing int
}

func NewDownloader(src, dst Store) *Downloader {
	return &Downloader{src: src, dst: dst, log: zap.NewNop()}
}

func (d *Downloader) WithLogger(l *zap.Logger) *Downloader {
	if l != nil {
		d.log = l
	}
	return d
}

func (d *Downloader) Hook(ctx context.Context, e *entity.Entity) error {
	if e.Type != "Datafile" {
		return nil
	}
	loc, _ := e.Get("location").(string)
	if strings.TrimSpace(loc) == "" {
		d.missing++
		d.log.Warn("datafile has no location", zap.Stringer("datafile", e))
		return nil
	}
	clean, err := cleanLocation(loc)
	if err != nil {
		return errors.Wrapf(err, "download %s", e)
	}
	data, err := d.src.Get(ctx, clean)
	if errors.Is(err, ErrNotFound) {
		d.missing++
		d.log.Warn("datafile content not stored", zap.String("location", clean))
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "download %s", e)
	}
	if err := d.dst.Put(ctx, clean, data); err != nil {
		return errors.Wrapf(err, "download %s", e)
	}
	d.files++
	d.bytes += uint64(len(data))
	return nil
}

// Summary describes what was downloaded, e.g. "3 files, 6.1 kB, 1 missing".
func (d *Downloader) Summary() string {
	s := fmt.Sprintf("%s files, %s", humanize.Comma(int64(d.files)), humanize.Bytes(d.bytes))
	if d.missing > 0 {
		s += fmt.Sprintf(", %s missing", humanize.Comma(int64(d.missing)))
	}
	return s
}

func (d *Downloader) Missing() int { return d.missing }
