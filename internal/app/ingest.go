package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"icatkit/internal/catalogue"
	"icatkit/internal/config"
	"icatkit/internal/dumpfile"
	"icatkit/internal/ids"
	"icatkit/internal/ingest"
	"icatkit/internal/logging"
	"icatkit/internal/progress"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// IngestCommand restores a document into a catalogue. With --investigation
// the document is restricted to new datasets of that investigation.
func IngestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "icatingest",
		Short:         "Create the objects of a file in a catalogue",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runIngest,
	}
	fs := cmd.Flags()
	config.AddFlags(fs)
	config.AddStorageFlags(fs)
	fs.StringP("file", "i", "-", "input file, - for standard input")
	fs.String("duplicate", "", "what to do with objects that already exist: THROW, IGNORE, CHECK or OVERWRITE")
	fs.String("upload", "", "upload content of created objects: NONE or DATAFILES")
	fs.String("uploaddir", "", "directory holding the files to upload")
	fs.String("progress", "", "journal to resume from, a file or a postgres:// DSN")
	fs.String("investigation", "", "only ingest datasets into the investigation with this name")
	fs.String("visit", "", "visit id of the investigation")
	return cmd
}

type ingestRun struct {
	cfg  *config.Config
	log  *zap.Logger
	sess *Session

	input   string
	journal progress.Journal
	op      string
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(config.New(), cmd.Flags())
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Mode)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	r := &ingestRun{cfg: cfg, log: log}
	r.input, _ = cmd.Flags().GetString("file")
	var in io.Reader = cmd.InOrStdin()
	if r.input != "-" && r.input != "" {
		f, err := os.Open(r.input)
		if err != nil {
			return errors.Wrap(err, "open input")
		}
		defer f.Close()
		in = f
	}

	if r.sess, err = Connect(ctx, cfg, log); err != nil {
		return err
	}
	defer r.sess.Close(ctx)

	dec, err := dumpfile.NewDecoder(cfg.Format, bufio.NewReader(in), r.sess.Registry)
	if err != nil {
		return err
	}
	invName, _ := cmd.Flags().GetString("investigation")
	if invName != "" {
		visit, _ := cmd.Flags().GetString("visit")
		if dec, err = r.restrict(ctx, dec, invName, visit); err != nil {
			return err
		}
	}

	opts := []dumpfile.ReaderOption{
		dumpfile.WithDuplicatePolicy(cfg.Duplicate),
		dumpfile.WithReaderLogger(log),
		dumpfile.WithReaderChunkDone(r.chunkDone),
	}
	if cfg.Progress != "" {
		skip, err := r.openJournal(ctx)
		if err != nil {
			return err
		}
		defer r.journal.Close()
		if skip > 0 {
			opts = append(opts, dumpfile.WithSkipChunks(skip))
		}
	}
	var uploader *ids.Uploader
	if cfg.Upload != ids.UploadNone {
		store, err := NewStorage(cfg.IDS, log)
		if err != nil {
			return err
		}
		defer logCacheMetrics(log, store)
		uploader = ids.NewUploader(store, cfg.UploadDir, cfg.Upload).WithLogger(log)
		opts = append(opts, dumpfile.WithCreateHook(uploader.Hook))
	}

	start := time.Now()
	st, err := dumpfile.NewReader(r.sess.Client, r.sess.Registry, dec, opts...).ReadIngest(ctx)
	log.Info("ingest finished",
		zap.Int("chunks", st.Chunks),
		zap.Int("skipped", st.Skipped),
		zap.Int("created", st.Created),
		zap.Int("lookups", st.RemoteLookups),
		zap.Duration("took", time.Since(start)),
		zap.Error(err))
	if err != nil {
		return err
	}
	if r.journal != nil {
		if err := r.journal.Clear(ctx, r.op); err != nil {
			log.Warn("clear progress journal", zap.Error(err))
		}
	}
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "created %s objects in %d chunks", humanize.Comma(int64(st.Created)), st.Chunks)
	if st.Skipped > 0 {
		fmt.Fprintf(w, ", %d chunks skipped", st.Skipped)
	}
	if n := st.Ignored + st.Checked + st.Overwritten; n > 0 {
		fmt.Fprintf(w, ", %s existing (%s)", humanize.Comma(int64(n)), cfg.Duplicate)
	}
	if uploader != nil {
		fmt.Fprintf(w, ", uploaded %s", uploader.Summary())
	}
	fmt.Fprintln(w)
	return nil
}

// restrict looks up the target investigation and wraps dec so that only
// datasets below it are accepted.
func (r *ingestRun) restrict(ctx context.Context, dec dumpfile.Decoder, name, visit string) (dumpfile.Decoder, error) {
	if visit == "" {
		return nil, errors.New("--visit is required with --investigation")
	}
	inv, err := catalogue.ResolveAttributes(ctx, r.sess.Client, r.sess.Registry, "Investigation",
		map[string]string{"name": name, "visitId": visit})
	if err != nil {
		return nil, errors.Wrapf(err, "investigation %s %s", name, visit)
	}
	schema, err := ingest.SchemaFor(r.sess.APIVersion)
	if err != nil {
		return nil, err
	}
	r.log.Info("restricted ingest",
		zap.String("investigation", name),
		zap.String("visit", visit),
		zap.String("schema", schema.Version))
	return ingest.Prepare(dec, schema, inv)
}

// openJournal returns the number of chunks completed by an earlier run on
// the same input.
func (r *ingestRun) openJournal(ctx context.Context) (int, error) {
	if r.input == "-" || r.input == "" {
		return 0, errors.New("--progress needs an input file, standard input cannot be resumed")
	}
	abs, err := filepath.Abs(r.input)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return 0, err
	}
	r.op = progress.OperationID(r.cfg.URL, abs, strconv.FormatInt(info.Size(), 10), info.ModTime().UTC().Format(time.RFC3339Nano))
	if r.journal, err = progress.Open(ctx, r.cfg.Progress); err != nil {
		return 0, err
	}
	e, ok, err := r.journal.Get(ctx, r.op)
	if err != nil {
		_ = r.journal.Close()
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	r.log.Info("resuming ingest", zap.String("operation", r.op), zap.Int("completed", e.Chunks), zap.Time("since", e.Updated))
	return e.Chunks, nil
}

func (r *ingestRun) chunkDone(ctx context.Context, chunk int) error {
	if err := r.sess.KeepAlive(ctx, chunk); err != nil {
		return err
	}
	if r.journal == nil {
		return nil
	}
	return r.journal.Record(ctx, r.op, r.input, chunk)
}
