package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"icatkit/internal/config"
	"icatkit/internal/dumpfile"
	_ "icatkit/internal/dumpfile/xmldump"
	_ "icatkit/internal/dumpfile/yamldump"
	"icatkit/internal/dumpplan"
	"icatkit/internal/ids"
	"icatkit/internal/logging"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// DumpCommand writes the content of a catalogue to a document.
func DumpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "icatdump",
		Short:         "Dump the content of a catalogue to a file",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDump,
	}
	fs := cmd.Flags()
	config.AddFlags(fs)
	config.AddStorageFlags(fs)
	fs.StringP("file", "o", "-", "output file, - for standard output")
	fs.IntP("chunksize", "c", 0, "number of objects per search")
	fs.String("plan", "", "YAML file with the dump plan instead of the built-in one")
	fs.Bool("no-checks", false, "skip the consistency checks")
	fs.String("download", "", "also copy the stored content of dumped datafiles into this directory")
	return cmd
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// finishOutput flushes buf and closes c, which may be nil. The dump only
// counts as written when both succeed.
func finishOutput(buf *bufio.Writer, c io.Closer) error {
	if err := buf.Flush(); err != nil {
		if c != nil {
			_ = c.Close()
		}
		return errors.Wrap(err, "write output")
	}
	if c == nil {
		return nil
	}
	return errors.Wrap(c.Close(), "close output")
}

func runDump(cmd *cobra.Command, _ []string) error {
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

	sess, err := Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	plan := dumpplan.Default(sess.Registry.Version())
	if path, _ := cmd.Flags().GetString("plan"); path != "" {
		if plan, err = dumpplan.LoadFile(path); err != nil {
			return err
		}
	}
	if plan, err = dumpplan.Expand(ctx, sess.Client, plan); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var file io.Closer
	if path, _ := cmd.Flags().GetString("file"); path != "-" && path != "" {
		f, err := os.Create(path)
		if err != nil {
			return errors.Wrap(err, "create output")
		}
		defer func() {
			if file != nil {
				_ = file.Close()
			}
		}()
		file, out = f, f
	}
	buf := bufio.NewWriter(out)
	counter := &countingWriter{w: buf}
	enc, err := dumpfile.NewEncoder(cfg.Format, counter, sess.Registry)
	if err != nil {
		return err
	}

	opts := []dumpfile.WriterOption{
		dumpfile.WithChunkSize(cfg.ChunkSize),
		dumpfile.WithWriterLogger(log),
		dumpfile.WithWriterChunkDone(sess.KeepAlive),
		dumpfile.WithHeader(dumpfile.Header{
			Date:       time.Now().UTC(),
			Generator:  "icatdump (icatkit)",
			Service:    cfg.URL,
			APIVersion: sess.APIVersion,
			Version:    dumpfile.FormatVersion,
		}),
	}
	if skip, _ := cmd.Flags().GetBool("no-checks"); !skip {
		opts = append(opts, dumpfile.WithChecks(dumpplan.SampleInvestigationCheck))
	}
	var downloader *ids.Downloader
	if dir, _ := cmd.Flags().GetString("download"); dir != "" {
		src, err := NewStorage(cfg.IDS, log)
		if err != nil {
			return err
		}
		defer logCacheMetrics(log, src)
		dst, err := ids.NewDiskStore(dir)
		if err != nil {
			return err
		}
		downloader = ids.NewDownloader(src, dst).WithLogger(log)
		opts = append(opts, dumpfile.WithWriteHook(downloader.Hook))
	}
	start := time.Now()
	st, err := dumpfile.NewWriter(sess.Client, sess.Registry, enc, opts...).WriteDump(ctx, plan)
	if err != nil {
		return err
	}
	err = finishOutput(buf, file)
	file = nil
	if err != nil {
		return err
	}
	log.Info("dump done", zap.Int("chunks", st.Chunks), zap.Int("objects", st.Objects), zap.Duration("took", time.Since(start)))
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "dumped %s objects (%s nested) in %d chunks, %s",
		humanize.Comma(int64(st.Objects)), humanize.Comma(int64(st.Nested)), st.Chunks, humanize.Bytes(counter.n))
	if downloader != nil {
		fmt.Fprintf(w, ", downloaded %s", downloader.Summary())
	}
	fmt.Fprintln(w)
	return nil
}
