package app

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"icatkit/internal/catalogue"
	"icatkit/internal/catalogue/cataloguetest"
	"icatkit/internal/config"
	"icatkit/internal/entity"
	"icatkit/internal/ids"
	"icatkit/internal/progress"
	"icatkit/internal/query"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func serve(t *testing.T, mem *catalogue.Memory) string {
	t.Helper()
	path, h := catalogue.NewHandler(mem)
	mux := http.NewServeMux()
	mux.Handle(path, h)
	srv := httptest.NewServer(h2c.NewHandler(mux, &http2.Server{}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func source(t *testing.T) (*catalogue.Memory, string) {
	t.Helper()
	mem, _, err := cataloguetest.NewMemory(context.Background(), "5.0")
	require.NoError(t, err)
	return mem, serve(t, mem)
}

func empty(t *testing.T) (*catalogue.Memory, string) {
	t.Helper()
	reg, err := entity.DefaultRegistry("5.0")
	require.NoError(t, err)
	mem := catalogue.NewMemory(reg)
	return mem, serve(t, mem)
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--h2c", "--log-level", "error"))
	err := cmd.Execute()
	return errOut.String(), err
}

func assertSameContent(t *testing.T, want, got *catalogue.Memory) {
	t.Helper()
	for _, typ := range want.Registry().Types() {
		assert.Equal(t, want.Count(typ), got.Count(typ), typ)
	}
}

func TestDumpAndRestore(t *testing.T) {
	for _, format := range []string{"YAML", "XML"} {
		t.Run(format, func(t *testing.T) {
			src, srcURL := source(t)
			dst, dstURL := empty(t)
			file := filepath.Join(t.TempDir(), "dump."+strings.ToLower(format))

			msg, err := execute(t, DumpCommand(), "-w", srcURL, "-u", "root", "-p", "secret", "-f", format, "-o", file, "--chunksize", "3")
			require.NoError(t, err)
			assert.Contains(t, msg, "in 5 chunks")

			msg, err = execute(t, IngestCommand(), "-w", dstURL, "-f", format, "-i", file)
			require.NoError(t, err)
			assert.Contains(t, msg, "in 5 chunks")
			assertSameContent(t, src, dst)
		})
	}
}

func TestDumpToStdout(t *testing.T) {
	_, srcURL := source(t)
	cmd := DumpCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"-w", srcURL, "--h2c", "--log-level", "error", "--no-checks"})
	require.NoError(t, cmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "%YAML"))
	assert.Contains(t, out.String(), "icatdump (icatkit)")
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func TestFinishOutput(t *testing.T) {
	var out bytes.Buffer
	buf := bufio.NewWriter(&out)
	_, _ = buf.WriteString("chunk")
	closed := 0
	require.NoError(t, finishOutput(buf, closeFunc(func() error { closed++; return nil })))
	assert.Equal(t, "chunk", out.String())
	assert.Equal(t, 1, closed)

	_, _ = buf.WriteString("more")
	err := finishOutput(buf, closeFunc(func() error { return os.ErrClosed }))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Contains(t, err.Error(), "close output")

	require.NoError(t, finishOutput(bufio.NewWriter(&out), nil))
}

func TestDumpWithDownload(t *testing.T) {
	src, srcURL := source(t)
	dir := t.TempDir()
	storage, err := ids.NewDiskStore(filepath.Join(dir, "ids"))
	require.NoError(t, err)
	datafiles := src.All("Datafile")
	require.NotEmpty(t, datafiles)
	loc := datafiles[0].Get("location").(string)
	require.NoError(t, storage.Put(context.Background(), loc, []byte("NeXus!")))

	download := filepath.Join(dir, "files")
	msg, err := execute(t, DumpCommand(), "-w", srcURL, "-o", filepath.Join(dir, "dump.yaml"),
		"--download", download, "--idsurl", "file://"+filepath.Join(dir, "ids"))
	require.NoError(t, err)
	assert.Contains(t, msg, "downloaded 1 files, 6 B")
	got, err := os.ReadFile(filepath.Join(download, filepath.FromSlash(loc)))
	require.NoError(t, err)
	assert.Equal(t, []byte("NeXus!"), got)

	_, err = execute(t, DumpCommand(), "-w", srcURL, "-o", filepath.Join(dir, "again.yaml"), "--download", download)
	assert.Error(t, err, "downloads need the storage url")
}

func TestResumeFromJournal(t *testing.T) {
	_, srcURL := source(t)
	dst, dstURL := empty(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "dump.yaml")
	journal := filepath.Join(dir, "progress.json")

	_, err := execute(t, DumpCommand(), "-w", srcURL, "-o", file)
	require.NoError(t, err)
	_, err = execute(t, IngestCommand(), "-w", dstURL, "-i", file, "--progress", journal)
	require.NoError(t, err)
	created := dst.Count("Dataset")

	// a finished run leaves nothing to resume
	raw, err := os.ReadFile(journal)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(raw))

	// pretend an earlier run got through every chunk
	info, err := os.Stat(file)
	require.NoError(t, err)
	op := progress.OperationID(dstURL, file, strconv.FormatInt(info.Size(), 10), info.ModTime().UTC().Format(time.RFC3339Nano))
	j := progress.NewFileJournal(journal)
	require.NoError(t, j.Record(context.Background(), op, file, 4))

	msg, err := execute(t, IngestCommand(), "-w", dstURL, "-i", file, "--progress", journal)
	require.NoError(t, err)
	assert.Contains(t, msg, "created 0 objects in 0 chunks, 5 chunks skipped")
	assert.Equal(t, created, dst.Count("Dataset"))

	_, err = execute(t, IngestCommand(), "-w", dstURL, "--progress", journal)
	assert.Error(t, err, "standard input cannot be resumed")
}

const datasets = `%YAML 1.1
---
- dataset:
    name: e208945
    type: {name: raw}
    sample: {name: ab3465}
    datafiles:
      - name: e208945.nxs
        location: e208945/e208945.nxs
        fileSize: 6
        datafileFormat: {name: NeXus, version: 4.3.0}
`

func TestRestrictedIngestWithUpload(t *testing.T) {
	mem, url := source(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "datasets.yaml")
	require.NoError(t, os.WriteFile(file, []byte(datasets), 0o644))
	upload := filepath.Join(dir, "upload")
	require.NoError(t, os.MkdirAll(filepath.Join(upload, "e208945"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(upload, "e208945", "e208945.nxs"), []byte("NeXus!"), 0o644))
	storage := filepath.Join(dir, "ids")

	msg, err := execute(t, IngestCommand(), "-w", url, "-i", file,
		"--investigation", cataloguetest.Investigation, "--visit", cataloguetest.VisitID,
		"--upload", "datafiles", "--uploaddir", upload, "--idsurl", "file://"+storage)
	require.NoError(t, err)
	assert.Contains(t, msg, "created 2 objects")
	assert.Contains(t, msg, "uploaded 1 files, 6 B")

	res, err := mem.Search(context.Background(), query.New("Dataset").Eq("name", "e208945"))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, cataloguetest.Investigation, res[0].Rel("investigation").Get("name"))

	store, err := ids.NewDiskStore(storage)
	require.NoError(t, err)
	got, err := store.Get(context.Background(), "e208945/e208945.nxs")
	require.NoError(t, err)
	assert.Equal(t, []byte("NeXus!"), got)
}

func TestRestrictedIngestRejectsForeignObjects(t *testing.T) {
	mem, url := source(t)
	file := filepath.Join(t.TempDir(), "facility.yaml")
	require.NoError(t, os.WriteFile(file, []byte("%YAML 1.1\n---\n- facility:\n    name: ELSE\n"), 0o644))
	before := mem.Count("Facility")

	_, err := execute(t, IngestCommand(), "-w", url, "-i", file,
		"--investigation", cataloguetest.Investigation, "--visit", cataloguetest.VisitID)
	require.Error(t, err)
	assert.Equal(t, before, mem.Count("Facility"))

	_, err = execute(t, IngestCommand(), "-w", url, "-i", file, "--investigation", cataloguetest.Investigation)
	assert.Error(t, err)
}

func TestNewStorage(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStorage(configIDS("file://"+dir), nopLogger())
	require.NoError(t, err)
	assert.IsType(t, &ids.DiskStore{}, s)

	s, err = NewStorage(configIDS(dir), nopLogger())
	require.NoError(t, err)
	assert.IsType(t, &ids.DiskStore{}, s)

	s, err = NewStorage(configIDSWithKeys("https://minio.example.org:9000/files"), nopLogger())
	require.NoError(t, err)
	assert.IsType(t, &ids.CachedStore{}, s)

	_, err = NewStorage(configIDS(""), nopLogger())
	assert.Error(t, err)
	_, err = NewStorage(configIDS("ftp://example.org"), nopLogger())
	assert.Error(t, err)
	_, err = NewStorage(configIDS("https://minio.example.org"), nopLogger())
	assert.Error(t, err, "credentials are required")
}

func configIDS(url string) config.IDSConfig {
	return config.IDSConfig{URL: url, Bucket: "icat-ids", Region: "us-east-1"}
}

func configIDSWithKeys(url string) config.IDSConfig {
	c := configIDS(url)
	c.AccessKey, c.SecretKey = "minio", "minio123"
	return c
}

func nopLogger() *zap.Logger { return zap.NewNop() }
