package ids_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"icatkit/internal/catalogue/cataloguetest"
	"icatkit/internal/dumpfile"
	"icatkit/internal/ids"
	"icatkit/internal/query"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDisk(t *testing.T) *ids.DiskStore {
	t.Helper()
	s, err := ids.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStores(t *testing.T) {
	disk := newDisk(t)
	cached := ids.NewCachedStore(newDisk(t), ids.DefaultCacheConfig())
	for name, store := range map[string]ids.Store{"disk": disk, "cached": cached} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "inv1/ds1/a.nxs", []byte("alpha")))
			require.NoError(t, store.Put(ctx, "/inv1/ds2/b.nxs", []byte("beta")))
			require.NoError(t, store.Put(ctx, "inv2/c.nxs", nil))

			got, err := store.Get(ctx, "inv1/ds1/a.nxs")
			require.NoError(t, err)
			assert.Equal(t, []byte("alpha"), got)
			_, err = store.Get(ctx, "inv1/missing")
			assert.ErrorIs(t, err, ids.ErrNotFound)

			list, err := store.List(ctx, "inv1")
			require.NoError(t, err)
			assert.Equal(t, []string{"inv1/ds1/a.nxs", "inv1/ds2/b.nxs"}, list)
			all, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			assert.Error(t, store.Put(ctx, "../escape", []byte("x")))
			assert.Error(t, store.Put(ctx, " ", []byte("x")))
		})
	}
}

type countingStore struct {
	ids.Store
	mu    sync.Mutex
	gets  int
	lists int
	fail  bool
}

func (s *countingStore) Get(ctx context.Context, loc string) ([]byte, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.Store.Get(ctx, loc)
}

func (s *countingStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	s.lists++
	s.mu.Unlock()
	return s.Store.List(ctx, prefix)
}

func (s *countingStore) Put(ctx context.Context, loc string, content []byte) error {
	if s.fail {
		return errors.New("put failed")
	}
	return s.Store.Put(ctx, loc, content)
}

func TestCachedStoreReadThrough(t *testing.T) {
	ctx := context.Background()
	origin := &countingStore{Store: newDisk(t)}
	require.NoError(t, origin.Store.Put(ctx, "a", []byte("hello")))
	require.NoError(t, origin.Store.Put(ctx, "big", make([]byte, 64)))
	store := ids.NewCachedStore(origin, ids.CacheConfig{BlobTTL: time.Minute, BlobMaxEntries: 8, BlobMaxBytes: 16})

	for i := 0; i < 3; i++ {
		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got)
	}
	assert.Equal(t, 1, origin.gets)
	for i := 0; i < 2; i++ {
		_, err := store.Get(ctx, "big")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, origin.gets, "files above the size limit are not cached")

	list, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "big"}, list)
	require.NoError(t, store.Put(ctx, "b", []byte("x")))
	list, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "big"}, list)
	assert.Equal(t, 1, origin.lists, "puts update cached listings")
	require.NoError(t, store.Put(ctx, "b", []byte("y")))
	list, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "big"}, list)

	origin.fail = true
	assert.Error(t, store.Put(ctx, "c", []byte("x")))
	m := store.Metrics()
	assert.Equal(t, uint64(2), m.BlobHits)
	assert.Equal(t, uint64(3), m.BlobMisses)
	assert.Equal(t, uint64(1), m.OriginWriteErr)
}

func TestParseUploadPolicy(t *testing.T) {
	p, err := ids.ParseUploadPolicy("datafiles")
	require.NoError(t, err)
	assert.Equal(t, ids.UploadDatafiles, p)
	p, err = ids.ParseUploadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, "NONE", p.String())
	_, err = ids.ParseUploadPolicy("everything")
	assert.Error(t, err)
}

func datafile(name, location string, size int64) *dumpfile.Object {
	o := dumpfile.NewObject("Datafile", "")
	o.Attrs["name"] = name
	if location != "" {
		o.Attrs["location"] = location
	}
	if size >= 0 {
		o.Attrs["fileSize"] = size
	}
	o.Refs["dataset"] = dumpfile.Reference{Attrs: map[string]string{
		"name": "e201215", "investigation.name": cataloguetest.Investigation,
	}}
	return o
}

func ingest(t *testing.T, u *ids.Uploader, objs ...*dumpfile.Object) error {
	t.Helper()
	mem, _, err := cataloguetest.NewMemory(context.Background(), "5.0")
	require.NoError(t, err)
	dec := dumpfile.NewChunkDecoder(dumpfile.Header{}, []*dumpfile.Chunk{{Objects: objs}})
	_, err = dumpfile.NewReader(mem, nil, dec, dumpfile.WithCreateHook(u.Hook)).ReadIngest(context.Background())
	return err
}

func TestUploaderHook(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "e201215"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "e201215", "new.nxs"), []byte("12345"), 0o644))
	ctx := context.Background()

	t.Run("datafiles", func(t *testing.T) {
		store := newDisk(t)
		u := ids.NewUploader(store, dir, ids.UploadDatafiles)
		require.NoError(t, ingest(t, u, datafile("new.nxs", "e201215/new.nxs", 5)))
		got, err := store.Get(ctx, "e201215/new.nxs")
		require.NoError(t, err)
		assert.Equal(t, []byte("12345"), got)
		assert.Equal(t, 1, u.Files())
		assert.Equal(t, "1 files, 5 B", u.Summary())
	})

	t.Run("already stored", func(t *testing.T) {
		origin := &countingStore{Store: newDisk(t)}
		require.NoError(t, origin.Store.Put(ctx, "e201215/new.nxs", []byte("12345")))
		u := ids.NewUploader(origin, dir, ids.UploadDatafiles)
		require.NoError(t, ingest(t, u, datafile("new.nxs", "e201215/new.nxs", 5)))
		assert.Zero(t, u.Files())
		assert.Equal(t, 1, u.Stored())
		assert.Equal(t, 1, origin.gets)
		assert.Equal(t, "0 files, 0 B, 1 already stored", u.Summary())
	})

	t.Run("stored with other content", func(t *testing.T) {
		store := newDisk(t)
		require.NoError(t, store.Put(ctx, "e201215/new.nxs", []byte("54321")))
		u := ids.NewUploader(store, dir, ids.UploadDatafiles)
		err := ingest(t, u, datafile("new.nxs", "e201215/new.nxs", 5))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "different content")
		got, err := store.Get(ctx, "e201215/new.nxs")
		require.NoError(t, err)
		assert.Equal(t, []byte("54321"), got)
	})

	t.Run("none", func(t *testing.T) {
		store := newDisk(t)
		u := ids.NewUploader(store, dir, ids.UploadNone)
		require.NoError(t, ingest(t, u, datafile("new.nxs", "e201215/new.nxs", 5)))
		list, err := store.List(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	for name, o := range map[string]*dumpfile.Object{
		"size mismatch":    datafile("new.nxs", "e201215/new.nxs", 6),
		"missing file":     datafile("other.nxs", "e201215/other.nxs", -1),
		"no location":      datafile("new.nxs", "", -1),
		"leaving the root": datafile("new.nxs", "../new.nxs", -1),
	} {
		t.Run(name, func(t *testing.T) {
			u := ids.NewUploader(newDisk(t), dir, ids.UploadDatafiles)
			assert.Error(t, ingest(t, u, o))
			assert.Zero(t, u.Files())
		})
	}
}

func TestDownloaderHook(t *testing.T) {
	ctx := context.Background()
	mem, _, err := cataloguetest.NewMemory(ctx, "5.0")
	require.NoError(t, err)
	datafiles := mem.All("Datafile")
	require.NotEmpty(t, datafiles)
	src := ids.NewCachedStore(newDisk(t), ids.DefaultCacheConfig())
	loc, _ := datafiles[0].Get("location").(string)
	require.NotEmpty(t, loc)
	require.NoError(t, src.Put(ctx, loc, []byte("NeXus")))

	dst := newDisk(t)
	d := ids.NewDownloader(src, dst)
	plan := dumpfile.Plan{Chunks: []dumpfile.ChunkSpec{{Searches: []*query.Query{query.New("Datafile")}}}}
	_, err = dumpfile.NewWriter(mem, nil, &dumpfile.Recorder{}, dumpfile.WithWriteHook(d.Hook)).WriteDump(ctx, plan)
	require.NoError(t, err)

	got, err := dst.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("NeXus"), got)
	assert.Equal(t, len(datafiles)-1, d.Missing())
	assert.Contains(t, d.Summary(), "1 files, 5 B")
	assert.Equal(t, uint64(1), src.Metrics().BlobHits, "content put before the dump is served from the cache")
}
