package dumpfile_test

import (
	"context"
	"testing"

	"icatkit/internal/dumpfile"
	"icatkit/internal/entity"
	"icatkit/internal/query"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterChunksAndKeys(t *testing.T) {
	src, _ := newSource(t)
	rec, st := write(t, src, fixturePlan())

	require.Len(t, rec.Chunks, 4)
	assert.Equal(t, 4, st.Chunks)
	assert.Equal(t, fixedHeader, rec.Head)

	authz := rec.Chunks[0].Objects
	require.Len(t, authz, 6)
	assert.Equal(t, "User_name-db=2Fahau", authz[0].Key)
	g := authz[3]
	assert.Equal(t, "Grouping_name-writer", g.Key)
	require.Len(t, g.Children["userGroups"], 2)
	ug := g.Children["userGroups"][0]
	assert.Equal(t, dumpfile.Reference{Key: authz[0].Key}, ug.Refs["user"])
	assert.NotContains(t, ug.Refs, "grouping")

	rule := authz[4]
	assert.Equal(t, "Rule_00000001", rule.Key)
	assert.Equal(t, dumpfile.Reference{Key: g.Key}, rule.Refs["grouping"])
}

func TestWriterOmitsRootCollections(t *testing.T) {
	src, _ := newSource(t)
	plan := dumpfile.Plan{Chunks: []dumpfile.ChunkSpec{
		{Searches: searches(query.New("Dataset").Include("datafiles", "parameters"), query.New("Datafile"))},
	}}
	rec, st := write(t, src, plan)
	ds := rec.Chunks[0].Objects[0]
	assert.Equal(t, "Dataset", ds.Type)
	assert.NotContains(t, ds.Children, "datafiles")
	assert.Len(t, ds.Children["parameters"], 1)
	assert.Equal(t, 12, st.Objects)
}

func TestWriterCrossChunkReferencesUseUniqueKeys(t *testing.T) {
	src, _ := newSource(t)
	rec, _ := write(t, src, fixturePlan())

	inv := rec.Chunks[2].Objects[0]
	require.Equal(t, "Investigation", inv.Type)
	groups := inv.Children["investigationGroups"]
	require.Len(t, groups, 1)
	assert.Equal(t, "Grouping_name-writer", groups[0].Refs["grouping"].Key)
	assert.Equal(t, "Facility_name-ESNF", inv.Refs["facility"].Key)
}

func TestWriterUnconstrainedKeysSpanChunks(t *testing.T) {
	src, _ := newSource(t)
	plan := dumpfile.Plan{Chunks: []dumpfile.ChunkSpec{
		{Searches: searches(query.New("DataCollection").Include("dataCollectionDatasets"))},
		{Searches: searches(query.New("Job"))},
	}}
	rec, _ := write(t, src, plan)
	dc := rec.Chunks[0].Objects[0]
	assert.Equal(t, "DataCollection_00000001", dc.Key)
	kids := dc.Children["dataCollectionDatasets"]
	require.Len(t, kids, 2)
	assert.Contains(t, kids[0].Key, "DataCollectionDataset_dataCollection-(00000001)_dataset-(investigation-(")

	job := rec.Chunks[1].Objects[0]
	assert.Equal(t, dumpfile.Reference{Key: dc.Key}, job.Refs["inputDataCollection"])
}

func TestWriterFailsOnUnencodableReference(t *testing.T) {
	src, _ := newSource(t)
	plan := dumpfile.Plan{Chunks: []dumpfile.ChunkSpec{{Searches: searches(query.New("Job"))}}}
	_, err := dumpfile.NewWriter(src, nil, &dumpfile.Recorder{}).WriteDump(context.Background(), plan)
	require.Error(t, err)
	assert.True(t, entity.IsConsistencyError(err))
	var oe *dumpfile.OpError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, 0, oe.Chunk)
	assert.Equal(t, "Job", oe.Type)
}

func TestWriterChecks(t *testing.T) {
	src, _ := newSource(t)
	bad := errors.New("sample belongs elsewhere")
	check := func(e *entity.Entity) error {
		if e.Type == "Dataset" && e.Get("name") == "e201216" {
			return bad
		}
		return nil
	}
	_, err := dumpfile.NewWriter(src, nil, &dumpfile.Recorder{}, dumpfile.WithChecks(check)).
		WriteDump(context.Background(), fixturePlan())
	assert.ErrorIs(t, err, bad)
}

func TestWriterDeterministic(t *testing.T) {
	src, _ := newSource(t)
	a, _ := write(t, src, fixturePlan())
	b, _ := write(t, src, fixturePlan(), dumpfile.WithChunkSize(2))
	assert.Equal(t, a.Chunks, b.Chunks)
}

func TestWriterChunkDone(t *testing.T) {
	src, _ := newSource(t)
	var done []int
	_, st := write(t, src, fixturePlan(), dumpfile.WithWriterChunkDone(func(_ context.Context, i int) error {
		done = append(done, i)
		return nil
	}))
	assert.Equal(t, []int{0, 1, 2, 3}, done)
	assert.Equal(t, 4, st.Chunks)

	stop := errors.New("session expired")
	_, err := dumpfile.NewWriter(src, nil, &dumpfile.Recorder{}, dumpfile.WithWriterChunkDone(func(context.Context, int) error {
		return stop
	})).WriteDump(context.Background(), fixturePlan())
	assert.ErrorIs(t, err, stop)
}

func TestWriterEmptySearchIsNotAnError(t *testing.T) {
	src, _ := newSource(t)
	plan := dumpfile.Plan{Chunks: []dumpfile.ChunkSpec{
		{Searches: searches(query.New("User").Eq("name", "nobody"))},
	}}
	rec, st := write(t, src, plan)
	require.Len(t, rec.Chunks, 1)
	assert.Empty(t, rec.Chunks[0].Objects)
	assert.Zero(t, st.Objects)
}

func TestWriterHookSeesRootObjects(t *testing.T) {
	src, _ := newSource(t)
	var seen []string
	_, st := write(t, src, fixturePlan(), dumpfile.WithWriteHook(func(_ context.Context, e *entity.Entity) error {
		seen = append(seen, e.Type)
		return nil
	}))
	assert.Len(t, seen, st.Objects)
	assert.Contains(t, seen, "Datafile")
	assert.NotContains(t, seen, "Keyword", "nested objects are not passed to the hook")

	stop := errors.New("storage down")
	_, err := dumpfile.NewWriter(src, nil, &dumpfile.Recorder{}, dumpfile.WithWriteHook(func(_ context.Context, e *entity.Entity) error {
		if e.Type == "Datafile" {
			return stop
		}
		return nil
	})).WriteDump(context.Background(), fixturePlan())
	assert.ErrorIs(t, err, stop)
}
