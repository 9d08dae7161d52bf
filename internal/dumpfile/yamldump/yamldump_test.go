package yamldump_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"icatkit/internal/catalogue"
	"icatkit/internal/catalogue/cataloguetest"
	"icatkit/internal/dumpfile"
	"icatkit/internal/dumpfile/yamldump"
	"icatkit/internal/entity"
	"icatkit/internal/query"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var header = dumpfile.Header{
	Date:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	Generator:  "test",
	Service:    "https://icat.example.org",
	APIVersion: "5.0",
	Version:    dumpfile.FormatVersion,
}

func plan() dumpfile.Plan {
	return dumpfile.Plan{Chunks: []dumpfile.ChunkSpec{
		{Searches: []*query.Query{query.New("User"), query.New("Grouping").Include("userGroups")}},
		{Searches: []*query.Query{
			query.New("Facility"), query.New("InvestigationType"), query.New("DatasetType"),
			query.New("SampleType"), query.New("ParameterType").Include("permissibleStringValues"),
		}},
		{Searches: []*query.Query{
			query.New("Investigation").Include("keywords", "investigationGroups"),
			query.New("Sample").Include("parameters"),
			query.New("Dataset").Include("parameters"),
		}},
		{Searches: []*query.Query{query.New("DataCollection").Include("dataCollectionDatasets")}},
	}}
}

func dump(t *testing.T, src catalogue.Client) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := dumpfile.NewEncoder("yaml", &buf, src.Registry())
	require.NoError(t, err)
	_, err = dumpfile.NewWriter(src, nil, enc, dumpfile.WithHeader(header)).WriteDump(context.Background(), plan())
	require.NoError(t, err)
	return buf.Bytes()
}

func TestYAMLRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, _, err := cataloguetest.NewMemory(ctx, "5.0")
	require.NoError(t, err)
	data := dump(t, src)
	assert.True(t, bytes.HasPrefix(data, []byte("%YAML 1.1\n# Date: 2024-03-01T12:00:00Z\n")))
	assert.Equal(t, data, dump(t, src), "output is deterministic")

	dst := catalogue.NewMemory(src.Registry())
	dec, err := dumpfile.NewDecoder("YAML", bytes.NewReader(data), dst.Registry())
	require.NoError(t, err)
	assert.Equal(t, header, dec.Header())
	st, err := dumpfile.NewReader(dst, nil, dec).ReadIngest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Chunks)

	for _, typ := range []string{"User", "UserGroup", "ParameterType", "PermissibleStringValue", "Keyword",
		"InvestigationGroup", "SampleParameter", "Dataset", "DatasetParameter", "DataCollectionDataset"} {
		assert.Equal(t, src.Count(typ), dst.Count(typ), typ)
	}
	ds, err := dst.Search(ctx, query.New("Dataset").Eq("name", "e201215").Eq("investigation.name", cataloguetest.Investigation))
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, true, ds[0].Get("complete"))
	assert.Equal(t, time.Date(2010, 10, 1, 6, 17, 48, 0, time.UTC), ds[0].Get("startDate"))
	assert.Equal(t, "ab3465", ds[0].Rel("sample").Get("name"))
}

const handWritten = `%YAML 1.1
# Generator: by hand
---
- facility:
    _key: fac
    name: ESNF
    daysUntilRelease: 1826
    description: ~
- investigationType:
    name: "true"
    facility: fac
---
- facilityRef:
    _key: f
    name: ESNF
- datasetType:
    name: raw
    facility: {name: ESNF}
---
[]
`

func TestYAMLDecodeHandWritten(t *testing.T) {
	reg, err := entity.DefaultRegistry("5.0")
	require.NoError(t, err)
	dec, err := yamldump.NewDecoder(strings.NewReader(handWritten), reg)
	require.NoError(t, err)
	assert.Equal(t, "by hand", dec.Header().Generator)

	chunks, err := dumpfile.ReadAll(dec)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	fac := chunks[0].Objects[0]
	assert.Equal(t, "fac", fac.Key)
	assert.Equal(t, map[string]any{"name": "ESNF", "daysUntilRelease": "1826"}, fac.Attrs)
	it := chunks[0].Objects[1]
	assert.Equal(t, "true", it.Attrs["name"])
	assert.Equal(t, dumpfile.Reference{Key: "fac"}, it.Refs["facility"])

	decl := chunks[1].Objects[0]
	require.True(t, decl.IsRefDecl())
	assert.Equal(t, "f", decl.Key)
	assert.Equal(t, map[string]string{"name": "ESNF"}, decl.Ref.Attrs)
	assert.Equal(t, dumpfile.Reference{Attrs: map[string]string{"name": "ESNF"}}, chunks[1].Objects[1].Refs["facility"])
	assert.Empty(t, chunks[2].Objects)

	mem := catalogue.NewMemory(reg)
	dec, err = yamldump.NewDecoder(strings.NewReader(handWritten), reg)
	require.NoError(t, err)
	st, err := dumpfile.NewReader(mem, nil, dec).ReadIngest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.Created)
	assert.Equal(t, "true", mem.All("InvestigationType")[0].Get("name"))
}

func TestYAMLRejectsUnknownFields(t *testing.T) {
	reg, err := entity.DefaultRegistry("5.0")
	require.NoError(t, err)
	for _, in := range []string{
		"---\n- spaceship: {name: x}\n",
		"---\n- user: {name: x, shoeSize: 42}\n",
		"---\n- user: {name: [x]}\n",
		"---\nuser: {name: x}\n",
	} {
		dec, err := yamldump.NewDecoder(strings.NewReader(in), reg)
		require.NoError(t, err)
		_, err = dec.NextChunk()
		assert.True(t, dumpfile.IsInputError(err, dumpfile.Malformed), "%q: %v", in, err)
	}
}
