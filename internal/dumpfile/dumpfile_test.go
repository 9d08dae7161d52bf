package dumpfile_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"icatkit/internal/catalogue"
	"icatkit/internal/catalogue/cataloguetest"
	"icatkit/internal/dumpfile"
	"icatkit/internal/entity"
	"icatkit/internal/query"

	"github.com/stretchr/testify/require"
)

var fixedHeader = dumpfile.Header{
	Date:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	Generator:  "test",
	APIVersion: "5.0",
	Version:    dumpfile.FormatVersion,
}

func newSource(t *testing.T) (*catalogue.Memory, *cataloguetest.Populated) {
	t.Helper()
	mem, p, err := cataloguetest.NewMemory(context.Background(), "5.0")
	require.NoError(t, err)
	return mem, p
}

func newTarget(t *testing.T) *catalogue.Memory {
	t.Helper()
	reg, err := entity.DefaultRegistry("5.0")
	require.NoError(t, err)
	return catalogue.NewMemory(reg)
}

func searches(qs ...*query.Query) []*query.Query { return qs }

// fixturePlan covers every object created by cataloguetest.Populate.
func fixturePlan() dumpfile.Plan {
	return dumpfile.Plan{Version: "5.0", Chunks: []dumpfile.ChunkSpec{
		{Name: "authz", Searches: searches(
			query.New("User"),
			query.New("Grouping").Include("userGroups"),
			query.New("Rule"),
			query.New("PublicStep"),
		)},
		{Name: "static", Searches: searches(
			query.New("Facility"),
			query.New("Technique"),
			query.New("Instrument").Include("instrumentScientists"),
			query.New("ParameterType").Include("permissibleStringValues"),
			query.New("InvestigationType"),
			query.New("SampleType"),
			query.New("DatasetType"),
			query.New("DatafileFormat"),
			query.New("FacilityCycle"),
			query.New("Application"),
		)},
		{Name: "investigations", Searches: searches(
			query.New("Investigation").Include("keywords", "investigationUsers", "investigationInstruments", "investigationGroups", "parameters"),
			query.New("Sample").Include("parameters"),
			query.New("Dataset").Include("parameters", "datasetTechniques", "datasetInstruments"),
			query.New("Datafile"),
		)},
		{Name: "other", Searches: searches(
			query.New("Study").Include("studyInvestigations"),
			query.New("DataCollection").Include("dataCollectionDatasets"),
			query.New("Job"),
		)},
	}}
}

// singleChunk merges all chunks of p into one.
func singleChunk(p dumpfile.Plan) dumpfile.Plan {
	var all []*query.Query
	for _, c := range p.Chunks {
		all = append(all, c.Searches...)
	}
	return dumpfile.Plan{Version: p.Version, Chunks: []dumpfile.ChunkSpec{{Name: "all", Searches: all}}}
}

func write(t *testing.T, src catalogue.Client, plan dumpfile.Plan, opts ...dumpfile.WriterOption) (*dumpfile.Recorder, dumpfile.WriteStats) {
	t.Helper()
	rec := &dumpfile.Recorder{}
	opts = append([]dumpfile.WriterOption{dumpfile.WithHeader(fixedHeader)}, opts...)
	st, err := dumpfile.NewWriter(src, nil, rec, opts...).WriteDump(context.Background(), plan)
	require.NoError(t, err)
	require.True(t, rec.Closed())
	return rec, st
}

func read(t *testing.T, dst catalogue.Client, dec dumpfile.Decoder, opts ...dumpfile.ReaderOption) dumpfile.Stats {
	t.Helper()
	st, err := dumpfile.NewReader(dst, nil, dec, opts...).ReadIngest(context.Background())
	require.NoError(t, err)
	return st
}

// snapshot describes the stored objects of every type by unique key,
// attribute values and the unique keys of their related objects,
// independent of ids.
func snapshot(mem *catalogue.Memory) map[string][]string {
	out := map[string][]string{}
	for _, typ := range mem.Registry().Types() {
		for _, e := range mem.All(typ) {
			key, err := entity.UniqueKey(e, nil)
			if err != nil {
				key = "-"
			}
			var attrs []string
			for _, name := range e.Info().Attributes() {
				if v := e.Get(name); v != nil {
					attrs = append(attrs, fmt.Sprintf("%s=%s", name, entity.FormatValue(v)))
				}
			}
			for _, name := range e.Info().OneRelations() {
				if target := e.Rel(name); target != nil {
					ref, err := entity.UniqueKey(target, nil)
					if err != nil {
						ref = target.Type
					}
					attrs = append(attrs, fmt.Sprintf("%s->%s", name, ref))
				}
			}
			out[typ] = append(out[typ], key+" "+strings.Join(attrs, ","))
		}
		sort.Strings(out[typ])
	}
	return out
}
