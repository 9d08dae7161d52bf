// Package dumpplan decides which objects go into which chunk of a dump.
//
// A plan is a list of chunks, each a list of root searches. The chunk named
// InvestigationChunk is a template: Expand repeats it once per investigation
// found in the catalogue, substituting the investigation id for
// InvestigationID in its conditions.
package dumpplan

import (
	"context"
	"fmt"

	"icatkit/internal/catalogue"
	"icatkit/internal/dumpfile"
	"icatkit/internal/entity"
	"icatkit/internal/query"

	"github.com/pkg/errors"
)

const (
	InvestigationChunk = "investigation"
	InvestigationID    = "${investigation.id}"
)

// Default returns the standard plan for a catalogue of the given schema
// version. Objects are ordered so that every reference points backwards:
// authorization, static data, one chunk per investigation, then objects
// spanning investigations.
func Default(version string) dumpfile.Plan {
	v5 := entity.VersionAtLeast(version, "5.0")

	static := []*query.Query{query.New("Facility")}
	if v5 {
		static = append(static, query.New("Technique"))
	}
	static = append(static,
		query.New("Instrument").Include("instrumentScientists"),
		query.New("ParameterType").Include("permissibleStringValues"),
		query.New("InvestigationType"),
		query.New("SampleType"),
		query.New("DatasetType"),
		query.New("DatafileFormat"),
		query.New("FacilityCycle"),
		query.New("Application"),
	)
	if v5 {
		static = append(static, query.New("DataPublicationType"))
	}

	datasetIncludes := []string{"parameters"}
	if v5 {
		datasetIncludes = append(datasetIncludes, "datasetInstruments", "datasetTechniques")
	}
	other := []*query.Query{
		query.New("Study").Include("studyInvestigations"),
		query.New("DataCollection").Include("dataCollectionDatasets", "dataCollectionDatafiles", "parameters"),
		query.New("Job"),
		query.New("RelatedDatafile"),
		query.New("Publication"),
	}
	if v5 {
		other = append(other, query.New("DataPublication"))
	}

	return dumpfile.Plan{
		Version: version,
		Chunks: []dumpfile.ChunkSpec{
			{Name: "authz", Searches: []*query.Query{
				query.New("User"),
				query.New("Grouping").Include("userGroups"),
				query.New("Rule"),
				query.New("PublicStep"),
			}},
			{Name: "static", Searches: static},
			{Name: InvestigationChunk, Searches: []*query.Query{
				query.New("Investigation").Eq("id", InvestigationID).
					Include("keywords", "investigationUsers", "investigationInstruments", "investigationGroups", "parameters", "shifts"),
				query.New("Sample").Eq("investigation.id", InvestigationID).Include("parameters"),
				query.New("Dataset").Eq("investigation.id", InvestigationID).Include(datasetIncludes...),
				query.New("Datafile").Eq("dataset.investigation.id", InvestigationID).Include("parameters"),
			}},
			{Name: "other", Searches: other},
		},
	}
}

// Expand replaces every InvestigationChunk template of plan by one chunk per
// investigation, ordered by facility, name and visit id. Other chunks are
// kept as they are.
func Expand(ctx context.Context, s catalogue.Searcher, plan dumpfile.Plan) (dumpfile.Plan, error) {
	out := dumpfile.Plan{Version: plan.Version}
	var invs []*entity.Entity
	loaded := false
	for _, spec := range plan.Chunks {
		if spec.Name != InvestigationChunk {
			out.Chunks = append(out.Chunks, spec)
			continue
		}
		if !loaded {
			q := query.New("Investigation").OrderBy("facility.name", "name", "visitId")
			res, err := s.Search(ctx, q)
			if err != nil {
				return dumpfile.Plan{}, errors.Wrap(err, "list investigations")
			}
			invs, loaded = res, true
		}
		for _, inv := range invs {
			out.Chunks = append(out.Chunks, dumpfile.ChunkSpec{
				Name:     fmt.Sprintf("%s %v %v", InvestigationChunk, inv.Get("name"), inv.Get("visitId")),
				Searches: substitute(spec.Searches, inv.ID),
			})
		}
	}
	return out, nil
}

func substitute(searches []*query.Query, id int64) []*query.Query {
	out := make([]*query.Query, 0, len(searches))
	for _, q := range searches {
		c := q.Clone()
		for i, cond := range c.Conditions {
			if s, ok := cond.Value.(string); ok && s == InvestigationID {
				c.Conditions[i].Value = id
			}
		}
		out = append(out, c)
	}
	return out
}

// SampleInvestigationCheck rejects a Dataset whose sample belongs to another
// investigation than the dataset itself. Datasets without a sample, or whose
// relations were not fetched, pass.
func SampleInvestigationCheck(e *entity.Entity) error {
	if e.Type != "Dataset" {
		return nil
	}
	inv, sample := e.Rel("investigation"), e.Rel("sample")
	if inv == nil || sample == nil || sample.Rel("investigation") == nil {
		return nil
	}
	other := sample.Rel("investigation")
	if sameObject(inv, other) {
		return nil
	}
	return &entity.ConsistencyError{
		Type: e.Type,
		Msg: fmt.Sprintf("dataset %v of %s uses sample %v of %s",
			e.Get("name"), describe(inv), sample.Get("name"), describe(other)),
	}
}

func sameObject(a, b *entity.Entity) bool {
	if a == b {
		return true
	}
	return a.ID != 0 && a.ID == b.ID
}

func describe(inv *entity.Entity) string {
	return fmt.Sprintf("investigation %v/%v", inv.Get("name"), inv.Get("visitId"))
}
