// Package cataloguetest fills a catalogue with a small but complete set of
// related objects for tests.
package cataloguetest

import (
	"context"
	"time"

	"icatkit/internal/catalogue"
	"icatkit/internal/entity"

	"github.com/pkg/errors"
)

// Names used by Populate.
const (
	Facility      = "ESNF"
	Investigation = "12100409-ST"
	VisitID       = "1.1-P"
	Grouping      = "writer"
	User          = "db/ahau"
)

// Populated holds the objects created by Populate.
type Populated struct {
	Facility       *entity.Entity
	Users          []*entity.Entity
	Grouping       *entity.Entity
	Investigations []*entity.Entity
	Datasets       []*entity.Entity
	DataCollection *entity.Entity
}

// NewMemory returns an in-memory catalogue with the given schema version
// filled by Populate.
func NewMemory(ctx context.Context, version string) (*catalogue.Memory, *Populated, error) {
	reg, err := entity.DefaultRegistry(version)
	if err != nil {
		return nil, nil, err
	}
	mem := catalogue.NewMemory(reg)
	p, err := Populate(ctx, mem)
	if err != nil {
		return nil, nil, err
	}
	return mem, p, nil
}

type builder struct {
	ctx context.Context
	c   catalogue.Client
	reg *entity.Registry
	err error
}

func (b *builder) obj(typ string, attrs map[string]any, rels map[string]*entity.Entity) *entity.Entity {
	e, err := b.reg.New(typ)
	if err != nil {
		b.fail(err)
		return nil
	}
	for k, v := range attrs {
		b.fail(e.Set(k, v))
	}
	for k, t := range rels {
		b.fail(e.SetRel(k, t))
	}
	return e
}

func (b *builder) create(e *entity.Entity) *entity.Entity {
	if b.err != nil || e == nil {
		return e
	}
	if err := b.c.Create(b.ctx, e); err != nil {
		b.fail(errors.Wrapf(err, "create %s", e))
	}
	return e
}

func (b *builder) child(parent *entity.Entity, rel string, c *entity.Entity) {
	if parent == nil || c == nil {
		return
	}
	b.fail(parent.AddChild(rel, c))
}

func (b *builder) fail(err error) {
	if err != nil && b.err == nil {
		b.err = err
	}
}

func date(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t.UTC()
}

// Populate creates a facility with users, groups, two investigations with
// samples, datasets, datafiles and parameters, a study and a data
// collection. Objects of types missing from the schema version are skipped.
func Populate(ctx context.Context, c catalogue.Client) (*Populated, error) {
	reg := c.Registry()
	b := &builder{ctx: ctx, c: c, reg: reg}
	p := &Populated{}
	_, v5 := reg.Lookup("Technique")

	// authorization
	for _, u := range []struct{ name, full string }{
		{User, "Arnold Hau"},
		{"db/jbotu", "Jean-Baptiste Botul"},
		{"db/nbour", "Nicolas Bourbaki"},
	} {
		p.Users = append(p.Users, b.create(b.obj("User", map[string]any{"name": u.name, "fullName": u.full}, nil)))
	}
	p.Grouping = b.obj("Grouping", map[string]any{"name": Grouping}, nil)
	for _, u := range p.Users[:2] {
		b.child(p.Grouping, "userGroups", b.obj("UserGroup", nil, map[string]*entity.Entity{"user": u}))
	}
	b.create(p.Grouping)
	b.create(b.obj("Rule", map[string]any{"crudFlags": "CRUD", "what": "Investigation"}, map[string]*entity.Entity{"grouping": p.Grouping}))
	b.create(b.obj("PublicStep", map[string]any{"origin": "Investigation", "field": "datasets"}, nil))

	// static data
	fac := b.create(b.obj("Facility", map[string]any{
		"name": Facility, "fullName": "Example Neutron Source Facility", "daysUntilRelease": 1826,
	}, nil))
	p.Facility = fac
	on := map[string]*entity.Entity{"facility": fac}
	invType := b.create(b.obj("InvestigationType", map[string]any{"name": "experiment"}, on))
	dsType := b.create(b.obj("DatasetType", map[string]any{"name": "raw"}, on))
	sampleType := b.create(b.obj("SampleType", map[string]any{"name": "NiMnGa", "molecularFormula": "NiMnGa"}, on))
	format := b.create(b.obj("DatafileFormat", map[string]any{"name": "NeXus", "version": "4.3.0"}, on))
	instr := b.obj("Instrument", map[string]any{"name": "E2", "fullName": "E2 - Flat-Cone Diffractometer"}, on)
	b.child(instr, "instrumentScientists", b.obj("InstrumentScientist", nil, map[string]*entity.Entity{"user": p.Users[2]}))
	b.create(instr)
	temp := b.obj("ParameterType", map[string]any{
		"name": "Sample temperature", "units": "K", "valueType": "NUMERIC",
		"applicableToDataset": true, "applicableToSample": true,
	}, on)
	b.create(temp)
	mode := b.obj("ParameterType", map[string]any{
		"name": "Mode", "units": "N/A", "valueType": "STRING", "enforced": true,
		"applicableToDataset": true, "applicableToInvestigation": true,
	}, on)
	b.child(mode, "permissibleStringValues", b.obj("PermissibleStringValue", map[string]any{"value": "single crystal"}, nil))
	b.child(mode, "permissibleStringValues", b.obj("PermissibleStringValue", map[string]any{"value": "powder"}, nil))
	b.create(mode)
	b.create(b.obj("FacilityCycle", map[string]any{
		"name": "2010.1", "startDate": date("2010-01-01T00:00:00Z"), "endDate": date("2010-07-01T00:00:00Z"),
	}, on))
	app := b.create(b.obj("Application", map[string]any{"name": "reduce", "version": "1.0"}, on))
	var technique *entity.Entity
	if v5 {
		technique = b.create(b.obj("Technique", map[string]any{"name": "neutron diffraction", "pid": "PaNET01154"}, nil))
	}

	// investigations
	for i, inv := range []struct{ name, title string }{
		{Investigation, "Gate-tunable superconductivity in NiMnGa"},
		{"10100601-ST", "Ni-Mn-Ga flat cone"},
	} {
		e := b.obj("Investigation", map[string]any{
			"name": inv.name, "visitId": VisitID, "title": inv.title,
			"startDate": date("2010-09-30T10:27:24+02:00"),
		}, map[string]*entity.Entity{"facility": fac, "type": invType})
		b.child(e, "keywords", b.obj("Keyword", map[string]any{"name": "NiMnGa"}, nil))
		b.child(e, "investigationUsers", b.obj("InvestigationUser", map[string]any{"role": "Principal Investigator"}, map[string]*entity.Entity{"user": p.Users[i]}))
		b.child(e, "investigationInstruments", b.obj("InvestigationInstrument", nil, map[string]*entity.Entity{"instrument": instr}))
		b.child(e, "investigationGroups", b.obj("InvestigationGroup", map[string]any{"role": "writer"}, map[string]*entity.Entity{"grouping": p.Grouping}))
		b.child(e, "parameters", b.obj("InvestigationParameter", map[string]any{"stringValue": "single crystal"}, map[string]*entity.Entity{"type": mode}))
		b.create(e)
		p.Investigations = append(p.Investigations, e)

		sample := b.obj("Sample", map[string]any{"name": "ab3465"}, map[string]*entity.Entity{"investigation": e, "type": sampleType})
		b.child(sample, "parameters", b.obj("SampleParameter", map[string]any{"numericValue": 4.2}, map[string]*entity.Entity{"type": temp}))
		b.create(sample)

		for j, dsName := range []string{"e201215", "e201216"} {
			ds := b.obj("Dataset", map[string]any{
				"name": dsName, "complete": j == 0, "startDate": date("2010-10-01T06:17:48Z"),
			}, map[string]*entity.Entity{"investigation": e, "type": dsType, "sample": sample})
			b.child(ds, "parameters", b.obj("DatasetParameter", map[string]any{"numericValue": 4.2 + float64(j)}, map[string]*entity.Entity{"type": temp}))
			if v5 {
				b.child(ds, "datasetTechniques", b.obj("DatasetTechnique", nil, map[string]*entity.Entity{"technique": technique}))
				b.child(ds, "datasetInstruments", b.obj("DatasetInstrument", nil, map[string]*entity.Entity{"instrument": instr}))
			}
			b.create(ds)
			p.Datasets = append(p.Datasets, ds)
			for k, dfName := range []string{dsName + "-1.nxs", dsName + "-2.nxs"} {
				b.create(b.obj("Datafile", map[string]any{
					"name": dfName, "location": e.Get("name").(string) + "/" + dsName + "/" + dfName,
					"fileSize": 1024 * (k + 1), "checksum": "sha256:0",
				}, map[string]*entity.Entity{"dataset": ds, "datafileFormat": format}))
			}
		}
	}

	// study and collection
	if b.err == nil {
		study := b.obj("Study", map[string]any{"name": "Ni-Mn-Ga", "status": "COMPLETE"}, map[string]*entity.Entity{"user": p.Users[0]})
		for _, inv := range p.Investigations {
			b.child(study, "studyInvestigations", b.obj("StudyInvestigation", nil, map[string]*entity.Entity{"investigation": inv}))
		}
		b.create(study)

		dc := b.obj("DataCollection", map[string]any{"doi": "10.5286/dc.1"}, nil)
		for _, ds := range p.Datasets[:2] {
			b.child(dc, "dataCollectionDatasets", b.obj("DataCollectionDataset", nil, map[string]*entity.Entity{"dataset": ds}))
		}
		b.create(dc)
		p.DataCollection = dc
		b.create(b.obj("Job", map[string]any{"arguments": "--fast"}, map[string]*entity.Entity{"application": app, "inputDataCollection": dc}))
	}
	if b.err != nil {
		return nil, b.err
	}
	return p, nil
}
