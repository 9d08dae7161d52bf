package catalogue_test

import (
	"context"
	"testing"

	"icatkit/internal/catalogue"
	"icatkit/internal/catalogue/cataloguetest"
	"icatkit/internal/entity"
	"icatkit/internal/query"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemory(t *testing.T) (*catalogue.Memory, *cataloguetest.Populated) {
	t.Helper()
	mem, p, err := cataloguetest.NewMemory(context.Background(), "5.0")
	require.NoError(t, err)
	return mem, p
}

func TestMemoryCreateCascadesAndAssignsIDs(t *testing.T) {
	mem, p := newMemory(t)
	require.NotZero(t, p.Grouping.ID)
	for _, ug := range p.Grouping.Children("userGroups") {
		assert.NotZero(t, ug.ID)
		assert.Same(t, p.Grouping, ug.Rel("grouping"))
	}
	assert.Equal(t, 3, mem.Count("User"))
	assert.Equal(t, 2, mem.Count("UserGroup"))
	assert.Equal(t, 2, mem.Count("Investigation"))
	assert.Equal(t, 8, mem.Count("Datafile"))
}

func TestMemoryRejectsDuplicates(t *testing.T) {
	mem, _ := newMemory(t)
	ctx := context.Background()
	reg := mem.Registry()
	err := mem.Create(ctx, reg.MustNew("User").MustSet("name", cataloguetest.User))
	assert.ErrorIs(t, err, catalogue.ErrObjectExists)
	assert.Equal(t, 3, mem.Count("User"))
}

func TestMemoryCreateIsAtomic(t *testing.T) {
	mem, p := newMemory(t)
	ctx := context.Background()
	reg := mem.Registry()
	g := reg.MustNew("Grouping").MustSet("name", "fresh")
	g.MustAddChild("userGroups", reg.MustNew("UserGroup").MustSetRel("user", p.Users[0]))
	g.MustAddChild("userGroups", reg.MustNew("UserGroup").MustSetRel("user", p.Users[0]))
	err := mem.Create(ctx, g)
	assert.ErrorIs(t, err, catalogue.ErrObjectExists)
	assert.Zero(t, g.ID)
	assert.Equal(t, 1, mem.Count("Grouping"))
	assert.Equal(t, 2, mem.Count("UserGroup"))
}

func TestMemoryNotNull(t *testing.T) {
	mem, _ := newMemory(t)
	reg := mem.Registry()
	err := mem.Create(context.Background(), reg.MustNew("Facility"))
	assert.ErrorIs(t, err, catalogue.ErrValidation)
}

func TestMemorySearchConditionsAndIncludes(t *testing.T) {
	mem, _ := newMemory(t)
	ctx := context.Background()

	res, err := mem.Search(ctx, query.New("Dataset").
		Eq("investigation.name", cataloguetest.Investigation).
		Where("complete", query.OpEq, "true").
		Include("datafiles", "parameters.type"))
	require.NoError(t, err)
	require.Len(t, res, 1)
	ds := res[0]
	assert.Equal(t, "e201215", ds.Get("name"))
	assert.Equal(t, cataloguetest.Facility, ds.Rel("investigation").Rel("facility").Get("name"))
	assert.Len(t, ds.Children("datafiles"), 2)
	require.Len(t, ds.Children("parameters"), 1)
	assert.Equal(t, "K", ds.Children("parameters")[0].Rel("type").Get("units"))
	assert.Empty(t, ds.Children("datasetTechniques"))

	res, err = mem.Search(ctx, query.New("Datafile").Where("fileSize", query.OpGt, 1500).OrderBy("name"))
	require.NoError(t, err)
	require.Len(t, res, 4)
	assert.Equal(t, "e201215-2.nxs", res[0].Get("name"))

	res, err = mem.Search(ctx, query.New("Datafile").Where("name", query.OpLike, "e201216-%").Limit(1, 10))
	require.NoError(t, err)
	assert.Len(t, res, 3)

	res, err = mem.Search(ctx, query.New("Rule").Where("grouping", query.OpIsNotNull, nil))
	require.NoError(t, err)
	assert.Len(t, res, 1)

	_, err = mem.Search(ctx, query.New("Nope"))
	assert.ErrorIs(t, err, catalogue.ErrValidation)
}

func TestMemorySearchReturnsCopies(t *testing.T) {
	mem, _ := newMemory(t)
	ctx := context.Background()
	res, err := mem.Search(ctx, query.New("User").Eq("name", cataloguetest.User))
	require.NoError(t, err)
	require.Len(t, res, 1)
	res[0].MustSet("fullName", "changed")

	again, err := mem.Search(ctx, query.New("User").Eq("name", cataloguetest.User))
	require.NoError(t, err)
	assert.Equal(t, "Arnold Hau", again[0].Get("fullName"))
}

func TestMemoryUpdate(t *testing.T) {
	mem, p := newMemory(t)
	ctx := context.Background()
	u := p.Users[1].Bare()
	u.MustSet("email", "jb@example.org")
	require.NoError(t, mem.Update(ctx, u))
	got := mem.All("User")[1]
	assert.Equal(t, "jb@example.org", got.Get("email"))

	clash := p.Users[1].Bare().MustSet("name", cataloguetest.User)
	assert.ErrorIs(t, mem.Update(ctx, clash), catalogue.ErrObjectExists)

	missing := mem.Registry().MustNew("User").MustSet("name", "x")
	missing.ID = 9999
	assert.ErrorIs(t, mem.Update(ctx, missing), catalogue.ErrNotFound)
}

func TestMemoryIDOnlyChildren(t *testing.T) {
	mem, p := newMemory(t)
	all := mem.All("DataCollection", "dataCollectionDatasets.dataset")
	require.Len(t, all, 1)
	assert.Equal(t, p.DataCollection.ID, all[0].ID)
	links := all[0].Children("dataCollectionDatasets")
	require.Len(t, links, 2)
	assert.Equal(t, "e201215", links[0].Rel("dataset").Get("name"))
}

func TestMemoryIntrospection(t *testing.T) {
	mem, _ := newMemory(t)
	reg, err := entity.LoadRegistry(context.Background(), mem, "5.0", []string{"Facility", "Instrument", "InstrumentScientist", "User",
		"Investigation", "InvestigationInstrument", "DatasetInstrument", "Dataset"})
	// the subset is not closed under relations
	require.Error(t, err)
	assert.Nil(t, reg)

	reg, err = entity.LoadRegistry(context.Background(), mem, "5.0", mem.Registry().Types())
	require.NoError(t, err)
	cons, err := catalogue.NewMemory(reg).ConstraintAttributes("InvestigationUser")
	require.NoError(t, err)
	assert.Equal(t, []string{"user", "investigation", "role"}, cons)
}
