package entity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryVersions(t *testing.T) {
	old, err := DefaultRegistry("4.4")
	require.NoError(t, err)
	_, ok := old.Lookup("Technique")
	assert.False(t, ok)
	ds, err := old.Type("Dataset")
	require.NoError(t, err)
	_, ok = ds.Many("datasetTechniques")
	assert.False(t, ok)

	cur, err := DefaultRegistry("5.0.1")
	require.NoError(t, err)
	_, ok = cur.Lookup("Technique")
	assert.True(t, ok)
	ds, err = cur.Type("Dataset")
	require.NoError(t, err)
	rel, ok := ds.Many("datasetTechniques")
	require.True(t, ok)
	assert.Equal(t, "DatasetTechnique", rel.Target)
	assert.Equal(t, "dataset", rel.Inverse)

	name, ok := cur.TypeForElement("investigationGroup")
	assert.True(t, ok)
	assert.Equal(t, "InvestigationGroup", name)
}

func TestEntityCollectionsStartEmpty(t *testing.T) {
	reg := testRegistry(t)
	inv := reg.MustNew("Investigation")
	kids := inv.Children("datasets")
	require.NotNil(t, kids)
	assert.Empty(t, kids)
	assert.False(t, inv.HasChildren())
	assert.Nil(t, inv.Children("nope"))
}

func TestEntitySetCoerces(t *testing.T) {
	reg := testRegistry(t)
	df := reg.MustNew("Datafile")
	require.NoError(t, df.Set("fileSize", "1024"))
	assert.Equal(t, int64(1024), df.Get("fileSize"))
	require.NoError(t, df.Set("datafileCreateTime", "2020-05-01T10:00:00+02:00"))
	assert.Equal(t, time.Date(2020, 5, 1, 8, 0, 0, 0, time.UTC), df.Get("datafileCreateTime"))
	require.NoError(t, df.Set("id", 42))
	assert.Equal(t, int64(42), df.ID)

	assert.ErrorIs(t, df.Set("fileSize", "big"), ErrInvalidValue)
	assert.ErrorIs(t, df.Set("nope", 1), ErrUnknownAttribute)

	require.NoError(t, df.Set("fileSize", nil))
	assert.Nil(t, df.Get("fileSize"))
}

func TestEntityRelationsTypeChecked(t *testing.T) {
	reg := testRegistry(t)
	ds := reg.MustNew("Dataset")
	assert.Error(t, ds.SetRel("investigation", reg.MustNew("Facility")))
	assert.Error(t, ds.AddChild("datafiles", reg.MustNew("Dataset")))
	require.NoError(t, ds.AddChild("datafiles", reg.MustNew("Datafile")))
	assert.True(t, ds.HasChildren())
}

func TestAttributeValuePath(t *testing.T) {
	reg := testRegistry(t)
	fac := reg.MustNew("Facility").MustSet("name", "F")
	inv := reg.MustNew("Investigation").MustSetRel("facility", fac)
	ds := reg.MustNew("Dataset").MustSetRel("investigation", inv)

	v, err := ds.AttributeValue("investigation.facility.name")
	require.NoError(t, err)
	assert.Equal(t, "F", v)

	_, err = ds.AttributeValue("sample.name")
	var ie *InternalError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "sample.name", ie.Path)

	_, err = ds.AttributeValue("name.x")
	require.ErrorAs(t, err, &ie)
}

func TestCompareNaturalOrder(t *testing.T) {
	reg := testRegistry(t)
	f1 := reg.MustNew("Facility").MustSet("name", "A")
	f2 := reg.MustNew("Facility").MustSet("name", "B")
	i1 := reg.MustNew("Investigation").MustSetRel("facility", f2).MustSet("name", "a").MustSet("visitId", "1")
	i2 := reg.MustNew("Investigation").MustSetRel("facility", f1).MustSet("name", "z").MustSet("visitId", "1")
	i3 := reg.MustNew("Investigation").MustSetRel("facility", f1).MustSet("name", "m").MustSet("visitId", "1")
	es := []*Entity{i1, i2, i3}
	Sort(es)
	assert.Equal(t, []*Entity{i3, i2, i1}, es)
}

func TestEqualAndDiff(t *testing.T) {
	reg := testRegistry(t)
	a := reg.MustNew("User").MustSet("name", "u").MustSet("email", "a@x")
	b := reg.MustNew("User").MustSet("name", "u").MustSet("email", "a@x")
	assert.False(t, Equal(a, b))
	a.ID, b.ID = 5, 5
	assert.True(t, Equal(a, b))
	assert.Equal(t, "", Diff(a, b))

	b.MustSet("email", "b@x")
	assert.Equal(t, "email", Diff(a, b))

	c := a.Copy()
	c.Assign(b)
	assert.Equal(t, "", Diff(c, b))
	assert.Equal(t, int64(5), c.ID)
}

func TestVersionCompare(t *testing.T) {
	assert.True(t, VersionAtLeast("5.0", "5.0"))
	assert.True(t, VersionAtLeast("5.0.1-SNAPSHOT", "5.0"))
	assert.False(t, VersionAtLeast("4.10", "5.0"))
	assert.True(t, VersionAtLeast("4.10", "4.9"))
	assert.Equal(t, 0, CompareVersions("5", "5.0.0"))
}

type describeIntrospector struct{ reg *Registry }

func (d describeIntrospector) EntityInfo(_ context.Context, typ string) (*EntityInfo, error) {
	ti, err := d.reg.Type(typ)
	if err != nil {
		return nil, err
	}
	return ti.Describe(), nil
}

func TestLoadRegistryRoundTrip(t *testing.T) {
	src := testRegistry(t)
	reg, err := LoadRegistry(context.Background(), describeIntrospector{src}, "5.0", src.Types())
	require.NoError(t, err)
	assert.Equal(t, src.Types(), reg.Types())

	want, _ := src.Lookup("InvestigationUser")
	got, _ := reg.Lookup("InvestigationUser")
	assert.Equal(t, want.Constraint, got.Constraint)
	assert.Equal(t, want.Attributes(), got.Attributes())
	assert.Equal(t, want.OneRelations(), got.OneRelations())
	assert.True(t, got.Required("user"))

	_, err = LoadRegistry(context.Background(), describeIntrospector{src}, "5.0", []string{"Nope"})
	assert.ErrorIs(t, err, ErrUnknownType)
}
