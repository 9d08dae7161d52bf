package dumpfile

import (
	"testing"

	"icatkit/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexResetKeepsUnconstrainedTypes(t *testing.T) {
	reg, err := entity.DefaultRegistry("5.0")
	require.NoError(t, err)
	x := NewIndex()

	user := reg.MustNew("User").MustSet("name", "db/ahau")
	user.ID = 7
	dc := reg.MustNew("DataCollection")
	dc.ID = 9
	x.Put("User_name-db=2Fahau", user)
	dcKey := x.NextKey("DataCollection")
	assert.Equal(t, "DataCollection_00000001", dcKey)
	x.Put(dcKey, dc)
	assert.Equal(t, 2, x.Len())

	copyOfUser := reg.MustNew("User")
	copyOfUser.ID = 7
	k, ok := x.KeyOf(copyOfUser)
	assert.True(t, ok)
	assert.Equal(t, "User_name-db=2Fahau", k)

	_, ok = x.Key(entity.Identity{Type: "User", ID: 7})
	assert.False(t, ok, "constrained types are keyed by their unique key")
	k, ok = x.Key(entity.Identity{Type: "DataCollection", ID: 9})
	assert.True(t, ok)
	assert.Equal(t, dcKey, k)

	x.Reset()
	assert.Equal(t, 1, x.Len())
	_, ok = x.Get("User_name-db=2Fahau")
	assert.False(t, ok)
	got, ok := x.Get(dcKey)
	assert.True(t, ok)
	assert.Same(t, dc, got)
	assert.Equal(t, "Job_00000002", x.NextKey("Job"))
}

func TestIndexUnsavedEntitiesByPointer(t *testing.T) {
	reg, err := entity.DefaultRegistry("5.0")
	require.NoError(t, err)
	x := NewIndex()
	a := reg.MustNew("Grouping").MustSet("name", "a")
	b := reg.MustNew("Grouping").MustSet("name", "a")
	x.Put("g", a)
	_, ok := x.KeyOf(a)
	assert.True(t, ok)
	_, ok = x.KeyOf(b)
	assert.False(t, ok)
}

func TestParseDuplicatePolicy(t *testing.T) {
	for in, want := range map[string]DuplicatePolicy{
		"": Throw, "throw": Throw, "IGNORE": Ignore, " check ": Check, "Overwrite": Overwrite,
	} {
		got, err := ParseDuplicatePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDuplicatePolicy("merge")
	assert.Error(t, err)
	assert.Equal(t, "CHECK", Check.String())
	assert.Equal(t, "UNKNOWN", DuplicatePolicy(-1).String())
	assert.Equal(t, "UNKNOWN", DuplicatePolicy(len(policyNames)).String())
}

func TestRecorderRequiresChunks(t *testing.T) {
	r := &Recorder{}
	assert.Error(t, r.WriteObject(NewObject("User", "")))
	assert.Error(t, r.EndChunk())
	require.NoError(t, r.BeginChunk())
	assert.Error(t, r.BeginChunk())
	require.NoError(t, r.WriteObject(NewObject("User", "")))
	require.NoError(t, r.EndChunk())
	chunks, err := ReadAll(r.Decoder())
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].Objects, 1)
}
