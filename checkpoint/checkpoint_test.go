package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s := NewStore(dir, JSONCodec{})
	s.SetInputs("parcels.shp", "slope.tif")
	s.RegisterGroup(0, 10)
	s.RegisterGroup(1, 4)
	require.NoError(t, s.GroupRunning(0))
	require.NoError(t, s.GroupProgress(0, 5, 1, "group_0_in_progress.geojson"))
	require.NoError(t, s.GroupComplete(0, 10, 1, "group_0_complete.geojson"))

	loaded, resumed, err := OpenStore(dir, JSONCodec{})
	require.NoError(t, err)
	assert.True(t, resumed)

	parcels, raster := loaded.Inputs()
	assert.Equal(t, "parcels.shp", parcels)
	assert.Equal(t, "slope.tif", raster)

	st := loaded.State()
	require.Contains(t, st.Groups, 0)
	assert.Equal(t, GroupComplete, st.Groups[0].Status)
	assert.Equal(t, 10, st.Groups[0].Processed)
	assert.Equal(t, 1, st.Groups[0].Failed)
	assert.Equal(t, GroupPending, st.Groups[1].Status)

	assert.Equal(t, map[int]string{0: "group_0_complete.geojson"}, loaded.CompletedGroups())
}

func TestOpenStoreFreshWhenMissing(t *testing.T) {
	s, resumed, err := OpenStore(t.TempDir(), JSONCodec{})
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Empty(t, s.State().Groups)
}

func TestGobCodec(t *testing.T) {
	dir := t.TempDir()

	s := NewStore(dir, GobCodec{})
	s.RegisterGroup(3, 7)
	require.NoError(t, s.GroupComplete(3, 7, 0, "group_3_complete.geojson"))
	assert.Equal(t, filepath.Join(dir, "run_state.gob"), s.Path())

	loaded, resumed, err := OpenStore(dir, GobCodec{})
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, GroupComplete, loaded.State().Groups[3].Status)
}

func TestRegisterGroupKeepsCompletedEntries(t *testing.T) {
	s := NewStore(t.TempDir(), JSONCodec{})
	s.RegisterGroup(0, 10)
	require.NoError(t, s.GroupComplete(0, 10, 0, "group_0_complete.geojson"))

	// Same partition: the completed entry survives a re-register.
	s.RegisterGroup(0, 10)
	assert.Equal(t, GroupComplete, s.State().Groups[0].Status)

	// Different parcel count: the partition changed, so the entry resets.
	s.RegisterGroup(0, 12)
	assert.Equal(t, GroupPending, s.State().Groups[0].Status)
	assert.Empty(t, s.CompletedGroups())
}

func TestFailedPartialIsNotCompleted(t *testing.T) {
	s := NewStore(t.TempDir(), JSONCodec{})
	s.RegisterGroup(0, 10)
	require.NoError(t, s.GroupFailed(0, 10, 6, "group_0_complete.geojson"))

	assert.Equal(t, GroupFailedPartial, s.State().Groups[0].Status)
	assert.Empty(t, s.CompletedGroups())
}

func TestUpdateUnknownGroup(t *testing.T) {
	s := NewStore(t.TempDir(), JSONCodec{})
	assert.Error(t, s.GroupRunning(99))
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, JSONCodec{})
	require.NoError(t, s.Save())

	_, err := os.Stat(s.Path())
	require.NoError(t, err)
	_, err = os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
