package prefs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-netctl/internal/core"
)

func TestGetPutDelete(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put("k", []byte("v1")))
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, s.Delete("k"))
	_, err = s.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete("k"))
}

func TestFailoverSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	want := core.FailoverYAML{
		LatencyThresholdMs: 180,
		Window:             7,
		Cooldown:           "20s",
		RestoreDelay:       "0s",
		PreferredPath:      "wifi",
	}

	s, err := Open(dir)
	require.NoError(t, err)
	_, err = s.LoadFailover()
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.SaveFailover(want))
	require.NoError(t, s.SetPreferredPath("wifi"))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadFailover()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	p, err := s.PreferredPath()
	require.NoError(t, err)
	assert.Equal(t, "wifi", p)

	require.NoError(t, s.SetPreferredPath(""))
	_, err = s.PreferredPath()
	assert.ErrorIs(t, err, ErrNotFound)
}
