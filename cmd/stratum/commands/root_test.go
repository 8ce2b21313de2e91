package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand("test", "abc", "today")

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "migrate", "resume", "jobs", "regions", "policy"} {
		assert.Contains(t, names, want)
	}

	jobs, _, err := root.Find([]string{"jobs", "cancel"})
	require.NoError(t, err)
	assert.Equal(t, "cancel", jobs.Name())
}

func TestLocalLocation(t *testing.T) {
	t.Setenv("STRATUM_REGIONS_FILE", "")

	loc, err := localLocation("local", "Europe")
	require.NoError(t, err)
	assert.Equal(t, "global/europe", loc.Path)
	require.Len(t, loc.Locations, 2)
	assert.Equal(t, "belgium", loc.Locations[0].Name)

	_, err = localLocation("mars", "")
	assert.Error(t, err)
}
