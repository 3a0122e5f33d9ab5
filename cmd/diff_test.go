package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunConfigDiff_AgainstDefaults(t *testing.T) {
	path := writeConfig(t, "a.hcl", `
queue {
  workers = 9
}
`)
	var out bytes.Buffer
	err := RunConfigDiff(path, "", &out)
	require.ErrorIs(t, err, ErrConfigDiffers)
	assert.Contains(t, out.String(), "--- defaults")
	assert.Contains(t, out.String(), "+  workers")
	assert.Contains(t, out.String(), "9")
}

func TestRunConfigDiff_Identical(t *testing.T) {
	a := writeConfig(t, "a.hcl", `log { level = "debug" }`)
	b := writeConfig(t, "b.json", `{"log": {"level": "debug"}}`)

	var out bytes.Buffer
	require.NoError(t, RunConfigDiff(a, b, &out))
	assert.Contains(t, out.String(), "No changes")
}

func TestRunConfigDiff_BadFile(t *testing.T) {
	assert.Error(t, RunConfigDiff("/nonexistent/foreman.hcl", "", &bytes.Buffer{}))
}
