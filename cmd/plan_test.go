package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlanCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: slices
output: inspect
arrays: [RAW]
nodes:
  - name: raw
    type: array
    params: {key: RAW, begin: [0, 0, 0], shape: [1, 8, 8]}
  - name: squeeze
    type: squeeze
    upstream: [raw]
    params: {key: RAW}
  - name: inspect
    type: inspect
    upstream: [squeeze]
request:
  seed: 1
  entries:
    - {key: RAW, shape: [4, 4]}
`), 0o600))

	var out bytes.Buffer
	rootCmd := NewRootCommand()
	rootCmd.AddCommand(NewPlanCommand())
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"plan", path})
	require.NoError(t, rootCmd.Execute())

	plan := out.String()
	require.Contains(t, plan, `source "raw"`)
	require.Contains(t, plan, `filter "squeeze" <- raw`)
	require.Contains(t, plan, `request to "inspect"`)
	require.Contains(t, plan, "inspect forwards the request to squeeze")
	require.Contains(t, plan, "squeeze asks raw for:")
	require.Contains(t, plan, "[0:1, 0:4, 0:4]")
}

func TestPlanCommandRequiresADefinition(t *testing.T) {
	rootCmd := NewRootCommand()
	rootCmd.AddCommand(NewPlanCommand())
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"plan"})
	require.Error(t, rootCmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd := NewRootCommand()
	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	require.Contains(t, out.String(), "voxpipe version dev")
}
