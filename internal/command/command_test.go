package command

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/23skdu/ckpt2npy/internal/checkpoint"
	"github.com/23skdu/ckpt2npy/internal/checkpoint/checkpointtest"
	"github.com/23skdu/ckpt2npy/internal/config"
	"github.com/23skdu/ckpt2npy/internal/manifest"
	"github.com/23skdu/ckpt2npy/internal/picker"
)

func writeCheckpoint(t *testing.T) string {
	t.Helper()
	prefix := filepath.Join(t.TempDir(), "model.ckpt-7")
	tensors := []checkpointtest.Tensor{
		checkpointtest.Sequence("conv1/weights", 3, 3, 3, 16),
		checkpointtest.Float32("conv1/bias", []int64{2}, 0.5, -0.5),
		checkpointtest.Int64("global_step", nil, 7),
	}
	require.NoError(t, checkpointtest.WriteBundle(prefix, tensors, checkpointtest.Options{}))
	return prefix + checkpoint.IndexExt
}

// run executes the app with args and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := App()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"ckpt2npy"}, args...))
	return out.String(), err
}

func TestAppCommands(t *testing.T) {
	app := App()
	names := make(map[string]bool)
	for _, c := range app.Commands {
		names[c.Name] = true
	}
	for _, want := range []string{"export", "list", "verify", "pick"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}

	flags := make(map[string]bool)
	for _, f := range globalFlags() {
		flags[f.Names()[0]] = true
	}
	for name := range flagKeys {
		assert.True(t, flags[name], "flag %s has no definition", name)
	}
}

func TestRootExportsPositionalPath(t *testing.T) {
	path := writeCheckpoint(t)
	dest := filepath.Join(t.TempDir(), "out")

	out, err := run(t, "--dest", dest, path)
	require.NoError(t, err)

	assert.Contains(t, out, "3 tensors found.")
	assert.Contains(t, out, "| global_step | () | int64 |")
	assert.Contains(t, out, "Saved as "+filepath.Join(dest, "model.ckpt-7_metadata.json"))

	entries, err := manifest.Read(filepath.Join(dest, "model.ckpt-7_metadata.json"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "conv1_bias.npy", entries[0].Filename)
	assert.FileExists(t, filepath.Join(dest, "global_step.npy"))
}

func TestExportSubcommandBothModes(t *testing.T) {
	path := writeCheckpoint(t)
	dest := t.TempDir()

	_, err := run(t, "--dest", dest, "--mode", "both", "--compress", "export", path)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dest, "model.ckpt-7.npz"))
	assert.FileExists(t, filepath.Join(dest, "model.ckpt-7_metadata.json"))
	assert.FileExists(t, filepath.Join(dest, "conv1_weights.npy"))
}

func TestExportArguments(t *testing.T) {
	_, err := run(t, "export")
	assert.Error(t, err)
	_, err = run(t, "export", "a.index", "b.index")
	assert.Error(t, err)
}

func TestExportInvalidPath(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")
	_, err := run(t, "--dest", dest, "export", "model.txt")
	require.ErrorIs(t, err, checkpoint.ErrInvalidFormat)
	assert.NoDirExists(t, dest)
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := writeCheckpoint(t)
	fileDest := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "ckpt2npy.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("dest: "+fileDest+"\nformat: arrow\n"), 0o644))

	_, err := run(t, "--config", cfgPath, "--format", "npy", path)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(fileDest, "conv1_bias.npy"))
	assert.NoFileExists(t, filepath.Join(fileDest, "conv1_bias.arrow"))
}

func TestConfigFileWithoutFlags(t *testing.T) {
	path := writeCheckpoint(t)
	fileDest := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "ckpt2npy.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("dest: "+fileDest+"\nformat: arrow\n"), 0o644))

	_, err := run(t, "--config", cfgPath, path)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(fileDest, "conv1_bias.arrow"))
}

func TestInvalidSettingsFailBeforeExport(t *testing.T) {
	path := writeCheckpoint(t)
	dest := filepath.Join(t.TempDir(), "out")

	_, err := run(t, "--dest", dest, "--mode", "everything", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
	assert.NoDirExists(t, dest)
}

func TestListWritesNothing(t *testing.T) {
	path := writeCheckpoint(t)
	dest := filepath.Join(t.TempDir(), "out")

	out, err := run(t, "--dest", dest, "list", path)
	require.NoError(t, err)
	assert.Contains(t, out, "3 tensors found.")
	assert.Contains(t, out, "| conv1/weights | (3, 3, 3, 16) | float32 |")
	assert.NotContains(t, out, "Saved as")
	assert.NoDirExists(t, dest)
}

func TestVerify(t *testing.T) {
	path := writeCheckpoint(t)
	dest := t.TempDir()
	_, err := run(t, "--dest", dest, path)
	require.NoError(t, err)

	out, err := run(t, "verify", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "3 files OK")

	require.NoError(t, os.WriteFile(filepath.Join(dest, "conv1_bias.npy"), []byte("tampered"), 0o644))
	out, err = run(t, "verify", dest, filepath.Join(dest, "model.ckpt-7_metadata.json"))
	require.ErrorIs(t, err, manifest.ErrChecksumMismatch)
	assert.Contains(t, out, "FAIL conv1_bias.npy")
	assert.NotContains(t, out, "conv1_weights.npy")
}

func TestVerifyWithoutManifest(t *testing.T) {
	_, err := run(t, "verify", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no *_metadata.json")
}

func stubPicker(t *testing.T, p picker.Picker) {
	t.Helper()
	prev := newPicker
	newPicker = func(*cli.Context) picker.Picker { return p }
	t.Cleanup(func() { newPicker = prev })
}

func TestPick(t *testing.T) {
	path := writeCheckpoint(t)
	dest := filepath.Join(t.TempDir(), "picked")
	stubPicker(t, picker.Static{File: path, Directory: dest})

	out, err := run(t, "pick")
	require.NoError(t, err)
	assert.Contains(t, out, "3 tensors found.")
	assert.FileExists(t, filepath.Join(dest, "model.ckpt-7_metadata.json"))
}

func TestRootWithoutArgumentsPicks(t *testing.T) {
	path := writeCheckpoint(t)
	dest := t.TempDir()
	stubPicker(t, picker.Static{File: path, Directory: dest})

	_, err := run(t)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "conv1_weights.npy"))
}

func TestPickCancelled(t *testing.T) {
	path := writeCheckpoint(t)
	stubPicker(t, picker.Static{File: path})

	out, err := run(t, "pick")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing selected.")
}

func TestRunInteractiveKeepsOtherSettings(t *testing.T) {
	path := writeCheckpoint(t)
	dest := t.TempDir()
	cfg := config.Default()
	cfg.Mode = config.ModeBundle

	res, err := RunInteractive(io.Discard, cfg, picker.Static{File: path, Directory: dest})
	require.NoError(t, err)
	require.NotNil(t, res.Bundle)
	assert.Equal(t, filepath.Join(dest, "model.ckpt-7.npz"), res.Bundle.Path)
	assert.Equal(t, "./output", cfg.Dest)
}

func TestMetricsFile(t *testing.T) {
	path := writeCheckpoint(t)
	metricsPath := filepath.Join(t.TempDir(), "ckpt2npy.prom")

	_, err := run(t, "--dest", t.TempDir(), "--metrics-file", metricsPath, path)
	require.NoError(t, err)

	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ckpt2npy_tensors_exported_total")
	assert.Contains(t, string(data), "ckpt2npy_export_duration_seconds")
}

func TestOverridesOnlySetFlags(t *testing.T) {
	var got config.Overrides
	app := &cli.App{
		Flags: globalFlags(),
		Action: func(c *cli.Context) error {
			got = overrides(c)
			return nil
		},
	}
	require.NoError(t, app.Run([]string{"ckpt2npy", "--strict", "--log-level", "debug"}))

	assert.Equal(t, config.Overrides{
		"strict": true,
		"log":    map[string]any{"level": "debug"},
	}, got)
}
