package export

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/ckpt2npy/internal/arrowfile"
	"github.com/23skdu/ckpt2npy/internal/checkpoint"
	"github.com/23skdu/ckpt2npy/internal/checkpoint/checkpointtest"
	"github.com/23skdu/ckpt2npy/internal/manifest"
	"github.com/23skdu/ckpt2npy/internal/npy"
)

func conv1() []checkpointtest.Tensor {
	bias := make([]float32, 16)
	for i := range bias {
		bias[i] = float32(i) / 10
	}
	return []checkpointtest.Tensor{
		checkpointtest.Sequence("conv1/weights", 3, 3, 3, 16),
		checkpointtest.Float32("conv1/bias", []int64{16}, bias...),
	}
}

// writeBundle writes a multi-file checkpoint and returns the path of its
// index file.
func writeBundle(t *testing.T, tensors []checkpointtest.Tensor) string {
	t.Helper()
	prefix := filepath.Join(t.TempDir(), "model.ckpt-100")
	require.NoError(t, checkpointtest.WriteBundle(prefix, tensors, checkpointtest.Options{}))
	require.NoError(t, checkpointtest.WriteMeta(prefix))
	return prefix + checkpoint.IndexExt
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRunConv1(t *testing.T) {
	path := writeBundle(t, conv1())
	dest := filepath.Join(t.TempDir(), "out")
	var summary bytes.Buffer

	res, err := New(Options{Dest: dest, Summary: &summary}).Run(path)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Tensors)
	assert.Empty(t, res.Failures)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "conv1/bias", res.Entries[0].TensorName)
	assert.Equal(t, "conv1_bias.npy", res.Entries[0].Filename)
	assert.Equal(t, "conv1/weights", res.Entries[1].TensorName)
	assert.Equal(t, "conv1_weights.npy", res.Entries[1].Filename)
	for _, e := range res.Entries {
		assert.Len(t, e.Checksum, 32)
	}

	assert.Equal(t, filepath.Join(dest, "model.ckpt-100_metadata.json"), res.ManifestPath)
	assert.ElementsMatch(t, []string{"conv1_bias.npy", "conv1_weights.npy", "model.ckpt-100_metadata.json"}, dirNames(t, dest))

	out := summary.String()
	assert.True(t, strings.HasPrefix(out, "2 tensors found.\n| Name | Shape | DType |\n=======\n"))
	assert.Contains(t, out, "| conv1/bias | (16,) | float32 |\n")
	assert.Contains(t, out, "| conv1/weights | (3, 3, 3, 16) | float32 |\n")
	assert.Contains(t, out, "Saved as "+res.ManifestPath)

	f, err := os.Open(filepath.Join(dest, "conv1_weights.npy"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	h, data, err := npy.Read(f)
	require.NoError(t, err)
	assert.Equal(t, "<f4", h.Descr)
	assert.Equal(t, []int64{3, 3, 3, 16}, h.Shape)
	assert.Equal(t, float32(431), checkpoint.Float32s(data)[431])
}

func TestRunManifestRoundTrip(t *testing.T) {
	path := writeBundle(t, conv1())
	dest := t.TempDir()

	res, err := New(Options{Dest: dest}).Run(path)
	require.NoError(t, err)

	entries, err := manifest.Read(res.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, res.Entries, entries)

	for _, e := range entries {
		sum, err := manifest.Checksum(filepath.Join(dest, e.Filename))
		require.NoError(t, err)
		assert.Equal(t, e.Checksum, sum, e.Filename)
	}
	mismatches, err := manifest.Verify(dest, entries)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestRunReproducible(t *testing.T) {
	path := writeBundle(t, conv1())

	var manifests [][]byte
	for i := 0; i < 2; i++ {
		res, err := New(Options{Dest: t.TempDir()}).Run(path)
		require.NoError(t, err)
		data, err := os.ReadFile(res.ManifestPath)
		require.NoError(t, err)
		manifests = append(manifests, data)
	}
	assert.Equal(t, manifests[0], manifests[1])
}

func TestRunCompanionPathsAgree(t *testing.T) {
	index := writeBundle(t, conv1())
	prefix := strings.TrimSuffix(index, checkpoint.IndexExt)

	for _, p := range []string{index, prefix + checkpoint.MetaExt, checkpoint.DataShardPath(prefix, 0, 1)} {
		res, err := New(Options{Dest: t.TempDir()}).Run(p)
		require.NoError(t, err, p)
		assert.Equal(t, prefix, res.Prefix)
		assert.Len(t, res.Entries, 2)
		assert.Equal(t, "model.ckpt-100_metadata.json", filepath.Base(res.ManifestPath))
	}
}

func TestRunLegacy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pix2pix.model-88500.ckpt")
	require.NoError(t, checkpointtest.WriteLegacy(path, conv1(), checkpointtest.Options{}))
	dest := t.TempDir()

	res, err := New(Options{Dest: dest}).Run(path)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 2)
	assert.Equal(t, filepath.Join(dest, "pix2pix.model-88500_metadata.json"), res.ManifestPath)
}

func TestRunCreatesMissingDest(t *testing.T) {
	path := writeBundle(t, conv1())
	dest := filepath.Join(t.TempDir(), "a", "b", "c")

	_, err := New(Options{Dest: dest}).Run(path)
	require.NoError(t, err)
	assert.DirExists(t, dest)

	// A second run into the existing directory succeeds too.
	_, err = New(Options{Dest: dest}).Run(path)
	require.NoError(t, err)
}

func TestRunInvalidFormat(t *testing.T) {
	src := filepath.Join(t.TempDir(), "model.pb")
	require.NoError(t, os.WriteFile(src, []byte("graph"), 0o644))
	dest := filepath.Join(t.TempDir(), "out")
	var summary bytes.Buffer

	_, err := New(Options{Dest: dest, Summary: &summary}).Run(src)
	assert.ErrorIs(t, err, checkpoint.ErrInvalidFormat)
	assert.NoDirExists(t, dest)
	assert.Empty(t, summary.String())
}

func TestRunUnreadableCheckpoint(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")

	_, err := New(Options{Dest: dest}).Run(filepath.Join(t.TempDir(), "missing.index"))
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointUnreadable)
	assert.NoDirExists(t, dest)
}

func TestRunPartitionedIsFatal(t *testing.T) {
	part := checkpointtest.Sequence("embedding", 4, 2)
	part.Partitioned = true
	path := writeBundle(t, append(conv1(), part))
	dest := filepath.Join(t.TempDir(), "out")

	_, err := New(Options{Dest: dest}).Run(path)
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointUnreadable)
	assert.ErrorIs(t, err, checkpoint.ErrPartitioned)
	assert.NoDirExists(t, dest)
}

func TestRunTensorWriteFailure(t *testing.T) {
	path := writeBundle(t, conv1())
	dest := t.TempDir()
	// A directory in the way makes the rename of conv1_bias.npy fail.
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "conv1_bias.npy", "occupied"), 0o755))

	res, err := New(Options{Dest: dest}).Run(path)
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "conv1/bias", res.Failures[0].TensorName)
	assert.ErrorIs(t, res.Failures[0].Err, ErrTensorWriteFailed)

	entries, err := manifest.Read(res.ManifestPath)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "conv1/weights", entries[0].TensorName)

	for _, name := range dirNames(t, dest) {
		assert.False(t, strings.HasSuffix(name, ".tmp"), "temporary file %s left behind", name)
	}
}

func TestRunStrict(t *testing.T) {
	path := writeBundle(t, conv1())
	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "conv1_bias.npy", "occupied"), 0o755))

	res, err := New(Options{Dest: dest, Strict: true}).Run(path)
	assert.ErrorIs(t, err, ErrPartialExport)
	require.NotNil(t, res)
	assert.FileExists(t, res.ManifestPath, "manifest is still written for the successes")
	assert.Len(t, res.Entries, 1)
}

func TestRunManifestWriteFailure(t *testing.T) {
	path := writeBundle(t, conv1())
	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "model.ckpt-100_metadata.json", "occupied"), 0o755))

	_, err := New(Options{Dest: dest}).Run(path)
	assert.ErrorIs(t, err, ErrManifestWriteFailed)
	assert.FileExists(t, filepath.Join(dest, "conv1_weights.npy"), "tensor files stay on disk")
}

func TestRunFilenameCollision(t *testing.T) {
	path := writeBundle(t, []checkpointtest.Tensor{
		checkpointtest.Float32("a/b", []int64{1}, 1),
		checkpointtest.Float32("a_b", []int64{1}, 2),
	})
	dest := t.TempDir()

	res, err := New(Options{Dest: dest}).Run(path)
	require.NoError(t, err)

	require.Len(t, res.Entries, 1)
	assert.Equal(t, "a/b", res.Entries[0].TensorName)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "a_b", res.Failures[0].TensorName)
	assert.ErrorIs(t, res.Failures[0].Err, ErrFilenameCollision)
	assert.ErrorIs(t, res.Failures[0].Err, ErrTensorWriteFailed)

	f, err := os.Open(filepath.Join(dest, "a_b.npy"))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	_, data, err := npy.Read(f)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, checkpoint.Float32s(data), "first tensor in name order keeps the file")
}

func TestRunBundleMode(t *testing.T) {
	path := writeBundle(t, conv1())
	dest := t.TempDir()

	res, err := New(Options{Dest: dest, Mode: ModeBundle, Compress: true}).Run(path)
	require.NoError(t, err)

	assert.Empty(t, res.Entries)
	assert.Empty(t, res.ManifestPath)
	require.NotNil(t, res.Bundle)
	assert.Equal(t, filepath.Join(dest, "model.ckpt-100.npz"), res.Bundle.Path)
	assert.Equal(t, 2, res.Bundle.Members)
	assert.Equal(t, []string{"model.ckpt-100.npz"}, dirNames(t, dest))

	sum, err := manifest.Checksum(res.Bundle.Path)
	require.NoError(t, err)
	assert.Equal(t, sum, res.Bundle.Checksum)

	members, err := npy.ListBundle(res.Bundle.Path)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "conv1/bias", members[0].Name)
	assert.Equal(t, []int64{3, 3, 3, 16}, members[1].Header.Shape)
}

func TestRunBothModes(t *testing.T) {
	path := writeBundle(t, conv1())
	dest := t.TempDir()

	res, err := New(Options{Dest: dest, Mode: ModeBoth}).Run(path)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 2)
	require.NotNil(t, res.Bundle)
	assert.ElementsMatch(t, []string{
		"conv1_bias.npy", "conv1_weights.npy", "model.ckpt-100_metadata.json", "model.ckpt-100.npz",
	}, dirNames(t, dest))
}

func TestRunArrowFormat(t *testing.T) {
	path := writeBundle(t, conv1())
	dest := t.TempDir()

	res, err := New(Options{Dest: dest, Format: FormatArrow}).Run(path)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "conv1_bias.arrow", res.Entries[0].Filename)

	d, err := arrowfile.Describe(filepath.Join(dest, "conv1_weights.arrow"))
	require.NoError(t, err)
	assert.Equal(t, "conv1/weights", d.Name)
	assert.EqualValues(t, 432, d.Rows)
}

func TestRunUpcastHalf(t *testing.T) {
	path := writeBundle(t, []checkpointtest.Tensor{
		checkpointtest.Raw("h", checkpoint.DTHalf, []int64{2}, []byte{0x00, 0x3c, 0x00, 0xc0}),
	})

	for _, upcast := range []bool{false, true} {
		dest := t.TempDir()
		_, err := New(Options{Dest: dest, UpcastHalf: upcast}).Run(path)
		require.NoError(t, err)

		f, err := os.Open(filepath.Join(dest, "h.npy"))
		require.NoError(t, err)
		h, data, err := npy.Read(f)
		_ = f.Close()
		require.NoError(t, err)

		if upcast {
			assert.Equal(t, "<f4", h.Descr)
			assert.Equal(t, []float32{1, -2}, checkpoint.Float32s(data))
		} else {
			assert.Equal(t, "<f2", h.Descr)
			assert.Len(t, data, 4)
		}
	}
}

func TestRunVerify(t *testing.T) {
	path := writeBundle(t, conv1())

	res, err := New(Options{Dest: t.TempDir(), Verify: true}).Run(path)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 2)
}

func TestSummarize(t *testing.T) {
	var buf bytes.Buffer
	Summarize(&buf, []checkpoint.TensorInfo{
		{Name: "global_step", Shape: []int64{}, DType: checkpoint.DTInt64},
		{Name: "vocab", Shape: []int64{3}, DType: checkpoint.DTString},
	})
	expected := "2 tensors found.\n" +
		"| Name | Shape | DType |\n" +
		"=======\n" +
		"| global_step | () | int64 |\n" +
		"| vocab | (3,) | object |\n"
	assert.Equal(t, expected, buf.String())
}
