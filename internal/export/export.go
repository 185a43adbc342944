// Package export writes the tensors of a checkpoint to array files, a
// manifest of their checksums and optionally a single bundle archive.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/23skdu/ckpt2npy/internal/arrowfile"
	"github.com/23skdu/ckpt2npy/internal/checkpoint"
	"github.com/23skdu/ckpt2npy/internal/logger"
	"github.com/23skdu/ckpt2npy/internal/manifest"
	"github.com/23skdu/ckpt2npy/internal/metrics"
	"github.com/23skdu/ckpt2npy/internal/npy"
)

type Mode string

const (
	ModeTensors Mode = "tensors"
	ModeBundle  Mode = "bundle"
	ModeBoth    Mode = "both"
)

func (m Mode) tensors() bool { return m == ModeTensors || m == ModeBoth }
func (m Mode) bundle() bool  { return m == ModeBundle || m == ModeBoth }

// Format selects the encoding of per-tensor files.
type Format string

const (
	FormatNPY   Format = "npy"
	FormatArrow Format = "arrow"
)

func (f Format) ext() string {
	if f == FormatArrow {
		return arrowfile.Ext
	}
	return npy.Ext
}

type Options struct {
	// Dest is created if missing.
	Dest   string
	Mode   Mode
	Format Format

	// Compress deflates bundle members instead of storing them.
	Compress   bool
	UpcastHalf bool

	// Verify re-reads the manifest after writing it and recomputes every
	// checksum.
	Verify bool

	// Strict turns skipped tensors into a run error.
	Strict bool

	// Summary receives the tensor table and the saved file names.
	// Nil discards them.
	Summary io.Writer
}

// Failure is a tensor that was skipped.
type Failure struct {
	TensorName string
	Filename   string
	Err        error
}

// BundleInfo describes the written bundle archive.
type BundleInfo struct {
	Path     string
	Checksum string
	Size     int64
	Members  int
}

// Result reports what a run produced. It is returned alongside
// non-fatal run errors such as ErrPartialExport.
type Result struct {
	RunID        string
	Prefix       string
	Tensors      int
	Entries      []manifest.Entry
	Failures     []Failure
	ManifestPath string
	Bundle       *BundleInfo
}

type Exporter struct {
	opts  Options
	npy   npy.Options
	arrow *arrowfile.Writer
}

// New returns an Exporter. Empty options fall back to ./output, tensors
// mode and the npy format.
func New(opts Options) *Exporter {
	if opts.Dest == "" {
		opts.Dest = "./output"
	}
	if opts.Mode == "" {
		opts.Mode = ModeTensors
	}
	if opts.Format == "" {
		opts.Format = FormatNPY
	}
	if opts.Summary == nil {
		opts.Summary = io.Discard
	}
	return &Exporter{
		opts:  opts,
		npy:   npy.Options{UpcastHalf: opts.UpcastHalf},
		arrow: arrowfile.NewWriter(arrowfile.Options{UpcastHalf: opts.UpcastHalf}),
	}
}

// Run exports the checkpoint that checkpointPath belongs to. An invalid
// path or unreadable checkpoint fails before anything is written. A
// tensor that cannot be written is recorded in Result.Failures and the
// remaining tensors are still exported.
func (e *Exporter) Run(checkpointPath string) (res *Result, err error) {
	start := time.Now()
	res = &Result{RunID: ulid.Make().String()}
	log := logger.Log.With("run_id", res.RunID)
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.RecordExport(status, time.Since(start))
	}()

	prefix, err := checkpoint.Normalize(checkpointPath)
	if err != nil {
		return res, err
	}
	res.Prefix = prefix
	base := checkpoint.BaseName(checkpointPath)
	log.Info("Reading checkpoint", "prefix", prefix, "dest", e.opts.Dest, "mode", string(e.opts.Mode))

	r, err := checkpoint.Open(prefix)
	if err != nil {
		return res, err
	}
	defer func() { _ = r.Close() }()

	tensors, err := checkpoint.Collect(r)
	if err != nil {
		return res, err
	}
	res.Tensors = len(tensors)
	metrics.RecordTensorsFound(len(tensors))

	infos := make([]checkpoint.TensorInfo, len(tensors))
	for i, t := range tensors {
		infos[i] = t.TensorInfo
	}
	Summarize(e.opts.Summary, infos)

	if err := os.MkdirAll(e.opts.Dest, 0o755); err != nil {
		return res, fmt.Errorf("create destination %s: %w", e.opts.Dest, err)
	}

	if e.opts.Mode.tensors() {
		e.writeTensors(log, tensors, res)

		res.ManifestPath = manifest.Path(e.opts.Dest, base)
		if err := manifest.Write(res.ManifestPath, res.Entries); err != nil {
			return res, fmt.Errorf("%w: %s: %w", ErrManifestWriteFailed, res.ManifestPath, err)
		}
		if st, err := os.Stat(res.ManifestPath); err == nil {
			metrics.RecordFileWritten("manifest", st.Size())
		}
		fmt.Fprintf(e.opts.Summary, "Saved as %s\n", res.ManifestPath)
		log.Info("Manifest written", "path", res.ManifestPath, "entries", len(res.Entries))
	}

	if e.opts.Mode.bundle() {
		info, err := e.writeBundle(base, tensors)
		if err != nil {
			return res, fmt.Errorf("%w: %w", ErrBundleWriteFailed, err)
		}
		res.Bundle = info
		metrics.RecordFileWritten("bundle", info.Size)
		fmt.Fprintf(e.opts.Summary, "Saved as %s\n", info.Path)
		log.Info("Bundle written", "path", info.Path, "members", info.Members, "checksum", info.Checksum)
	}

	if e.opts.Verify && res.ManifestPath != "" {
		if err := e.verify(log, res.ManifestPath); err != nil {
			return res, err
		}
	}

	if len(res.Failures) > 0 {
		log.Warn("Export finished with skipped tensors", "skipped", len(res.Failures), "written", len(res.Entries))
		if e.opts.Strict {
			return res, fmt.Errorf("%w: %d of %d tensors skipped", ErrPartialExport, len(res.Failures), len(tensors))
		}
	}
	log.Info("Export finished", "tensors", len(tensors), "duration", time.Since(start).String())
	return res, nil
}

// writeTensors writes one file per tensor and fills res.Entries and
// res.Failures.
func (e *Exporter) writeTensors(log *logger.Logger, tensors []*checkpoint.Tensor, res *Result) {
	owners := make(map[string]string, len(tensors))
	for _, t := range tensors {
		filename := manifest.Filename(t.Name, e.opts.Format.ext())

		if owner, taken := owners[filename]; taken {
			err := fmt.Errorf("%w: %w: %q maps to %s, already used by %q",
				ErrTensorWriteFailed, ErrFilenameCollision, t.Name, filename, owner)
			e.fail(log, res, t.Name, filename, "collision", err)
			continue
		}
		owners[filename] = t.Name

		size, err := writeAtomic(e.opts.Dest, filename, func(w io.Writer) error {
			return e.encode(w, t)
		})
		if err != nil {
			e.fail(log, res, t.Name, filename, "write", fmt.Errorf("%w: %s: %w", ErrTensorWriteFailed, filename, err))
			continue
		}

		sum, err := manifest.Checksum(filepath.Join(e.opts.Dest, filename))
		if err != nil {
			e.fail(log, res, t.Name, filename, "checksum", fmt.Errorf("%w: %s: %w", ErrTensorWriteFailed, filename, err))
			continue
		}

		res.Entries = append(res.Entries, manifest.Entry{TensorName: t.Name, Filename: filename, Checksum: sum})
		metrics.RecordTensorExported(string(e.opts.Format), size)
		log.Debug("Tensor written", "tensor", t.Name, "file", filename, "bytes", size)
	}
}

func (e *Exporter) encode(w io.Writer, t *checkpoint.Tensor) error {
	if e.opts.Format == FormatArrow {
		return e.arrow.Write(w, t)
	}
	return npy.WriteTensor(w, t, e.npy)
}

func (e *Exporter) fail(log *logger.Logger, res *Result, name, filename, reason string, err error) {
	res.Failures = append(res.Failures, Failure{TensorName: name, Filename: filename, Err: err})
	metrics.RecordTensorFailure(reason)
	log.Error("Skipping tensor", "tensor", name, "error", err)
}

func (e *Exporter) writeBundle(base string, tensors []*checkpoint.Tensor) (*BundleInfo, error) {
	name := base + npy.BundleExt
	size, err := writeAtomic(e.opts.Dest, name, func(w io.Writer) error {
		bw := npy.NewBundleWriter(w, e.opts.Compress, e.npy)
		for _, t := range tensors {
			if err := bw.Add(t); err != nil {
				return err
			}
		}
		return bw.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	path := filepath.Join(e.opts.Dest, name)
	sum, err := manifest.Checksum(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &BundleInfo{Path: path, Checksum: sum, Size: size, Members: len(tensors)}, nil
}

func (e *Exporter) verify(log *logger.Logger, manifestPath string) error {
	entries, err := manifest.Read(manifestPath)
	if err != nil {
		return err
	}
	mismatches, err := manifest.Verify(e.opts.Dest, entries)
	metrics.RecordVerifyMismatches(len(mismatches))
	for _, m := range mismatches {
		log.Error("Verification failed", "file", m.Entry.Filename, "detail", m.String())
	}
	if err != nil {
		return err
	}
	log.Info("Verified manifest", "entries", len(entries))
	return nil
}
