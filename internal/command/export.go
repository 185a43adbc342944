package command

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/23skdu/ckpt2npy/internal/checkpoint"
	"github.com/23skdu/ckpt2npy/internal/config"
	"github.com/23skdu/ckpt2npy/internal/export"
	"github.com/23skdu/ckpt2npy/internal/logger"
	"github.com/23skdu/ckpt2npy/internal/manifest"
)

// ExportCommand returns the export subcommand.
func ExportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Aliases:   []string{"x"},
		Usage:     "Export every tensor of a checkpoint",
		ArgsUsage: "<checkpoint_path>",
		Action:    exportAction,
	}
}

// ListCommand returns the list subcommand.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "Print the tensor table of a checkpoint without writing anything",
		ArgsUsage: "<checkpoint_path>",
		Action:    listAction,
	}
}

// VerifyCommand returns the verify subcommand.
func VerifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Recompute the checksums recorded in an export manifest",
		ArgsUsage: "<dir> [manifest]",
		Action:    verifyAction,
	}
}

func exportAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected one checkpoint path, got %d arguments", c.NArg())
	}
	cfg, err := Config(c)
	if err != nil {
		return err
	}
	_, err = Export(c.App.Writer, cfg, c.Args().First())
	return err
}

// Export runs one export of checkpointPath with the settings in cfg and
// writes the summary to out.
func Export(out io.Writer, cfg *config.Config, checkpointPath string) (*export.Result, error) {
	e := export.New(exportOptions(cfg, out))
	res, err := e.Run(checkpointPath)
	if err != nil {
		return res, err
	}
	if n := len(res.Failures); n > 0 {
		fmt.Fprintf(out, "%d of %d tensors skipped\n", n, res.Tensors)
	}
	return res, nil
}

func exportOptions(cfg *config.Config, out io.Writer) export.Options {
	return export.Options{
		Dest:       cfg.Dest,
		Mode:       export.Mode(cfg.Mode),
		Format:     export.Format(cfg.Format),
		Compress:   cfg.Compress,
		UpcastHalf: cfg.UpcastHalf,
		Verify:     cfg.Verify,
		Strict:     cfg.Strict,
		Summary:    out,
	}
}

func listAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected one checkpoint path, got %d arguments", c.NArg())
	}
	prefix, err := checkpoint.Normalize(c.Args().First())
	if err != nil {
		return err
	}
	r, err := checkpoint.Open(prefix)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	export.Summarize(c.App.Writer, checkpoint.Infos(r))
	return nil
}

func verifyAction(c *cli.Context) error {
	if c.NArg() < 1 || c.NArg() > 2 {
		return fmt.Errorf("expected a directory and an optional manifest, got %d arguments", c.NArg())
	}
	dir := c.Args().Get(0)
	path := c.Args().Get(1)
	if path == "" {
		found, err := findManifest(dir)
		if err != nil {
			return err
		}
		path = found
	}
	return Verify(c.App.Writer, dir, path)
}

// findManifest returns the only manifest in dir.
func findManifest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+manifest.Suffix))
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no *%s file in %s", manifest.Suffix, dir)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%d manifests in %s, name one", len(matches), dir)
	}
}

// Verify checks every file listed in the manifest at path against its
// recorded checksum and prints one line per mismatch.
func Verify(out io.Writer, dir, path string) error {
	entries, err := manifest.Read(path)
	if err != nil {
		return err
	}
	mismatches, err := manifest.Verify(dir, entries)
	for _, m := range mismatches {
		fmt.Fprintf(out, "FAIL %s\n", m.String())
	}
	if err != nil {
		if errors.Is(err, manifest.ErrChecksumMismatch) {
			logger.Log.Warn("Manifest verification failed", "manifest", path, "mismatches", len(mismatches))
		}
		return err
	}
	fmt.Fprintf(out, "%d files OK\n", len(entries))
	return nil
}
