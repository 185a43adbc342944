package command

import (
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/23skdu/ckpt2npy/internal/checkpoint"
	"github.com/23skdu/ckpt2npy/internal/config"
	"github.com/23skdu/ckpt2npy/internal/export"
	"github.com/23skdu/ckpt2npy/internal/logger"
	"github.com/23skdu/ckpt2npy/internal/picker"
)

// newPicker is swapped out by tests.
var newPicker = func(c *cli.Context) picker.Picker {
	return &picker.TUI{Input: c.App.Reader, Output: c.App.ErrWriter}
}

// PickCommand returns the pick subcommand.
func PickCommand() *cli.Command {
	return &cli.Command{
		Name:   "pick",
		Usage:  "Choose the checkpoint and output directory in the terminal",
		Action: pickAction,
	}
}

func pickAction(c *cli.Context) error {
	cfg, err := Config(c)
	if err != nil {
		return err
	}
	_, err = RunInteractive(c.App.Writer, cfg, newPicker(c))
	if errors.Is(err, picker.ErrCancelled) {
		fmt.Fprintln(c.App.Writer, "Nothing selected.")
		return nil
	}
	return err
}

// RunInteractive asks p for a checkpoint file and then for an output
// directory, and exports with the chosen directory in place of cfg.Dest.
func RunInteractive(out io.Writer, cfg *config.Config, p picker.Picker) (*export.Result, error) {
	path, err := p.ChooseFile(checkpoint.PickerExtensions)
	if err != nil {
		return nil, err
	}
	dest, err := p.ChooseDirectory()
	if err != nil {
		return nil, err
	}
	logger.Log.Debug("Interactive selection", "checkpoint", path, "dest", dest)

	chosen := *cfg
	chosen.Dest = dest
	return Export(out, &chosen, path)
}
