// Package picker asks the user for a checkpoint file and an output
// directory.
package picker

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/bubbles/filepicker"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrCancelled is returned when the user quits without choosing.
var ErrCancelled = errors.New("selection cancelled")

// Picker chooses the inputs of an interactive export.
type Picker interface {
	// ChooseFile returns a file whose name ends in one of filter.
	ChooseFile(filter []string) (string, error)
	ChooseDirectory() (string, error)
}

// Static answers with preset paths. An empty path reads as a cancelled
// selection.
type Static struct {
	File      string
	Directory string
}

func (s Static) ChooseFile([]string) (string, error) {
	if s.File == "" {
		return "", ErrCancelled
	}
	return filepath.Clean(s.File), nil
}

func (s Static) ChooseDirectory() (string, error) {
	if s.Directory == "" {
		return "", ErrCancelled
	}
	return filepath.Clean(s.Directory), nil
}

// TUI runs a full screen file browser in the terminal.
type TUI struct {
	// Start is the directory shown first. Empty means the working directory.
	Start  string
	Input  io.Reader
	Output io.Writer
}

func (t *TUI) ChooseFile(filter []string) (string, error) {
	fp, err := t.newFilePicker()
	if err != nil {
		return "", err
	}
	fp.AllowedTypes = filter
	fp.FileAllowed = true
	fp.DirAllowed = false
	return t.run(newModel("Select checkpoint file", fp))
}

func (t *TUI) ChooseDirectory() (string, error) {
	fp, err := t.newFilePicker()
	if err != nil {
		return "", err
	}
	fp.FileAllowed = false
	fp.DirAllowed = true
	return t.run(newModel("Export NumPy binaries to...", fp))
}

func (t *TUI) newFilePicker() (filepicker.Model, error) {
	start := t.Start
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return filepicker.Model{}, err
		}
		start = wd
	}
	fp := filepicker.New()
	fp.CurrentDirectory = start
	return fp, nil
}

func (t *TUI) run(m model) (string, error) {
	var opts []tea.ProgramOption
	if t.Input != nil {
		opts = append(opts, tea.WithInput(t.Input))
	}
	if t.Output != nil {
		opts = append(opts, tea.WithOutput(t.Output))
	}
	final, err := tea.NewProgram(m, opts...).Run()
	if err != nil {
		return "", err
	}
	fm := final.(model)
	if fm.cancelled || fm.selected == "" {
		return "", ErrCancelled
	}
	return filepath.Clean(fm.selected), nil
}

type styles struct {
	title  lipgloss.Style
	notice lipgloss.Style
	dim    lipgloss.Style
}

func newStyles() styles {
	brand := lipgloss.AdaptiveColor{Light: "26", Dark: "81"}
	subtle := lipgloss.AdaptiveColor{Light: "245", Dark: "244"}
	return styles{
		title:  lipgloss.NewStyle().Bold(true).Foreground(brand).MarginBottom(1),
		notice: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		dim:    lipgloss.NewStyle().Foreground(subtle),
	}
}

type model struct {
	title     string
	fp        filepicker.Model
	selected  string
	notice    string
	cancelled bool
	styles    styles
}

func newModel(title string, fp filepicker.Model) model {
	return model{title: title, fp: fp, styles: newStyles()}
}

func (m model) Init() tea.Cmd {
	return m.fp.Init()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "ctrl+c", "q", "esc":
			m.cancelled = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.fp, cmd = m.fp.Update(msg)

	if ok, path := m.fp.DidSelectFile(msg); ok {
		m.selected = path
		return m, tea.Quit
	}
	if ok, path := m.fp.DidSelectDisabledFile(msg); ok {
		m.notice = filepath.Base(path) + " cannot be selected here"
	}
	return m, cmd
}

func (m model) View() string {
	s := m.styles.title.Render(m.title) + "\n" + m.fp.View() + "\n"
	if m.notice != "" {
		s += m.styles.notice.Render(m.notice) + "\n"
	}
	return s + m.styles.dim.Render("enter select · ← back · q quit") + "\n"
}
