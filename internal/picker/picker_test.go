package picker

import (
	"os"
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	var p Picker = Static{File: "ckpt/./model.index", Directory: "out/"}

	f, err := p.ChooseFile([]string{".index"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("ckpt", "model.index"), f)

	d, err := p.ChooseDirectory()
	require.NoError(t, err)
	assert.Equal(t, "out", d)
}

func TestStaticEmptyIsCancelled(t *testing.T) {
	_, err := Static{}.ChooseFile(nil)
	assert.ErrorIs(t, err, ErrCancelled)
	_, err = Static{}.ChooseDirectory()
	assert.ErrorIs(t, err, ErrCancelled)
}

func loadedModel(t *testing.T, dir string, filter []string) model {
	t.Helper()
	fp, err := (&TUI{Start: dir}).newFilePicker()
	require.NoError(t, err)
	fp.AllowedTypes = filter
	fp.FileAllowed = true
	fp.DirAllowed = false

	m := newModel("Select checkpoint file", fp)
	cmd := m.Init()
	require.NotNil(t, cmd)
	next, _ := m.Update(cmd())
	return next.(model)
}

func TestModelCancel(t *testing.T) {
	for _, k := range []tea.KeyMsg{
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
		{Type: tea.KeyRunes, Runes: []rune("q")},
	} {
		t.Run(k.String(), func(t *testing.T) {
			m := loadedModel(t, t.TempDir(), nil)
			next, cmd := m.Update(k)
			assert.True(t, next.(model).cancelled)
			require.NotNil(t, cmd)
			assert.IsType(t, tea.QuitMsg{}, cmd())
		})
	}
}

func TestModelSelectsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.index"), nil, 0o644))

	m := loadedModel(t, dir, []string{".index", ".ckpt", ".meta"})
	assert.Contains(t, m.View(), "model.index")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	fm := next.(model)
	assert.False(t, fm.cancelled)
	assert.Equal(t, filepath.Join(dir, "model.index"), fm.selected)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModelView(t *testing.T) {
	m := loadedModel(t, t.TempDir(), nil)
	m.notice = "notes.txt cannot be selected here"
	view := m.View()
	assert.Contains(t, view, "Select checkpoint file")
	assert.Contains(t, view, "notes.txt cannot be selected here")
	assert.Contains(t, view, "q quit")
}
