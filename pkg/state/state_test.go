package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string
	Count int
	Tags  []string
}

func TestCommitAndLoad(t *testing.T) {
	dir := t.TempDir()
	c := New[sample](filepath.Join(dir, "state.json"))

	want := sample{Name: "dep-a", Count: 3, Tags: []string{"x", "y"}}
	require.NoError(t, c.Commit(want))

	got, err := c.Load(sample{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadReturnsDefaultWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	c := New[sample](filepath.Join(dir, "missing.json"))

	def := sample{Name: "default"}
	got, err := c.Load(def)
	require.NoError(t, err)
	assert.Equal(t, def, got)
}

func TestLoadReturnsDefaultOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	c := New[sample](path)
	def := sample{Name: "default"}
	got, err := c.Load(def)
	require.NoError(t, err)
	assert.Equal(t, def, got)
}

func TestCommitOverwritesPreviousState(t *testing.T) {
	dir := t.TempDir()
	c := New[sample](filepath.Join(dir, "state.json"))

	require.NoError(t, c.Commit(sample{Name: "first"}))
	require.NoError(t, c.Commit(sample{Name: "second"}))

	got, err := c.Load(sample{})
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp files")
}

func TestCommitDoesNotLeaveTempFileOnEncodeOfValidValue(t *testing.T) {
	dir := t.TempDir()
	c := New[map[string]int](filepath.Join(dir, "state.json"))
	require.NoError(t, c.Commit(map[string]int{"a": 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
