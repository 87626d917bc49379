package reader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupWorkspace(t *testing.T) string {
	t.Helper()
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "output.txt"), []byte("line1\nline2\nline3\nline4\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "sub", "nested.txt"), []byte("nested"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "input"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "input", "secret.txt"), []byte("shh"), 0o644))
	return ws
}

func TestGetTargetInfoHidesShadowedTopLevelEntry(t *testing.T) {
	ws := setupWorkspace(t)
	r := &Reader{WorkspaceRoot: ws, Shadowed: []string{"input"}}

	info, err := r.GetTargetInfo(".", 2)
	require.NoError(t, err)
	assert.Equal(t, "directory", info.Type)

	var names []string
	for _, c := range info.Contents {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "output.txt")
	assert.Contains(t, names, "sub")
	assert.NotContains(t, names, "input")
}

func TestGetTargetInfoRejectsTraversal(t *testing.T) {
	ws := setupWorkspace(t)
	r := &Reader{WorkspaceRoot: ws}

	_, err := r.GetTargetInfo("../../etc/passwd", 1)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestStreamFileReturnsGzippedContents(t *testing.T) {
	ws := setupWorkspace(t)
	r := &Reader{WorkspaceRoot: ws}

	var buf bytes.Buffer
	require.NoError(t, r.StreamFile("output.txt", &buf))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	data, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\nline3\nline4\n", string(data))
}

func TestReadFileSectionReturnsRequestedRange(t *testing.T) {
	ws := setupWorkspace(t)
	r := &Reader{WorkspaceRoot: ws}

	data, err := r.ReadFileSection("output.txt", 6, 5)
	require.NoError(t, err)
	assert.Equal(t, "line2", string(data))
}

func TestReadFileSectionPastEOFReturnsEmpty(t *testing.T) {
	ws := setupWorkspace(t)
	r := &Reader{WorkspaceRoot: ws}

	data, err := r.ReadFileSection("output.txt", 10_000, 10)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestSummarizeFileReturnsFullContentWhenSmall(t *testing.T) {
	ws := setupWorkspace(t)
	r := &Reader{WorkspaceRoot: ws}

	summary, err := r.SummarizeFile("output.txt", 2, 2, 1000, "...")
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\nline3\nline4\n", summary)
}

func TestStreamDirectoryExcludesShadowedTopLevel(t *testing.T) {
	ws := setupWorkspace(t)
	r := &Reader{WorkspaceRoot: ws, Shadowed: []string{"input"}}

	var buf bytes.Buffer
	require.NoError(t, r.StreamDirectory(".", &buf))
	assert.NotZero(t, buf.Len())

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	assert.Contains(t, names, "output.txt")
	assert.NotContains(t, names, "input")
	assert.NotContains(t, names, "input/secret.txt")
}
