package agent

import (
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestPrepareWorkspaceDownloadsAndExtractsArchive(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"input.txt":     "hello world",
		"sub/nested.go": "package main",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	baseDir := t.TempDir()
	workDir, err := prepareWorkspace(baseDir, "job-1", srv.URL)
	require.NoError(t, err)
	defer cleanupWorkspace(workDir)

	data, err := os.ReadFile(filepath.Join(workDir, "input.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	data, err = os.ReadFile(filepath.Join(workDir, "sub", "nested.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))
}

func TestPrepareWorkspaceFailsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := prepareWorkspace(t.TempDir(), "job-1", srv.URL)
	assert.Error(t, err)
}

func TestExtractZipRejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("../../escape.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("pwned"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	archivePath := filepath.Join(t.TempDir(), "evil.zip")
	require.NoError(t, os.WriteFile(archivePath, buf.Bytes(), 0o644))

	destDir := t.TempDir()
	err = extractZip(archivePath, destDir)
	assert.Error(t, err)
}

func TestCleanupWorkspaceRemovesDirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "job-2")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "f.txt"), []byte("x"), 0o644))

	cleanupWorkspace(sub)

	_, err := os.Stat(sub)
	assert.True(t, os.IsNotExist(err))
}
