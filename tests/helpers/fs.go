package helpers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TempDirWithFiles(t *testing.T, files []string) (string, []string) {
	dirPath := t.TempDir()
	filePaths := make([]string, 0, len(files))
	for _, filename := range files {
		fileName, err := os.CreateTemp(dirPath, "*"+filename)
		assert.Nil(t, err, "failed to create temporary file in temporary dir")
		filePaths = append(filePaths, fileName.Name())
	}

	assert.Len(t, filePaths, len(files), "Expected file paths recorded to match length of requested files")
	return dirPath, filePaths
}

// TempDirWithNamedFiles creates the given files under a fresh temp dir
// with their names preserved exactly, which matters to anything doing
// filename classification. Keys are relative paths (subdirectories are
// created as needed), values are the file content.
func TempDirWithNamedFiles(t *testing.T, files map[string]string) (string, map[string]string) {
	dirPath := t.TempDir()
	filePaths := make(map[string]string, len(files))
	for relative, content := range files {
		absolute := filepath.Join(dirPath, relative)
		require.NoError(t, os.MkdirAll(filepath.Dir(absolute), 0755))
		require.NoError(t, os.WriteFile(absolute, []byte(content), 0644))
		filePaths[relative] = absolute
	}

	return dirPath, filePaths
}
