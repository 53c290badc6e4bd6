package util

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConf struct {
	Name  string `json:"name"`
	Round uint64 `json:"round"`
}

func TestFileExists(t *testing.T) {
	file := filepath.Join(t.TempDir(), "conf.json")
	require.False(t, FileExists(file))
	require.NoError(t, WriteJsonFile(file, &testConf{Name: "meridian"}))
	require.True(t, FileExists(file))
}

func TestReadJsonFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "conf.json")

	_, err := ReadJsonFile(file, &testConf{})
	require.ErrorContains(t, err, "no such file")

	in := &testConf{Name: "meridian", Round: 42}
	require.NoError(t, WriteJsonFile(file, in))

	out, err := ReadJsonFile(file, &testConf{})
	require.NoError(t, err)
	require.Equal(t, in, out)
}
