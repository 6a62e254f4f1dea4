package lnutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestCreateDir prepares database directories the way the config loader
// does and checks the errors for paths that cannot hold one.
func TestCreateDir(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string

		// path lays out base and returns the directory to create.
		path   func(t *testing.T, base string) string
		files  []string
		errStr string
	}{
		{
			name: "nested data dir",
			path: func(t *testing.T, base string) string {
				return filepath.Join(
					base, "lnwasm", "data", "regtest",
				)
			},
		},
		{
			name: "existing dir keeps its files",
			path: func(t *testing.T, base string) string {
				dir := filepath.Join(base, "data")
				require.NoError(t, os.Mkdir(dir, 0700))
				require.NoError(t, os.WriteFile(
					filepath.Join(dir, "lnwasm.db"), nil, 0600,
				))

				return dir
			},
			files: []string{"lnwasm.db"},
		},
		{
			name: "symlink to a dir",
			path: func(t *testing.T, base string) string {
				target := filepath.Join(base, "volume")
				require.NoError(t, os.Mkdir(target, 0700))

				link := filepath.Join(base, "data")
				require.NoError(t, os.Symlink(target, link))

				return link
			},
		},
		{
			name: "dangling symlink",
			path: func(t *testing.T, base string) string {
				link := filepath.Join(base, "data")
				require.NoError(t, os.Symlink(
					filepath.Join(base, "unmounted"), link,
				))

				return link
			},
			errStr: "mounted?",
		},
		{
			name: "file in the way",
			path: func(t *testing.T, base string) string {
				file := filepath.Join(base, "data")
				require.NoError(t, os.WriteFile(file, nil, 0600))

				return filepath.Join(file, "regtest")
			},
			errStr: "failed to create directory",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := tc.path(t, t.TempDir())

			err := CreateDir(dir, 0700)
			if tc.errStr != "" {
				require.ErrorContains(t, err, tc.errStr)
				return
			}
			require.NoError(t, err)

			info, err := os.Stat(dir)
			require.NoError(t, err)
			require.True(t, info.IsDir())
			require.Equal(t, os.FileMode(0700), info.Mode().Perm())

			// A second call on the same path is a no-op.
			require.NoError(t, CreateDir(dir, 0700))

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)

			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			require.ElementsMatch(t, tc.files, names)
		})
	}
}
