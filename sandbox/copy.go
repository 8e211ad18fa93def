package sandbox

import (
	"os"

	"github.com/otiai10/copy"
)

// copyPath copies the file or directory src to dst, replacing files that
// already exist. src itself may be a symlink and is followed; symlinks
// inside a tree are skipped so the copy cannot reach outside it. Special
// files are skipped.
func copyPath(src, dst string) error {
	return copy.Copy(src, dst, copy.Options{
		OnSymlink: func(path string) copy.SymlinkAction {
			if path == src {
				return copy.Deep
			}
			return copy.Skip
		},
		Skip: func(info os.FileInfo, _, _ string) (bool, error) {
			mode := info.Mode()
			return !mode.IsDir() && !mode.IsRegular() && mode&os.ModeSymlink == 0, nil
		},
	})
}
