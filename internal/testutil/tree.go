package testutil

import (
	"os"
	"path/filepath"

	"github.com/schaermu/relsyncd/internal/fsys"
)

func listFiles(fs fsys.FileSystem, dir string) ([]string, error) {
	var files []string
	err := fs.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}
