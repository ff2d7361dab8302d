package store

import (
	"fmt"
	"path"
	"strings"

	billy "github.com/go-git/go-billy/v5"
)

// stem returns name without its final extension.
func stem(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

// uniqueFolderName probes dir for a folder name that does not collide with
// any existing entry, appending " (1)", " (2)", ... as needed. Folders
// collide on the whole name.
func uniqueFolderName(fs billy.Filesystem, dir, name string) string {
	exists := func(candidate string) bool {
		_, err := fs.Stat(fs.Join(dir, candidate))
		return err == nil
	}
	if !exists(name) {
		return name
	}
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s (%d)", name, counter)
		if !exists(candidate) {
			return candidate
		}
	}
}

// uniqueFileName probes dir for a filename that does not collide with any
// existing file. Files collide on the stem, not the full name: report.txt
// blocks report.pdf, so the second becomes "report (1).pdf". The counter is
// applied to the stem with the original extension reattached.
func uniqueFileName(fs billy.Filesystem, dir, filename string) (string, error) {
	infos, err := fs.ReadDir(dir)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(infos))
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		taken[stem(info.Name())] = true
	}
	base := stem(filename)
	ext := path.Ext(filename)
	if !taken[base] {
		return filename, nil
	}
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s (%d)", base, counter)
		if !taken[candidate] {
			return candidate + ext, nil
		}
	}
}
