//go:build unix && !linux

package storage

func renameNoReplace(src, dst string) error {
	return renameChecked(src, dst)
}
