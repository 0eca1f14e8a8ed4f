//go:build !linux

package batch

// renameNoReplace renames src to dst, failing if dst exists. Without renameat2 the
// existence check and the rename are two steps; a single loader per deployment keeps
// that window harmless.
func renameNoReplace(src, dst string) error {
	return renameCheckFirst(src, dst)
}
