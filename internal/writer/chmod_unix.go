//go:build unix

package writer

import "golang.org/x/sys/unix"

// MarkExecutable sets the owner-execute bit on the linked output file
// directly via chmod(2), replacing the original luxld's
// system("chmod u+x ...") shell-out (spec.md §6 flags this as something a
// reimplementation should fix) with golang.org/x/sys/unix, the same
// package the teacher uses for its own OS-level syscalls.
func MarkExecutable(path string) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return err
	}
	return unix.Chmod(path, uint32(st.Mode)|0o100)
}
