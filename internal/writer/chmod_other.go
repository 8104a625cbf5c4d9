//go:build !unix

package writer

import "os"

// MarkExecutable sets the owner-execute bit on the linked output file.
// Non-Unix fallback: os.Chmod has no syscall.Stat_t to OR a bit into, so
// this unconditionally sets mode 0o700: rwx for the owner and no access
// for group or others (unlike `chmod u+x`, which keeps those bits).
func MarkExecutable(path string) error {
	return os.Chmod(path, 0o700)
}
