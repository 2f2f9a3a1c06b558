//go:build unix

package platform

import "golang.org/x/sys/unix"

// DisableCoreDumps sets RLIMIT_CORE to zero so unwrapped key material
// can never land in a core file.
func DisableCoreDumps() error {
	var rlim unix.Rlimit
	return unix.Setrlimit(unix.RLIMIT_CORE, &rlim)
}
