//go:build !unix

package platform

// DisableCoreDumps is a no-op where rlimits are unavailable.
func DisableCoreDumps() error { return nil }
