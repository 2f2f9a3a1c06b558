package crypto

// Zero overwrites a byte slice in memory with zeros. Session keys and
// unwrapped key material are zeroed as soon as they fall out of use.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
