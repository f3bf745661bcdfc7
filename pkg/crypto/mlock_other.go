//go:build !unix

package crypto

// lockMemory is a no-op on platforms without mlock support.
func lockMemory(b []byte) error { return nil }

func unlockMemory(b []byte) error { return nil }
