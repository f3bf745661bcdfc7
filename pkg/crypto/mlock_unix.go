//go:build unix

package crypto

import "golang.org/x/sys/unix"

// lockMemory pins b's backing pages so they are never written to swap.
// Best-effort: callers do not treat a failure as fatal, since some
// sandboxed environments deny mlock entirely; only the local provider
// records its failure, for LastMlockError.
func lockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

func unlockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munlock(b)
}
