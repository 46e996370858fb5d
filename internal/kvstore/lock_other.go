//go:build !unix

package kvstore

import "os"

// Advisory locking is only enforced on unix; elsewhere the lock file is
// created but ownership is not checked.
func lockFile(*os.File) error {
	return nil
}

func unlockFile(*os.File) error {
	return nil
}
