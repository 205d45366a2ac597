//go:build !unix

package partition

import "os"

// Without flock only the in-process mutex guards the store.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
