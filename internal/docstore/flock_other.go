//go:build !unix

package docstore

import (
	"os"
	"sync"
)

// Without flock only writers inside this process are serialized.
var fileCommitMu sync.Mutex

func lockFile(*os.File) error {
	fileCommitMu.Lock()
	return nil
}

func unlockFile(*os.File) error {
	fileCommitMu.Unlock()
	return nil
}
