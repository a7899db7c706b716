package history

import (
	"errors"
	"math/rand/v2"
	"os"
	"time"
)

const (
	lockSuffix = ".lock"

	// lockBudget bounds the total time spent trying to take the file lock
	// before declaring the filesystem lock-incapable.
	lockBudget = time.Second

	// lockRetrySpread is the upper bound of one randomized retry sleep.
	lockRetrySpread = 75 * time.Millisecond
)

// ErrLockUnavailable is returned when the ledger lock file could not be
// created within the backoff budget.
var ErrLockUnavailable = errors.New("history: ledger lock unavailable")

// acquireLock takes the cross-process advisory lock by creating the lock
// file exclusively, retrying with randomized sleeps until the budget runs
// out. The returned release function removes the lock file and must be
// called on every exit path.
func acquireLock(path string) (release func(), err error) {
	deadline := time.Now().Add(lockBudget)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockUnavailable
		}
		time.Sleep(time.Duration(rand.Int64N(int64(lockRetrySpread))))
	}
}
