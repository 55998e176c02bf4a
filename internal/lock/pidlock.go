package lock

import (
	"fmt"
	"os"
)

// PIDLock is an exclusive FileLock whose file records the holder's pid.
type PIDLock struct {
	*FileLock
}

// AcquirePIDLock takes the lock without blocking and writes the current pid.
func AcquirePIDLock(lockPath string) (*PIDLock, error) {
	fl, err := TryAcquire(lockPath, Exclusive)
	if err != nil {
		return nil, err
	}
	fail := func(step string, err error) (*PIDLock, error) {
		_ = fl.Release()
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	if err := fl.f.Truncate(0); err != nil {
		return fail("truncate lock file", err)
	}
	if _, err := fl.f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		return fail("write pid", err)
	}
	if err := fl.f.Sync(); err != nil {
		return fail("sync lock file", err)
	}
	return &PIDLock{FileLock: fl}, nil
}
