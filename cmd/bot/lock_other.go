//go:build !linux

package main

// fileLock is a no-op outside linux; overlapping instances are only a
// deployment concern there.
type fileLock struct{}

func acquireLock(string) (*fileLock, error) {
	return &fileLock{}, nil
}

func (l *fileLock) Release() {}
