//go:build windows

package location

import "os"

// flock is a no-op on windows; the teacher's lock discipline targets
// unix deployment only.
func flock(f *os.File) error {
	return nil
}
