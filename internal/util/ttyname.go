package util

import (
	"fmt"
	"os"
)

// TTYName resolves the terminal device backing an open file via procfs.
// Inside a spawned terminal session this yields /dev/pts/N.
func TTYName(f *os.File) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/self/fd/%d", f.Fd()))
}
