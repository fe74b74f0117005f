package sink

import (
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// FreeSpace returns the bytes available on the volume that will hold the
// file output at target. Missing parent directories are skipped, so the
// nearest existing ancestor is measured.
func FreeSpace(target string) (uint64, error) {
	dir, err := filepath.Abs(filepath.Dir(target))
	if err != nil {
		return 0, err
	}
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
