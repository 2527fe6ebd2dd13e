package download

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

// FreeSpaceFunc returns the bytes available to unprivileged users on the
// filesystem holding dir.
type FreeSpaceFunc func(dir string) (uint64, error)

func DiskFreeSpace(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// ensureFreeSpace fails when the bytes still to be written will not fit next
// to the output file. Lookup failures are not fatal.
func (m *Manager) ensureFreeSpace(path string, remaining int64) error {
	if m.opts.freeSpace == nil || remaining <= 0 {
		return nil
	}
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	free, err := m.opts.freeSpace(dir)
	if err != nil {
		m.logger.Debug().Err(err).Str("dir", dir).Msg("Free space lookup failed")
		return nil
	}
	if uint64(remaining) > free {
		return fmt.Errorf("%w: need %s, %s free in %s", ErrInsufficientSpace,
			humanize.Bytes(uint64(remaining)), humanize.Bytes(free), dir)
	}
	return nil
}
