//go:build !windows

package cli

import (
	"fmt"
	"os"
	"syscall"

	"github.com/chunkdl/chunkdl/pkg/logging"
)

// PIDFile is an flock'd file holding the pid of the process that owns a
// download database. Two processes resuming the same downloads would write
// the same chunk ranges, so the second one waits. Release keeps the file so
// every waiter locks the same inode.
type PIDFile struct {
	file *os.File
	fd   int
}

func NewPIDFile(path string) (*PIDFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &PIDFile{file: file, fd: int(file.Fd())}, nil
}

func (p *PIDFile) Acquire() error {
	logger := logging.GetLogger()
	funcs := []func() error{
		func() error {
			logger.Debug().Str("blocking_lock_acquire", "false").Msg("Waiting on Lock")
			err := syscall.Flock(p.fd, syscall.LOCK_EX|syscall.LOCK_NB)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("pid_file", p.file.Name()).
					Str("message", "Another chunkdl process is using this database, use 'chunkdl multifile' or 'chunkdl serve' to run downloads side by side").
					Msg("Waiting on Lock")
				logger.Debug().Str("blocking_lock_acquire", "true").Msg("Waiting on Lock")
				err = syscall.Flock(p.fd, syscall.LOCK_EX)
			}
			return err
		},
		func() error { return p.file.Truncate(0) },
		p.writePID,
		p.file.Sync,
	}
	return p.executeFuncs(funcs)
}

func (p *PIDFile) Release() error {
	funcs := []func() error{
		func() error { return syscall.Flock(p.fd, syscall.LOCK_UN) },
		p.file.Close,
	}
	return p.executeFuncs(funcs)
}

func (p *PIDFile) writePID() error {
	_, err := p.file.WriteAt([]byte(fmt.Sprintf("%d", os.Getpid())), 0)
	return err
}

func (p *PIDFile) executeFuncs(funcs []func() error) error {
	for _, fn := range funcs {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
