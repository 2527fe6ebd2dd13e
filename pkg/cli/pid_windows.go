//go:build windows

package cli

// PIDFile does no locking on Windows; SQLite's own locking still prevents
// corrupt writes.
type PIDFile struct{}

func NewPIDFile(string) (*PIDFile, error) { return &PIDFile{}, nil }

func (p *PIDFile) Acquire() error { return nil }

func (p *PIDFile) Release() error { return nil }
