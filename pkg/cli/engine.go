package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chunkdl/chunkdl/pkg/config"
	"github.com/chunkdl/chunkdl/pkg/download"
	"github.com/chunkdl/chunkdl/pkg/store"
)

// Engine is the download database plus a Manager driving it, owned by one
// command invocation.
type Engine struct {
	Store   *store.SQLiteStore
	Manager *download.Manager
	pid     *PIDFile
}

// OpenStore opens the configured database without taking the process lock.
// Suitable for read-only commands.
func OpenStore() (*store.SQLiteStore, error) {
	dbPath, err := config.DBPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return store.NewSQLiteStore(dbPath)
}

// OpenEngine locks the database against other chunkdl processes, opens it and
// builds a Manager from the current flags.
func OpenEngine() (*Engine, error) {
	opts, err := config.ManagerOptions()
	if err != nil {
		return nil, err
	}
	dbPath, err := config.DBPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	pid, err := NewPIDFile(config.PIDFilePath(dbPath))
	if err != nil {
		return nil, err
	}
	if err := pid.Acquire(); err != nil {
		return nil, errors.Join(err, pid.Release())
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, errors.Join(err, pid.Release())
	}
	return &Engine{
		Store:   s,
		Manager: download.NewManager(s, s, config.Settings{}, opts...),
		pid:     pid,
	}, nil
}

// Close shuts the Manager down, parking unfinished downloads, then releases
// the database and the lock.
func (e *Engine) Close(ctx context.Context) error {
	return errors.Join(
		e.Manager.Shutdown(ctx),
		e.Store.Close(),
		e.pid.Release(),
	)
}
