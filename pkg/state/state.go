// Package state implements the checkpoint/resume committer every stateful
// worker component uses: atomic durable snapshots of its in-memory state to
// a single JSON file, and a load path that survives a crash mid-write.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/cuemby/codalab-worker/pkg/log"
)

// Committer persists values of a single type T to one file, atomically.
// A Committer is safe for concurrent use; callers typically own one per
// component (one for dependency cache state, one for run state, etc.) and
// call Commit after every state transition worth surviving a restart.
type Committer[T any] struct {
	path string
}

// New returns a Committer that reads and writes path. The parent directory
// must already exist.
func New[T any](path string) *Committer[T] {
	return &Committer[T]{path: path}
}

// Commit durably writes state to c's file. It writes to a sibling temp file
// in the same directory, fsyncs it, closes it, then renames it over the
// target — the rename is the only operation visible to a concurrent crash,
// so load never observes a partially written file.
func (c *Committer[T]) Commit(state T) error {
	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(state); err != nil {
		tmp.Close()
		return fmt.Errorf("state: encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("state: rename into place: %w", err)
	}
	committed = true
	return nil
}

// Load returns the last committed state, or def if no file has ever been
// committed. On corrupt content it logs loudly and returns def — the caller
// is expected to treat this the same as a fresh start, per the worker's
// state-corruption policy.
func (c *Committer[T]) Load(def T) (T, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return def, nil
		}
		return def, fmt.Errorf("state: open: %w", err)
	}
	defer f.Close()

	var out T
	if err := json.NewDecoder(f).Decode(&out); err != nil {
		log.WithComponent("state").Error().
			Err(err).
			Str("path", c.path).
			Msg("state file unreadable, starting from default")
		return def, nil
	}
	return out, nil
}

// Path returns the file this committer reads and writes.
func (c *Committer[T]) Path() string {
	return c.path
}
