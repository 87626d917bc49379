// Package materialize links cached dependency payloads into a run's
// workspace and guards the paths the gateway and Reader are allowed to
// touch inside it.
package materialize

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/codalab-worker/pkg/types"
)

// Entry is one dependency ready to be linked into a workspace.
type Entry struct {
	Dependency types.Dependency
	// SourcePath is the cache-resident file or directory backing Dependency.
	SourcePath string
}

// Materializer links dependency payloads into workspaces.
type Materializer struct{}

// New constructs a Materializer.
func New() *Materializer {
	return &Materializer{}
}

// Materialize links every entry's SourcePath into workspaceRoot at its
// dependency's ChildPath, preferring a symlink and falling back to a
// hardlink when the symlink cannot be created and the source is not a
// directory (hardlinks never span a directory, so only files get the
// fallback). It returns the set of
// workspace-relative paths now shadowed by a dependency, matching the
// ChildPath values supplied.
func (m *Materializer) Materialize(workspaceRoot string, entries []Entry) ([]string, error) {
	shadowed := make([]string, 0, len(entries))

	for _, e := range entries {
		dest, err := safeJoin(workspaceRoot, e.Dependency.ChildPath)
		if err != nil {
			return shadowed, err
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return shadowed, fmt.Errorf("materialize: create parent dir for %s: %w", dest, err)
		}

		if err := os.Symlink(e.SourcePath, dest); err != nil {
			info, statErr := os.Stat(e.SourcePath)
			if statErr == nil && !info.IsDir() {
				if linkErr := os.Link(e.SourcePath, dest); linkErr == nil {
					shadowed = append(shadowed, e.Dependency.ChildPath)
					continue
				}
			}
			return shadowed, fmt.Errorf("materialize: link %s -> %s: %w", e.SourcePath, dest, err)
		}
		shadowed = append(shadowed, e.Dependency.ChildPath)
	}

	return shadowed, nil
}

// Cleanup removes the symlinks/hardlinks this Materializer created, without
// following them into the cache storage they point at.
func (m *Materializer) Cleanup(workspaceRoot string, entries []Entry) error {
	for _, e := range entries {
		dest, err := safeJoin(workspaceRoot, e.Dependency.ChildPath)
		if err != nil {
			continue
		}
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("materialize: remove %s: %w", dest, err)
		}
	}
	return nil
}

// SafePath resolves requestedPath (workspace-relative, as sent by the
// bundle service over a read/write check-in command) against
// workspaceRoot, following any symlinks, and errors if the result escapes
// the workspace — the gateway's anti-traversal guard.
func SafePath(workspaceRoot, requestedPath string) (string, error) {
	joined, err := safeJoin(workspaceRoot, requestedPath)
	if err != nil {
		return "", err
	}

	resolvedRoot, err := filepath.EvalSymlinks(workspaceRoot)
	if err != nil {
		return "", fmt.Errorf("materialize: resolve workspace root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			// Path doesn't exist yet (e.g. a write target); validate its
			// parent directory instead since there's nothing to resolve.
			parent, perr := filepath.EvalSymlinks(filepath.Dir(joined))
			if perr != nil {
				return "", fmt.Errorf("materialize: resolve parent of %s: %w", joined, perr)
			}
			if !isDescendant(resolvedRoot, parent) {
				return "", fmt.Errorf("materialize: path %q escapes workspace", requestedPath)
			}
			return joined, nil
		}
		return "", fmt.Errorf("materialize: resolve %s: %w", joined, err)
	}

	if !isDescendant(resolvedRoot, resolved) {
		return "", fmt.Errorf("materialize: path %q escapes workspace", requestedPath)
	}
	return resolved, nil
}

func safeJoin(root, rel string) (string, error) {
	joined := filepath.Join(root, rel)
	if !isDescendant(filepath.Clean(root), filepath.Clean(joined)) {
		return "", fmt.Errorf("materialize: path %q escapes workspace", rel)
	}
	return joined, nil
}

func isDescendant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !filepath.IsAbs(rel) && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
