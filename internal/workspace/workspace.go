// Package workspace hands out isolated working directories, one per
// (project, agent) pair. Paths are deterministic so a restarted agent lands
// back in the same tree.
package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/antigravity-dev/marcus/internal/fault"
)

// Allocator creates and resolves agent workspaces under a single root.
type Allocator struct {
	root string
}

// NewAllocator binds an allocator to its root directory. The root is created
// on first allocation, not here.
func NewAllocator(root string) *Allocator {
	return &Allocator{root: root}
}

// PathFor returns the workspace directory for the pair, creating it if
// needed. Identifiers are flattened so they cannot escape the root.
func (a *Allocator) PathFor(projectID, agentID string) (string, error) {
	if projectID == "" || agentID == "" {
		return "", fault.New(fault.KindBusinessLogic, "workspace.path_for", fault.ErrInvalidConfig,
			"project and agent ids are required")
	}
	path := filepath.Join(a.root, sanitize(projectID), sanitize(agentID))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fault.New(fault.KindResource, "workspace.path_for", fault.ErrPersistence,
			"create workspace %s: %v", path, err)
	}
	return path, nil
}

// Remove deletes an agent's workspace tree. Missing workspaces are a no-op.
func (a *Allocator) Remove(projectID, agentID string) error {
	if projectID == "" || agentID == "" {
		return fault.New(fault.KindBusinessLogic, "workspace.remove", fault.ErrInvalidConfig,
			"project and agent ids are required")
	}
	path := filepath.Join(a.root, sanitize(projectID), sanitize(agentID))
	if err := os.RemoveAll(path); err != nil {
		return fault.New(fault.KindResource, "workspace.remove", fault.ErrPersistence,
			"remove workspace %s: %v", path, err)
	}
	return nil
}

// sanitize flattens an identifier into a single path segment.
func sanitize(id string) string {
	id = strings.ReplaceAll(id, string(os.PathSeparator), "_")
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "..", "_")
	return id
}
