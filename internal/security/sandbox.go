// Package security holds the guards shared by save backends and
// network-facing providers: a filesystem sandbox for save destinations
// and a private-address guard for outbound URLs.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pixelflow/internal/domain"
)

// Sandbox confines save destinations to a single output root. Relative
// destinations resolve against the root; absolute ones must already be
// inside it.
type Sandbox struct {
	root string // absolute, symlink-resolved output root
}

// NewSandbox creates a sandbox rooted at dir, creating it if needed.
func NewSandbox(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for sandbox root: %w", err)
	}
	return &Sandbox{root: resolved}, nil
}

// Root returns the sandbox root directory.
func (s *Sandbox) Root() string { return s.root }

// Resolve turns a destination into an absolute path inside the sandbox,
// or fails with ErrPathOutsideSandbox. Symlinks are resolved before the
// containment check; for not-yet-existing files the nearest existing
// ancestor is resolved instead.
func (s *Sandbox) Resolve(destination string) (string, error) {
	const op = "Sandbox.Resolve"

	if destination == "" {
		return "", domain.NewDomainError(op, domain.ErrPathOutsideSandbox, "empty destination")
	}

	path := destination
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.root, path)
	}
	path = filepath.Clean(path)

	resolved, err := s.resolveExisting(path)
	if err != nil {
		return "", domain.NewDomainError(op, domain.ErrPathOutsideSandbox, err.Error())
	}
	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(os.PathSeparator)) {
		return "", domain.NewDomainError(op, domain.ErrPathOutsideSandbox,
			fmt.Sprintf("%q resolves outside %q", destination, s.root))
	}
	return resolved, nil
}

// resolveExisting resolves symlinks in path, walking up to the nearest
// existing ancestor when the tail does not exist yet.
func (s *Sandbox) resolveExisting(path string) (string, error) {
	var tail []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %q", path)
		}
		tail = append(tail, filepath.Base(current))
		current = parent
	}
}
