package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pixelflow/internal/domain"
)

func TestSandboxRelativeDestination(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := sandbox.Resolve("renders/out.svg")
	if err != nil {
		t.Fatalf("relative destination should resolve: %v", err)
	}
	want := filepath.Join(sandbox.Root(), "renders", "out.svg")
	if resolved != want {
		t.Errorf("resolved = %q, want %q", resolved, want)
	}
}

func TestSandboxAbsoluteInsideRoot(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	existing := filepath.Join(sandbox.Root(), "present.svg")
	if err := os.WriteFile(existing, []byte("<svg/>"), 0o644); err != nil {
		t.Fatal(err)
	}

	resolved, err := sandbox.Resolve(existing)
	if err != nil {
		t.Fatalf("absolute path inside root should pass: %v", err)
	}
	if resolved != existing {
		t.Errorf("resolved = %q, want %q", resolved, existing)
	}
}

func TestSandboxTraversalBlocked(t *testing.T) {
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	tests := []string{
		"../escape.svg",
		"renders/../../escape.svg",
		"/etc/passwd",
		"",
	}
	for _, dest := range tests {
		if _, err := sandbox.Resolve(dest); !errors.Is(err, domain.ErrPathOutsideSandbox) {
			t.Errorf("destination %q: expected ErrPathOutsideSandbox, got %v", dest, err)
		}
	}
}

func TestSandboxSymlinkEscapeBlocked(t *testing.T) {
	outside := t.TempDir()
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir)
	if err != nil {
		t.Fatal(err)
	}

	link := filepath.Join(sandbox.Root(), "exit")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := sandbox.Resolve("exit/out.svg"); !errors.Is(err, domain.ErrPathOutsideSandbox) {
		t.Errorf("symlinked escape: expected ErrPathOutsideSandbox, got %v", err)
	}
}

func TestSandboxCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-yet", "output")
	sandbox, err := NewSandbox(root)
	if err != nil {
		t.Fatalf("NewSandbox should create missing root: %v", err)
	}
	if _, err := os.Stat(sandbox.Root()); err != nil {
		t.Errorf("root not created: %v", err)
	}
}
