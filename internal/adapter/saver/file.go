// Package saver contains the built-in save backends: sandboxed local
// files and guarded HTTP uploads.
package saver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"pixelflow/internal/domain"
	"pixelflow/internal/security"
)

// FileSaver writes payloads below a sandboxed output root. Destinations
// are relative paths like "renders/out.svg"; anything escaping the root
// is rejected before any write.
type FileSaver struct {
	sandbox *security.Sandbox
	logger  *slog.Logger
}

// NewFileSaver creates a file saver rooted at dir.
func NewFileSaver(dir string, logger *slog.Logger) (*FileSaver, error) {
	sandbox, err := security.NewSandbox(dir)
	if err != nil {
		return nil, fmt.Errorf("file saver: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSaver{sandbox: sandbox, logger: logger}, nil
}

func (s *FileSaver) Capability() domain.Capability {
	return domain.Capability{
		Kind:        domain.CapSave,
		Name:        "file",
		Description: "Save to a file below the configured output directory",
	}
}

// Save writes the payload bytes to the resolved destination.
func (s *FileSaver) Save(ctx context.Context, in domain.Payload, destination string) (*domain.SaveResult, error) {
	const op = "FileSaver.Save"

	content, err := payloadBytes(in)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrSave, err.Error())
	}

	path, err := s.sandbox.Resolve(destination)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrSave, err.Error())
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrSave, err.Error())
	}

	s.logger.Debug("payload saved", "path", path, "bytes", len(content))
	return &domain.SaveResult{
		Provider:    "file",
		Destination: destination,
		Location:    path,
		Bytes:       len(content),
	}, nil
}

func payloadBytes(in domain.Payload) ([]byte, error) {
	switch p := in.(type) {
	case *domain.ImageBlob:
		return p.Bytes, nil
	case *domain.DataBlob:
		return []byte(p.Content), nil
	default:
		return nil, fmt.Errorf("unsupported payload kind %s", in.Kind())
	}
}
