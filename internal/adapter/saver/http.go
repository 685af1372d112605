package saver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pixelflow/internal/domain"
	"pixelflow/internal/security"
)

// HTTPSaver uploads payloads to a URL destination with a POST (or PUT
// when the destination carries a "put " prefix). Destinations pass the
// URL guard so pipelines cannot be used to probe internal addresses.
type HTTPSaver struct {
	guard  *security.URLGuard
	client *http.Client
	logger *slog.Logger
}

// NewHTTPSaver creates an HTTP saver using the guard's hardened
// transport.
func NewHTTPSaver(guard *security.URLGuard, logger *slog.Logger) *HTTPSaver {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSaver{
		guard: guard,
		client: &http.Client{
			Transport: guard.Transport(),
			Timeout:   60 * time.Second,
		},
		logger: logger,
	}
}

func (s *HTTPSaver) Capability() domain.Capability {
	return domain.Capability{
		Kind:        domain.CapSave,
		Name:        "http",
		Description: "Upload to an HTTP(S) endpoint via POST, or PUT with a \"put \" destination prefix",
	}
}

// Save uploads the payload body to the destination URL.
func (s *HTTPSaver) Save(ctx context.Context, in domain.Payload, destination string) (*domain.SaveResult, error) {
	const op = "HTTPSaver.Save"

	method := http.MethodPost
	target := destination
	if rest, ok := strings.CutPrefix(destination, "put "); ok {
		method = http.MethodPut
		target = strings.TrimSpace(rest)
	}

	if err := s.guard.CheckURL(ctx, target); err != nil {
		return nil, err
	}

	content, err := payloadBytes(in)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrSave, err.Error())
	}
	contentType := "application/octet-stream"
	switch p := in.(type) {
	case *domain.ImageBlob:
		contentType = p.MIME
	case *domain.DataBlob:
		if p.DataType == domain.DataJSON {
			contentType = "application/json"
		} else {
			contentType = "text/plain; charset=utf-8"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(content))
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrSave, err.Error())
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrSave, err.Error())
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.NewDomainError(op, domain.ErrSave,
			fmt.Sprintf("upload to %s: status %d", target, resp.StatusCode))
	}

	location := target
	if loc := resp.Header.Get("Location"); loc != "" {
		location = loc
	}
	s.logger.Debug("payload uploaded", "url", target, "status", resp.StatusCode, "bytes", len(content))
	return &domain.SaveResult{
		Provider:    "http",
		Destination: destination,
		Location:    location,
		Bytes:       len(content),
	}, nil
}
