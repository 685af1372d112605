package saver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pixelflow/internal/domain"
	"pixelflow/internal/security"
)

func svgPayload(content string) *domain.ImageBlob {
	return &domain.ImageBlob{
		Bytes:      []byte(content),
		MIME:       "image/svg+xml",
		Width:      10,
		Height:     10,
		Provenance: "test",
	}
}

func TestFileSaverWritesBelowRoot(t *testing.T) {
	s, err := NewFileSaver(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.Save(context.Background(), svgPayload("<svg/>"), "renders/out.svg")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if res.Provider != "file" || res.Bytes != len("<svg/>") {
		t.Errorf("result = %+v", res)
	}
	got, err := os.ReadFile(res.Location)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "<svg/>" {
		t.Errorf("content = %q", got)
	}
	if !strings.HasPrefix(res.Location, filepath.Clean(s.sandbox.Root())) {
		t.Errorf("location %q escaped the root", res.Location)
	}
}

func TestFileSaverRejectsTraversal(t *testing.T) {
	s, err := NewFileSaver(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Save(context.Background(), svgPayload("x"), "../escape.svg")
	if !errors.Is(err, domain.ErrPathOutsideSandbox) {
		t.Fatalf("error = %v, want ErrPathOutsideSandbox", err)
	}
}

func TestFileSaverDataPayload(t *testing.T) {
	s, err := NewFileSaver(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	data := &domain.DataBlob{DataType: domain.DataJSON, Content: `{"w":1}`, Provenance: "geometry/measure"}
	res, err := s.Save(context.Background(), data, "dims.json")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ := os.ReadFile(res.Location)
	if string(got) != `{"w":1}` {
		t.Errorf("content = %q", got)
	}
}

// httpTestSaver builds an HTTPSaver whose client talks straight to the
// test server, since the guard's transport would refuse 127.0.0.1.
func httpTestSaver(ts *httptest.Server) *HTTPSaver {
	s := NewHTTPSaver(&security.URLGuard{AllowPrivate: true}, slog.Default())
	s.client = ts.Client()
	return s
}

func TestHTTPSaverPost(t *testing.T) {
	var mu sync.Mutex
	var gotMethod, gotType, gotBody string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		mu.Lock()
		gotMethod, gotType, gotBody = r.Method, r.Header.Get("Content-Type"), string(body)
		mu.Unlock()
		w.Header().Set("Location", "/stored/42")
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	s := httpTestSaver(ts)
	res, err := s.Save(context.Background(), svgPayload("<svg/>"), ts.URL+"/upload")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotMethod != http.MethodPost || gotBody != "<svg/>" {
		t.Errorf("server saw %s %q", gotMethod, gotBody)
	}
	if gotType != "image/svg+xml" {
		t.Errorf("content-type = %q", gotType)
	}
	if res.Location != "/stored/42" {
		t.Errorf("location = %q, want the server's Location header", res.Location)
	}
}

func TestHTTPSaverPutPrefix(t *testing.T) {
	var gotMethod string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
	}))
	defer ts.Close()

	s := httpTestSaver(ts)
	if _, err := s.Save(context.Background(), svgPayload("x"), "put "+ts.URL+"/slot"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
}

func TestHTTPSaverUpstreamFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "full", http.StatusInsufficientStorage)
	}))
	defer ts.Close()

	s := httpTestSaver(ts)
	_, err := s.Save(context.Background(), svgPayload("x"), ts.URL)
	if !errors.Is(err, domain.ErrSave) {
		t.Fatalf("error = %v, want ErrSave", err)
	}
	if !strings.Contains(err.Error(), "507") {
		t.Errorf("error should carry the status: %v", err)
	}
}

func TestHTTPSaverBlocksPrivateDestination(t *testing.T) {
	s := NewHTTPSaver(&security.URLGuard{}, slog.Default())
	_, err := s.Save(context.Background(), svgPayload("x"), "http://169.254.169.254/latest/meta-data")
	if !errors.Is(err, domain.ErrSSRFBlocked) {
		t.Fatalf("error = %v, want ErrSSRFBlocked", err)
	}
}

func TestHTTPSaverRejectsBadScheme(t *testing.T) {
	s := NewHTTPSaver(&security.URLGuard{AllowPrivate: true}, slog.Default())
	for _, dest := range []string{"ftp://example.com/x", "not a url at all://"} {
		if _, err := s.Save(context.Background(), svgPayload("x"), dest); err == nil {
			t.Errorf("destination %q should be rejected", dest)
		}
	}
}
