package imagen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"pixelflow/internal/adapter/provider/remote"
	"pixelflow/internal/domain"
	"pixelflow/internal/security"
)

func testGenerator(ts *httptest.Server, key string) *Generator {
	g := New(Config{BaseURL: ts.URL, APIKey: key}, &security.URLGuard{AllowPrivate: true}, slog.Default())
	g.caller = remote.NewCaller("imagen", ts.Client(), remote.Config{}, slog.Default())
	return g
}

func imageResponse(content []byte) string {
	return fmt.Sprintf(`{"data":[{"b64_json":%q}]}`, base64.StdEncoding.EncodeToString(content))
}

func TestGenerateDecodesImage(t *testing.T) {
	var gotAuth string
	var gotReq generationRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotReq)
		fmt.Fprint(w, imageResponse([]byte("png-data")))
	}))
	defer ts.Close()

	g := testGenerator(ts, "sk-test")
	img, usage, err := g.Generate(context.Background(), map[string]any{
		"prompt": "a lighthouse at dusk",
		"size":   "512x512",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(img.Bytes) != "png-data" {
		t.Errorf("bytes = %q", img.Bytes)
	}
	if img.Width != 512 || img.Height != 512 {
		t.Errorf("dims = %dx%d", img.Width, img.Height)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotReq.N != 1 || gotReq.ResponseFormat != "b64_json" || gotReq.Prompt != "a lighthouse at dusk" {
		t.Errorf("request = %+v", gotReq)
	}
	if usage == nil || usage.CostUSD != 0.02 || usage.Unit != "image" {
		t.Errorf("usage = %+v", usage)
	}
}

func TestGenerateWithoutAPIKey(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be reached without credentials")
	}))
	defer ts.Close()

	g := testGenerator(ts, "")
	_, _, err := g.Generate(context.Background(), map[string]any{"prompt": "x"})
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("error = %v, want ErrConfiguration", err)
	}
}

func TestGenerateMissingPrompt(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be reached without a prompt")
	}))
	defer ts.Close()

	g := testGenerator(ts, "sk-test")
	_, _, err := g.Generate(context.Background(), nil)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
}

func TestGenerateAuthFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid key"}`, http.StatusUnauthorized)
	}))
	defer ts.Close()

	g := testGenerator(ts, "sk-bad")
	_, _, err := g.Generate(context.Background(), map[string]any{"prompt": "x"})
	if !errors.Is(err, domain.ErrProviderAuth) {
		t.Fatalf("error = %v, want ErrProviderAuth", err)
	}
}

func TestGenerateEmptyData(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	defer ts.Close()

	g := testGenerator(ts, "sk-test")
	_, _, err := g.Generate(context.Background(), map[string]any{"prompt": "x"})
	if !errors.Is(err, domain.ErrGeneration) {
		t.Fatalf("error = %v, want ErrGeneration", err)
	}
}
