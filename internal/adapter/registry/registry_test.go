package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelflow/internal/domain"
)

type namedGenerator struct {
	cap domain.Capability
}

func (g *namedGenerator) Capability() domain.Capability { return g.cap }
func (g *namedGenerator) Generate(ctx context.Context, params map[string]any) (*domain.ImageBlob, *domain.UsageEvent, error) {
	return &domain.ImageBlob{Bytes: []byte("x"), MIME: "image/svg+xml", Provenance: g.cap.Name}, nil, nil
}

type namedTransformer struct {
	cap domain.Capability
}

func (t *namedTransformer) Capability() domain.Capability { return t.cap }
func (t *namedTransformer) Transform(ctx context.Context, in domain.Payload, operation string, params map[string]any) (domain.Payload, *domain.UsageEvent, error) {
	return in, nil, nil
}

func gen(name string, schema string) *namedGenerator {
	cap := domain.Capability{Kind: domain.CapGenerator, Name: name}
	if schema != "" {
		cap.Params = json.RawMessage(schema)
	}
	return &namedGenerator{cap: cap}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(slog.Default())
	require.NoError(t, r.RegisterGenerator(gen("shapes", "")))
	require.NoError(t, r.RegisterTransformer(&namedTransformer{cap: domain.Capability{Name: "geometry"}}))

	g, err := r.Generator("shapes")
	require.NoError(t, err)
	assert.Equal(t, "shapes", g.Capability().Name)

	_, err = r.Transformer("geometry")
	require.NoError(t, err)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := New(slog.Default())
	require.NoError(t, r.RegisterGenerator(gen("shapes", "")))
	err := r.RegisterGenerator(gen("shapes", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestNotFoundEnumeratesRegistered(t *testing.T) {
	r := New(slog.Default())
	require.NoError(t, r.RegisterGenerator(gen("shapes", "")))
	require.NoError(t, r.RegisterGenerator(gen("imagen", "")))

	_, err := r.Generator("does-not-exist")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProviderNotFound))
	assert.Contains(t, err.Error(), `"does-not-exist"`)
	// Registered names are sorted so the message is stable.
	assert.Contains(t, err.Error(), "imagen, shapes")
}

func TestNotFoundEmptyKind(t *testing.T) {
	r := New(slog.Default())
	_, err := r.Saver("file")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none registered")
}

func TestCapabilitiesSortedByName(t *testing.T) {
	r := New(slog.Default())
	require.NoError(t, r.RegisterGenerator(gen("zebra", "")))
	require.NoError(t, r.RegisterGenerator(gen("apple", "")))

	caps := r.Capabilities(domain.CapGenerator)
	require.Len(t, caps, 2)
	assert.Equal(t, "apple", caps[0].Name)
	assert.Equal(t, "zebra", caps[1].Name)
	assert.Empty(t, r.Capabilities(domain.CapSave))
}

func TestValidateParams(t *testing.T) {
	const schema = `{
		"type": "object",
		"properties": {
			"width": {"type": "integer", "minimum": 1}
		},
		"required": ["width"]
	}`

	r := New(slog.Default())
	require.NoError(t, r.RegisterGenerator(gen("strict", schema)))
	require.NoError(t, r.RegisterGenerator(gen("lax", "")))

	assert.NoError(t, r.ValidateParams(domain.CapGenerator, "strict", map[string]any{"width": 128}))

	err := r.ValidateParams(domain.CapGenerator, "strict", map[string]any{"width": "wide"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Contains(t, err.Error(), `"strict"`)

	err = r.ValidateParams(domain.CapGenerator, "strict", nil)
	require.Error(t, err, "missing required param must fail")

	// Providers without a schema accept anything, as do unknown names:
	// existence is checked at lookup, not here.
	assert.NoError(t, r.ValidateParams(domain.CapGenerator, "lax", map[string]any{"anything": true}))
	assert.NoError(t, r.ValidateParams(domain.CapGenerator, "unknown", nil))
}

func TestBrokenSchemaDisablesValidation(t *testing.T) {
	r := New(slog.Default())
	require.NoError(t, r.RegisterGenerator(gen("broken", `{"type": ["not-a-type"]}`)))

	// Registration survives; validation is simply off for this provider.
	assert.NoError(t, r.ValidateParams(domain.CapGenerator, "broken", map[string]any{"x": 1}))
}

func TestNotFoundMessageNamesKind(t *testing.T) {
	r := New(slog.Default())
	require.NoError(t, r.RegisterGenerator(gen("shapes", "")))
	_, err := r.Transformer("shapes")
	require.Error(t, err)
	if !strings.Contains(err.Error(), string(domain.CapTransform)) {
		t.Errorf("error %q should name the capability kind", err)
	}
}
