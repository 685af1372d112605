package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"pixelflow/internal/domain"
)

// fakeRegistry is an in-memory CapabilityRegistry for engine tests.
type fakeRegistry struct {
	generators   map[string]domain.Generator
	transformers map[string]domain.Transformer
	savers       map[string]domain.Saver
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		generators:   make(map[string]domain.Generator),
		transformers: make(map[string]domain.Transformer),
		savers:       make(map[string]domain.Saver),
	}
}

func (r *fakeRegistry) Generator(name string) (domain.Generator, error) {
	if g, ok := r.generators[name]; ok {
		return g, nil
	}
	return nil, r.notFound(domain.CapGenerator, name, keysOf(r.generators))
}

func (r *fakeRegistry) Transformer(name string) (domain.Transformer, error) {
	if t, ok := r.transformers[name]; ok {
		return t, nil
	}
	return nil, r.notFound(domain.CapTransform, name, keysOf(r.transformers))
}

func (r *fakeRegistry) Saver(name string) (domain.Saver, error) {
	if s, ok := r.savers[name]; ok {
		return s, nil
	}
	return nil, r.notFound(domain.CapSave, name, keysOf(r.savers))
}

func (r *fakeRegistry) Capabilities(kind domain.CapabilityKind) []domain.Capability {
	return nil
}

func (r *fakeRegistry) ValidateParams(kind domain.CapabilityKind, name string, params map[string]any) error {
	return nil
}

func (r *fakeRegistry) notFound(kind domain.CapabilityKind, name string, registered []string) error {
	sort.Strings(registered)
	return domain.NewDomainError("fakeRegistry", domain.ErrProviderNotFound,
		fmt.Sprintf("%s %q (registered: %s)", kind, name, strings.Join(registered, ", ")))
}

func keysOf[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// stubGenerator returns a fixed image and counts invocations.
type stubGenerator struct {
	name  string
	blob  *domain.ImageBlob
	usage *domain.UsageEvent
	err   error
	calls atomic.Int32

	// block, when set, is waited on before returning.
	block <-chan struct{}
	// onCall, when set, observes concurrency from the provider side.
	onCall func(ctx context.Context)
}

func (g *stubGenerator) Capability() domain.Capability {
	return domain.Capability{Kind: domain.CapGenerator, Name: g.name}
}

func (g *stubGenerator) Generate(ctx context.Context, params map[string]any) (*domain.ImageBlob, *domain.UsageEvent, error) {
	g.calls.Add(1)
	if g.onCall != nil {
		g.onCall(ctx)
	}
	// Dispatched calls are never forcibly interrupted; a blocked stub
	// waits for its release even when ctx was cancelled.
	if g.block != nil {
		<-g.block
	}
	if g.err != nil {
		return nil, nil, g.err
	}
	return g.blob, g.usage, nil
}

// stubTransformer derives a payload from its input via fn.
type stubTransformer struct {
	name  string
	fn    func(in domain.Payload, operation string, params map[string]any) (domain.Payload, error)
	calls atomic.Int32

	mu     sync.Mutex
	inputs []domain.Payload
}

func (t *stubTransformer) Capability() domain.Capability {
	return domain.Capability{Kind: domain.CapTransform, Name: t.name}
}

func (t *stubTransformer) Transform(ctx context.Context, in domain.Payload, operation string, params map[string]any) (domain.Payload, *domain.UsageEvent, error) {
	t.calls.Add(1)
	t.mu.Lock()
	t.inputs = append(t.inputs, in)
	t.mu.Unlock()
	out, err := t.fn(in, operation, params)
	return out, nil, err
}

// stubSaver records destinations.
type stubSaver struct {
	name  string
	err   error
	calls atomic.Int32
}

func (s *stubSaver) Capability() domain.Capability {
	return domain.Capability{Kind: domain.CapSave, Name: s.name}
}

func (s *stubSaver) Save(ctx context.Context, in domain.Payload, destination string) (*domain.SaveResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	img, _ := in.(*domain.ImageBlob)
	size := 0
	if img != nil {
		size = len(img.Bytes)
	}
	return &domain.SaveResult{
		Provider:    s.name,
		Destination: destination,
		Location:    destination,
		Bytes:       size,
	}, nil
}

// recordingBus captures events mirrored onto the bus.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return func() {}
}

func (b *recordingBus) SubscribeAll(handler domain.EventHandler) func() {
	return func() {}
}

func (b *recordingBus) Close() {}

func (b *recordingBus) byType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testImage(content string) *domain.ImageBlob {
	return &domain.ImageBlob{
		Bytes:      []byte(content),
		MIME:       "image/svg+xml",
		Width:      64,
		Height:     64,
		Provenance: "test",
	}
}
